// Package imports implements the import lifecycle for datasets: trigger,
// adaptive status polling, validation pause, resolution submit, resume.
//
// Statuses:
//   - queued -> running -> paused | failed -> (resume) -> running -> success | cancelled
//
// Ledger statuses derive from orchestrator state types on every poll; the
// mapping is total and writes are idempotent, so repeated polls of an
// unchanged run are no-ops. Success and cancelled are terminal. Paused and
// failed attempts stay resumable: SubmitResolutions stores the user's fixes
// next to the pipeline's validation report and ResumeResolved requeues the
// run after the submitting transaction commits.
//
// Auditing:
//   - Resolution submits append exactly one audit event inside the caller's
//     transaction. Post-commit effects (resume, cache drop) are logged, not
//     audited.
package imports
