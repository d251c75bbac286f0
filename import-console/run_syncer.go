package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/corral-labs/corral-go/internal/auditexport"
	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/orchestrator"
	"github.com/corral-labs/corral-go/internal/repo"
	"github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/storage/objectstore"
	"github.com/corral-labs/corral-go/internal/validation"
)

// runSyncer polls the orchestrator for every import attempt whose
// next_poll_at has come due and folds the observed state back into the
// ledger. The poll schedule lives in the attempt row itself, so a restart
// resumes exactly where the previous process stopped.
type runSyncer struct {
	logger   *slog.Logger
	db       *sql.DB
	client   orchestrator.Client
	store    objectstore.Store
	bucket   string
	exporter auditexport.Exporter
	interval time.Duration
	batch    int
	window   time.Duration
}

func startRunSyncer(ctx context.Context, logger *slog.Logger, db *sql.DB, client orchestrator.Client, store objectstore.Store, bucket string, exporter auditexport.Exporter, interval, window time.Duration) {
	if db == nil || client == nil {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if window <= 0 {
		window = time.Minute
	}
	s := &runSyncer{
		logger:   logger,
		db:       db,
		client:   client,
		store:    store,
		bucket:   bucket,
		exporter: exporter,
		interval: interval,
		batch:    20,
		window:   window,
	}

	go s.run(ctx)
}

func (s *runSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *runSyncer) syncOnce(ctx context.Context) {
	candidates, err := postgres.NewImportRunStore(s.db).DuePollCandidates(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		s.log("poll query failed", "error", err)
		return
	}
	for _, candidate := range candidates {
		s.syncRun(ctx, candidate)
	}
}

func (s *runSyncer) syncRun(ctx context.Context, candidate repo.PollCandidate) {
	run := candidate.Run

	live, err := s.client.Status(ctx, run.OrchestratorFlowID, run.OrchestratorRunID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			s.finishMissingRun(ctx, run)
			return
		}
		// next_poll_at stays in the past, so the next tick retries.
		s.log("status poll failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}

	interval, keepPolling := orchestrator.PollInterval(live.StateType)
	status := orchestrator.LedgerStatus(live.StateType)
	if !domain.CanTransitionRunStatus(run.Status, status) {
		status = run.Status
	}

	now := time.Now().UTC()
	var nextPollAt, pollUntil *time.Time
	switch {
	case !keepPolling:
		// CANCELLED and CRASHED never produce anything further.
	case live.StateType == orchestrator.StateCompleted:
		// A validation report can land shortly after COMPLETED, so the
		// attempt keeps polling through a bounded trailing window and
		// stops early once the report shows up.
		until := candidate.PollUntil
		if until == nil {
			u := now.Add(s.window)
			until = &u
		}
		if !s.reportArrived(ctx, run) && now.Before(*until) {
			next := now.Add(interval)
			nextPollAt = &next
			pollUntil = until
		}
	default:
		next := now.Add(interval)
		nextPollAt = &next
	}

	if status == run.Status {
		// No transition to announce; just advance the schedule.
		if err := postgres.NewImportRunStore(s.db).RecordPollResult(ctx, run.ID, status, live.StateType, nextPollAt, pollUntil); err != nil {
			s.log("record poll failed",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		}
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log("begin tx failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if err := postgres.NewImportRunStore(tx).RecordPollResult(ctx, run.ID, status, live.StateType, nextPollAt, pollUntil); err != nil {
		s.log("record poll failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	if _, err := postgres.NewAuditAppender(tx, s.exporter).Append(ctx, domain.AuditEvent{
		Actor:        "system",
		Action:       "import_run." + string(status),
		ResourceType: "import_run",
		ResourceID:   run.ID,
		Payload: domain.Metadata{
			"service":             serviceName,
			"dataset_id":          run.DatasetID,
			"orchestrator_run_id": run.OrchestratorRunID,
			"state_type":          live.StateType,
			"status":              string(status),
		},
	}); err != nil {
		s.log("insert audit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "status", string(status), "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.log("commit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "status", string(status), "error", err)
	}
}

// reportArrived checks whether the pipeline has left a validation report
// for the run's dataset, and records the first sighting. The flag on the
// attempt makes the second look cheap and keeps the audit trail to one
// event per report.
func (s *runSyncer) reportArrived(ctx context.Context, run domain.ImportRun) bool {
	if s.store == nil {
		return false
	}
	if flagged, ok := run.Extra["late_report"].(bool); ok && flagged {
		return true
	}

	key := validation.ReportKey(objectstore.StagePrefix(run.TeamID, run.DatasetID, objectstore.StageRawExtracted))
	if _, err := s.store.Stat(ctx, s.bucket, key); err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			s.log("report check failed",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		}
		return false
	}

	// The report object is the source of truth; the flag and audit row are
	// annotations, so their failure still stops the polling loop.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log("begin tx failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return true
	}
	defer func() { _ = tx.Rollback() }()

	if err := postgres.NewImportRunStore(tx).MergeImportRunExtra(ctx, run.DatasetID, run.ID, domain.Metadata{"late_report": true}); err != nil {
		s.log("flag late report failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return true
	}
	if _, err := postgres.NewAuditAppender(tx, s.exporter).Append(ctx, domain.AuditEvent{
		Actor:        "system",
		Action:       "import_run.report_detected",
		ResourceType: "import_run",
		ResourceID:   run.ID,
		Payload: domain.Metadata{
			"service":             serviceName,
			"dataset_id":          run.DatasetID,
			"orchestrator_run_id": run.OrchestratorRunID,
		},
	}); err != nil {
		s.log("insert audit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return true
	}
	if err := tx.Commit(); err != nil {
		s.log("commit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
	}
	return true
}

// finishMissingRun settles an attempt whose orchestrator run has vanished.
// Attempts that already reached a terminal status just stop polling;
// anything still in flight is marked failed.
func (s *runSyncer) finishMissingRun(ctx context.Context, run domain.ImportRun) {
	if domain.IsTerminalRunStatus(run.Status) {
		if err := postgres.NewImportRunStore(s.db).RecordPollResult(ctx, run.ID, run.Status, run.StateType, nil, nil); err != nil {
			s.log("record poll failed",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		}
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log("begin tx failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	store := postgres.NewImportRunStore(tx)
	if err := store.RecordPollResult(ctx, run.ID, domain.RunStatusFailed, run.StateType, nil, nil); err != nil {
		s.log("record poll failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	if err := store.MergeImportRunExtra(ctx, run.DatasetID, run.ID, domain.Metadata{"poll_error": "orchestrator_run_not_found"}); err != nil {
		s.log("flag missing run failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	if _, err := postgres.NewAuditAppender(tx, s.exporter).Append(ctx, domain.AuditEvent{
		Actor:        "system",
		Action:       "import_run.failed",
		ResourceType: "import_run",
		ResourceID:   run.ID,
		Payload: domain.Metadata{
			"service":             serviceName,
			"dataset_id":          run.DatasetID,
			"orchestrator_run_id": run.OrchestratorRunID,
			"reason":              "orchestrator_run_not_found",
		},
	}); err != nil {
		s.log("insert audit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.log("commit failed",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
	}
}

func (s *runSyncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := append([]any{"component", "run_syncer"}, attrs...)
	s.logger.Warn(msg, fields...)
}
