package imports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/orchestrator"
	"github.com/corral-labs/corral-go/internal/repo"
	"github.com/corral-labs/corral-go/internal/storage/objectstore"
	"github.com/corral-labs/corral-go/internal/validation"
)

var (
	// ErrReportNotFound is returned when an operation requires a validation
	// report that the pipeline has not produced yet.
	ErrReportNotFound = errors.New("validation report not found")

	// ErrNoResumableRun is returned when neither the report nor the ledger
	// carries an orchestrator run id to resume.
	ErrNoResumableRun = errors.New("no resumable orchestrator run")
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Service struct {
	datasets repo.DatasetRepository
	runs     repo.ImportRunRepository
	store    objectstore.Store
	bucket   string
	client   orchestrator.Client
	registry orchestrator.Registry
	sessions *validation.CodeSessions
	logger   *slog.Logger

	mu      sync.Mutex
	reports map[string]*validation.Report
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

type Deps struct {
	Datasets repo.DatasetRepository
	Runs     repo.ImportRunRepository
	Store    objectstore.Store
	Bucket   string
	Client   orchestrator.Client
	Registry orchestrator.Registry
	Sessions *validation.CodeSessions
	Logger   *slog.Logger
}

func New(deps Deps) *Service {
	if deps.Datasets == nil || deps.Runs == nil || deps.Store == nil || deps.Client == nil {
		return nil
	}
	if strings.TrimSpace(deps.Bucket) == "" {
		return nil
	}
	if deps.Sessions == nil {
		deps.Sessions = validation.NewCodeSessions(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		datasets: deps.Datasets,
		runs:     deps.Runs,
		store:    deps.Store,
		bucket:   strings.TrimSpace(deps.Bucket),
		client:   deps.Client,
		registry: deps.Registry,
		sessions: deps.Sessions,
		logger:   deps.Logger,
		reports:  map[string]*validation.Report{},
	}
}

// RunState is the reload-safe import state for one dataset: the most recent
// ledger attempt, its live orchestrator status when one is reachable, and
// whether a validation report is waiting on the user.
type RunState struct {
	Run                domain.ImportRun
	Live               *orchestrator.RunStatus
	ReportPending      bool
	ResolutionRequired bool
}

// CurrentState loads the most recent attempt and refreshes it against the
// orchestrator. Refresh failures degrade to the stored ledger state instead
// of failing the read.
func (s *Service) CurrentState(ctx context.Context, datasetID string) (RunState, error) {
	run, err := s.runs.CurrentImportRun(ctx, datasetID)
	if err != nil {
		return RunState{}, err
	}
	state := RunState{Run: run}

	if strings.TrimSpace(run.OrchestratorRunID) != "" {
		live, err := s.client.Status(ctx, run.OrchestratorFlowID, run.OrchestratorRunID)
		if err != nil {
			s.logger.Warn("live status refresh failed",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
		} else {
			state.Live = &live
			next := orchestrator.LedgerStatus(live.StateType)
			changed := next != run.Status || live.StateType != run.StateType
			if changed && domain.CanTransitionRunStatus(run.Status, next) {
				if err := s.runs.RefreshRunState(ctx, run.DatasetID, run.ID, next, live.StateType); err != nil {
					s.logger.Warn("persist refreshed state failed",
						"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
				} else {
					state.Run.Status = next
					state.Run.StateType = live.StateType
				}
			}
		}
	}

	report, err := s.FetchReport(ctx, reportPrefix(run.TeamID, run.DatasetID))
	if err != nil {
		s.logger.Warn("validation report check failed",
			"dataset_id", run.DatasetID, "error", err)
	} else if report != nil {
		state.ReportPending = report.Pending()
	}

	stateType := state.Run.StateType
	if state.Live != nil {
		stateType = state.Live.StateType
	}
	switch strings.ToUpper(strings.TrimSpace(stateType)) {
	case orchestrator.StatePaused, orchestrator.StateSuspended, orchestrator.StateFailed:
		state.ResolutionRequired = true
	}
	if state.ReportPending {
		state.ResolutionRequired = true
	}
	return state, nil
}

func (s *Service) History(ctx context.Context, datasetID string, limit, offset int) ([]domain.ImportRun, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.runs.ListImportRuns(ctx, repo.ImportRunFilter{
		DatasetID: datasetID,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Service) GetRun(ctx context.Context, datasetID, runID string) (domain.ImportRun, error) {
	return s.runs.GetImportRun(ctx, datasetID, runID)
}

// LaunchRun triggers the pipeline for an already-persisted attempt and
// records the orchestrator ids. Called after the creating transaction
// commits. A trigger failure marks the attempt failed so it never sits in
// queued forever.
func (s *Service) LaunchRun(ctx context.Context, run domain.ImportRun, flowID string) (orchestrator.Run, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return orchestrator.Run{}, errors.New("flow id is required")
	}
	conf := orchestrator.TriggerConf{
		DatasetID: run.DatasetID,
		TeamID:    run.TeamID,
		StatDate:  run.StatDate,
		RawPrefix: run.RawPrefix,
		LocalDir:  run.Directory,
	}
	triggered, err := s.client.Trigger(ctx, flowID, conf)
	if err != nil {
		if uerr := s.runs.UpdateImportRunStatus(ctx, run.DatasetID, run.ID, domain.RunStatusFailed); uerr != nil {
			s.logger.Error("mark failed after trigger error",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", uerr)
		}
		if merr := s.runs.MergeImportRunExtra(ctx, run.DatasetID, run.ID, domain.Metadata{
			"trigger_error": err.Error(),
		}); merr != nil {
			s.logger.Error("record trigger error",
				"dataset_id", run.DatasetID, "run_id", run.ID, "error", merr)
		}
		return orchestrator.Run{}, fmt.Errorf("trigger import: %w", err)
	}
	if err := s.runs.SetOrchestratorRun(ctx, run.DatasetID, run.ID, triggered.FlowID, triggered.RunID); err != nil {
		return orchestrator.Run{}, fmt.Errorf("record orchestrator run: %w", err)
	}
	if err := s.runs.ArmPoll(ctx, run.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("arm poll after trigger",
			"dataset_id", run.DatasetID, "run_id", run.ID, "error", err)
	}
	s.logger.Info("import triggered",
		"dataset_id", run.DatasetID, "run_id", run.ID,
		"flow_id", triggered.FlowID, "orchestrator_run_id", triggered.RunID)
	return triggered, nil
}

// ResolveFlow maps a dataset's configured pipeline name to a registry entry.
// An empty name falls back to the registry default.
func (s *Service) ResolveFlow(name string) (orchestrator.Flow, bool) {
	return s.registry.Lookup(name)
}

// FetchReport returns the validation report stored under prefix, or nil when
// the pipeline has not produced one. Parsed reports are cached per prefix
// until DropReport.
func (s *Service) FetchReport(ctx context.Context, prefix string) (*validation.Report, error) {
	key := validation.ReportKey(prefix)

	s.mu.Lock()
	cached, ok := s.reports[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, _, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch validation report: %w", err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read validation report: %w", err)
	}
	report, err := validation.ParseReport(raw)
	if err != nil {
		return nil, fmt.Errorf("parse validation report: %w", err)
	}

	s.mu.Lock()
	s.reports[key] = report
	s.mu.Unlock()
	return report, nil
}

// DropReport clears the cached report for a prefix so the next fetch hits
// the object store again.
func (s *Service) DropReport(prefix string) {
	key := validation.ReportKey(prefix)
	s.mu.Lock()
	delete(s.reports, key)
	s.mu.Unlock()
}

// ExportMissingCodes renders the outstanding missing-code issues under a
// prefix as a spreadsheet.
func (s *Service) ExportMissingCodes(ctx context.Context, prefix string) ([]byte, error) {
	report, err := s.FetchReport(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, ErrReportNotFound
	}
	return validation.ExportMissingCodes(report)
}

// GenerateCodes mints unique fixed-length identifier codes scoped to a
// client session token. An empty token starts a new session.
func (s *Service) GenerateCodes(session string, n int) (string, []string, error) {
	return s.sessions.Generate(session, n)
}

type ResolveRequest struct {
	DatasetID   string
	Prefix      string
	Batch       validation.Batch
	BulkMissing string
}

// ResolveTarget describes a submitted resolution and the orchestrator run
// to resume once the surrounding transaction commits.
type ResolveTarget struct {
	DatasetID   string
	ImportRunID string
	FlowID      string
	RunID       string
	Prefix      string
	Resolved    int
	Unmatched   []string
}

// SubmitResolutions validates and stores the user's fixes for a pending
// report and appends the audit record through the caller's transaction.
// The resume target is resolved before any side effect so a request that
// cannot be resumed fails clean. Resuming itself happens after commit via
// ResumeResolved.
func (s *Service) SubmitResolutions(ctx context.Context, appender repo.AuditEventAppender, info AuditInfo, req ResolveRequest) (ResolveTarget, error) {
	if appender == nil {
		return ResolveTarget{}, errors.New("audit appender is required")
	}
	if strings.TrimSpace(info.Actor) == "" {
		return ResolveTarget{}, errors.New("audit actor is required")
	}
	datasetID := strings.TrimSpace(req.DatasetID)
	if datasetID == "" {
		return ResolveTarget{}, errors.New("dataset id is required")
	}

	dataset, err := s.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		return ResolveTarget{}, err
	}
	run, err := s.runs.ActiveImportRun(ctx, datasetID)
	hasRun := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ResolveTarget{}, err
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		prefix = reportPrefix(dataset.TeamID, dataset.ID)
	}

	report, err := s.FetchReport(ctx, prefix)
	if err != nil {
		return ResolveTarget{}, err
	}
	if report == nil {
		return ResolveTarget{}, ErrReportNotFound
	}

	batch := req.Batch
	var unmatched []string
	if strings.TrimSpace(req.BulkMissing) != "" {
		entries, err := validation.ParseBulkCodes(req.BulkMissing)
		if err != nil {
			return ResolveTarget{}, err
		}
		fills, miss := validation.MatchBulkCodes(report, entries)
		batch.MissingCodes = append(batch.MissingCodes, fills...)
		unmatched = miss
	}

	resolutions, err := validation.BuildResolutions(batch)
	if err != nil {
		return ResolveTarget{}, err
	}

	resumeID := strings.TrimSpace(report.FlowRunID)
	if resumeID == "" && hasRun {
		resumeID = strings.TrimSpace(run.OrchestratorRunID)
	}
	if resumeID == "" {
		return ResolveTarget{}, ErrNoResumableRun
	}
	flowID := ""
	if hasRun {
		flowID = strings.TrimSpace(run.OrchestratorFlowID)
	}
	if flowID == "" {
		if flow, ok := s.registry.Lookup(dataset.FlowName); ok {
			flowID = flow.OrchestratorID()
		}
	}
	if flowID == "" {
		return ResolveTarget{}, ErrNoResumableRun
	}

	payload, err := validation.EncodeResolutions(resolutions)
	if err != nil {
		return ResolveTarget{}, err
	}
	key := validation.ResolutionKey(prefix)
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
		return ResolveTarget{}, fmt.Errorf("store resolutions: %w", err)
	}

	target := ResolveTarget{
		DatasetID: datasetID,
		FlowID:    flowID,
		RunID:     resumeID,
		Prefix:    prefix,
		Resolved:  resolutions.Count(),
		Unmatched: unmatched,
	}
	if hasRun {
		target.ImportRunID = run.ID
	}

	if _, err := appender.Append(ctx, domain.AuditEvent{
		Actor:        info.Actor,
		Action:       "import.resolutions_submitted",
		ResourceType: "dataset",
		ResourceID:   datasetID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload: domain.Metadata{
			"service":             strings.TrimSpace(info.Service),
			"prefix":              prefix,
			"resolved_count":      resolutions.Count(),
			"orchestrator_run_id": resumeID,
		},
	}); err != nil {
		return ResolveTarget{}, err
	}
	return target, nil
}

// ResumeResolved requeues the orchestrator run recorded by a resolution
// submit, clears the cached report, and re-arms status polling. Called
// after the submitting transaction commits.
func (s *Service) ResumeResolved(ctx context.Context, target ResolveTarget) error {
	if err := s.client.Resume(ctx, target.FlowID, target.RunID); err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	s.DropReport(target.Prefix)
	if target.ImportRunID != "" {
		if err := s.runs.ArmPoll(ctx, target.ImportRunID, time.Now().UTC()); err != nil {
			s.logger.Warn("arm poll after resume failed",
				"dataset_id", target.DatasetID, "run_id", target.ImportRunID, "error", err)
		}
	}
	s.logger.Info("import resumed",
		"dataset_id", target.DatasetID, "flow_id", target.FlowID,
		"orchestrator_run_id", target.RunID, "resolved_count", target.Resolved)
	return nil
}

// ResumeRun resumes a specific attempt without submitting resolutions.
func (s *Service) ResumeRun(ctx context.Context, datasetID, runID string) (domain.ImportRun, error) {
	run, err := s.runs.GetImportRun(ctx, datasetID, runID)
	if err != nil {
		return domain.ImportRun{}, err
	}
	if strings.TrimSpace(run.OrchestratorRunID) == "" || domain.IsTerminalRunStatus(run.Status) {
		return domain.ImportRun{}, ErrNoResumableRun
	}
	if err := s.client.Resume(ctx, run.OrchestratorFlowID, run.OrchestratorRunID); err != nil {
		return domain.ImportRun{}, fmt.Errorf("resume run: %w", err)
	}
	s.DropReport(reportPrefix(run.TeamID, run.DatasetID))
	if err := s.runs.ArmPoll(ctx, run.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("arm poll after resume failed",
			"dataset_id", datasetID, "run_id", run.ID, "error", err)
	}
	return run, nil
}

// reportPrefix is where the pipeline leaves its validation artifacts: the
// extracted-data stage of the dataset's storage subtree.
func reportPrefix(teamID, datasetID string) string {
	return objectstore.StagePrefix(teamID, datasetID, objectstore.StageRawExtracted)
}
