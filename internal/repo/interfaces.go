package repo

import (
	"context"
	"errors"
	"time"

	"github.com/corral-labs/corral-go/internal/domain"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrOrchestratorRunSet is returned when an attempt already carries an
// orchestrator run id. The id is set exactly once per trigger call.
var ErrOrchestratorRunSet = errors.New("orchestrator run already set")

type DatasetFilter struct {
	TeamID string
	Name   string
	Limit  int
}

type ImportRunFilter struct {
	DatasetID string
	Status    domain.RunStatus
	Limit     int
	Offset    int
}

// PollCandidate is an attempt due for a status poll, together with the
// trailing-window deadline used after the orchestrator reports COMPLETED.
type PollCandidate struct {
	Run       domain.ImportRun
	PollUntil *time.Time
}

// DatasetRepository manages dataset records.
type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset domain.Dataset) error
	GetDataset(ctx context.Context, id string) (domain.Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, error)
}

// ImportRunRepository manages the append-only import attempt ledger.
type ImportRunRepository interface {
	CreateImportRun(ctx context.Context, run domain.ImportRun) error
	GetImportRun(ctx context.Context, datasetID, id string) (domain.ImportRun, error)
	CurrentImportRun(ctx context.Context, datasetID string) (domain.ImportRun, error)
	ActiveImportRun(ctx context.Context, datasetID string) (domain.ImportRun, error)
	ListImportRuns(ctx context.Context, filter ImportRunFilter) ([]domain.ImportRun, error)
	UpdateImportRunStatus(ctx context.Context, datasetID, id string, status domain.RunStatus) error
	MergeImportRunExtra(ctx context.Context, datasetID, id string, extra domain.Metadata) error
	SetOrchestratorRun(ctx context.Context, datasetID, id, flowID, orchestratorRunID string) error
	RefreshRunState(ctx context.Context, datasetID, id string, status domain.RunStatus, stateType string) error
	ArmPoll(ctx context.Context, id string, at time.Time) error
	DuePollCandidates(ctx context.Context, now time.Time, limit int) ([]PollCandidate, error)
	RecordPollResult(ctx context.Context, id string, status domain.RunStatus, stateType string, nextPollAt, pollUntil *time.Time) error
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
