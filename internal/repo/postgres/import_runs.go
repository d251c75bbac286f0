package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/repo"
)

type ImportRunStore struct {
	db DB
}

const importRunColumns = `run_id, dataset_id, team_id, flow_id, orchestrator_run_id, raw_prefix,
		directory, stat_date, status, state_type, extra, created_at, updated_at`

const (
	insertImportRunQuery = `INSERT INTO import_runs (
		run_id,
		dataset_id,
		team_id,
		flow_id,
		orchestrator_run_id,
		raw_prefix,
		directory,
		stat_date,
		status,
		state_type,
		extra,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	selectImportRunQuery = `SELECT ` + importRunColumns + `
	 FROM import_runs
	 WHERE dataset_id = $1 AND run_id = $2`

	currentImportRunQuery = `SELECT ` + importRunColumns + `
	 FROM import_runs
	 WHERE dataset_id = $1
	 ORDER BY created_at DESC
	 LIMIT 1`

	activeImportRunQuery = `SELECT ` + importRunColumns + `
	 FROM import_runs
	 WHERE dataset_id = $1 AND status NOT IN ('success','cancelled')
	 ORDER BY created_at DESC
	 LIMIT 1`

	updateImportRunStatusQuery = `UPDATE import_runs
	 SET status = $1, updated_at = $2
	 WHERE dataset_id = $3 AND run_id = $4`

	updateImportRunStatusTerminalQuery = `UPDATE import_runs
	 SET status = $1, updated_at = $2, next_poll_at = NULL, poll_until = NULL
	 WHERE dataset_id = $3 AND run_id = $4`

	mergeImportRunExtraQuery = `UPDATE import_runs
	 SET extra = COALESCE(extra, '{}'::jsonb) || $1::jsonb, updated_at = $2
	 WHERE dataset_id = $3 AND run_id = $4`

	setOrchestratorRunQuery = `UPDATE import_runs
	 SET flow_id = $1, orchestrator_run_id = $2, next_poll_at = $3, updated_at = $4
	 WHERE dataset_id = $5 AND run_id = $6 AND orchestrator_run_id = ''`

	refreshRunStateQuery = `UPDATE import_runs
	 SET status = $1, state_type = $2, updated_at = $3
	 WHERE dataset_id = $4 AND run_id = $5`

	refreshRunStateTerminalQuery = `UPDATE import_runs
	 SET status = $1, state_type = $2, updated_at = $3, next_poll_at = NULL, poll_until = NULL
	 WHERE dataset_id = $4 AND run_id = $5`

	armPollQuery = `UPDATE import_runs
	 SET next_poll_at = $1, poll_until = NULL, updated_at = $2
	 WHERE run_id = $3`

	selectOrchestratorRunQuery = `SELECT orchestrator_run_id
	 FROM import_runs
	 WHERE dataset_id = $1 AND run_id = $2`

	duePollCandidatesQuery = `SELECT ` + importRunColumns + `, poll_until
	 FROM import_runs
	 WHERE next_poll_at IS NOT NULL AND next_poll_at <= $1
	 ORDER BY next_poll_at ASC
	 LIMIT $2`

	recordPollResultQuery = `UPDATE import_runs
	 SET status = $1, state_type = $2, next_poll_at = $3, poll_until = $4, updated_at = $5
	 WHERE run_id = $6`
)

func NewImportRunStore(db DB) *ImportRunStore {
	if db == nil {
		return nil
	}
	return &ImportRunStore{db: db}
}

func (s *ImportRunStore) CreateImportRun(ctx context.Context, run domain.ImportRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	extraJSON, err := encodeMetadata(run.Extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := normalizeTime(run.UpdatedAt)
	_, err = s.db.ExecContext(
		ctx,
		insertImportRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.DatasetID),
		strings.TrimSpace(run.TeamID),
		strings.TrimSpace(run.OrchestratorFlowID),
		strings.TrimSpace(run.OrchestratorRunID),
		strings.TrimSpace(run.RawPrefix),
		nullIfEmpty(run.Directory),
		nullIfEmpty(run.StatDate),
		string(run.Status),
		strings.TrimSpace(run.StateType),
		extraJSON,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}
	return nil
}

func (s *ImportRunStore) GetImportRun(ctx context.Context, datasetID, id string) (domain.ImportRun, error) {
	if s == nil || s.db == nil {
		return domain.ImportRun{}, fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return domain.ImportRun{}, fmt.Errorf("dataset id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ImportRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectImportRunQuery, datasetID, id)
	return scanImportRun(row)
}

func (s *ImportRunStore) CurrentImportRun(ctx context.Context, datasetID string) (domain.ImportRun, error) {
	if s == nil || s.db == nil {
		return domain.ImportRun{}, fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return domain.ImportRun{}, fmt.Errorf("dataset id is required")
	}
	row := s.db.QueryRowContext(ctx, currentImportRunQuery, datasetID)
	return scanImportRun(row)
}

// ActiveImportRun returns the most recent attempt that has not reached a
// terminal status. Failed attempts count as active: they stay resumable.
func (s *ImportRunStore) ActiveImportRun(ctx context.Context, datasetID string) (domain.ImportRun, error) {
	if s == nil || s.db == nil {
		return domain.ImportRun{}, fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return domain.ImportRun{}, fmt.Errorf("dataset id is required")
	}
	row := s.db.QueryRowContext(ctx, activeImportRunQuery, datasetID)
	return scanImportRun(row)
}

func (s *ImportRunStore) ListImportRuns(ctx context.Context, filter repo.ImportRunFilter) ([]domain.ImportRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import run store not initialized")
	}
	if strings.TrimSpace(filter.DatasetID) == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 4)

	args = append(args, strings.TrimSpace(filter.DatasetID))
	clauses = append(clauses, fmt.Sprintf("dataset_id = $%d", len(args)))
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + importRunColumns + ` FROM import_runs`
	query += " WHERE " + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.ImportRun, 0)
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	return runs, nil
}

func (s *ImportRunStore) UpdateImportRunStatus(ctx context.Context, datasetID, id string, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("unknown run status %q", status)
	}
	query := updateImportRunStatusQuery
	if domain.IsTerminalRunStatus(status) {
		query = updateImportRunStatusTerminalQuery
	}
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), datasetID, id)
	if err != nil {
		return fmt.Errorf("update import run status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update import run status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ImportRunStore) MergeImportRunExtra(ctx context.Context, datasetID, id string, extra domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	extraJSON, err := encodeMetadata(extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	res, err := s.db.ExecContext(ctx, mergeImportRunExtraQuery, extraJSON, time.Now().UTC(), datasetID, id)
	if err != nil {
		return fmt.Errorf("merge import run extra: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge import run extra: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// SetOrchestratorRun records the orchestrator ids exactly once and arms the
// poll schedule. A second call for the same attempt fails with
// ErrOrchestratorRunSet.
func (s *ImportRunStore) SetOrchestratorRun(ctx context.Context, datasetID, id, flowID, orchestratorRunID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id is required")
	}
	orchestratorRunID = strings.TrimSpace(orchestratorRunID)
	if orchestratorRunID == "" {
		return fmt.Errorf("orchestrator run id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, setOrchestratorRunQuery, flowID, orchestratorRunID, now, now, datasetID, id)
	if err != nil {
		return fmt.Errorf("set orchestrator run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set orchestrator run: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var existing string
	if err := s.db.QueryRowContext(ctx, selectOrchestratorRunQuery, datasetID, id).Scan(&existing); err != nil {
		return handleNotFound(err)
	}
	return repo.ErrOrchestratorRunSet
}

// RefreshRunState records a live status observation without touching the
// poll schedule, except that terminal statuses always stop polling.
func (s *ImportRunStore) RefreshRunState(ctx context.Context, datasetID, id string, status domain.RunStatus, stateType string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("unknown run status %q", status)
	}
	query := refreshRunStateQuery
	if domain.IsTerminalRunStatus(status) {
		query = refreshRunStateTerminalQuery
	}
	res, err := s.db.ExecContext(ctx, query, string(status), strings.TrimSpace(stateType), time.Now().UTC(), datasetID, id)
	if err != nil {
		return fmt.Errorf("refresh run state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh run state: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ArmPoll schedules the next status poll and clears any trailing window.
func (s *ImportRunStore) ArmPoll(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(ctx, armPollQuery, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("arm poll: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("arm poll: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ImportRunStore) DuePollCandidates(ctx context.Context, now time.Time, limit int) ([]repo.PollCandidate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import run store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, duePollCandidatesQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due poll candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]repo.PollCandidate, 0)
	for rows.Next() {
		var run domain.ImportRun
		var flowID sql.NullString
		var directory sql.NullString
		var statDate sql.NullString
		var extraJSON []byte
		var pollUntil sql.NullTime
		if err := rows.Scan(
			&run.ID,
			&run.DatasetID,
			&run.TeamID,
			&flowID,
			&run.OrchestratorRunID,
			&run.RawPrefix,
			&directory,
			&statDate,
			&run.Status,
			&run.StateType,
			&extraJSON,
			&run.CreatedAt,
			&run.UpdatedAt,
			&pollUntil,
		); err != nil {
			return nil, fmt.Errorf("scan poll candidate: %w", err)
		}
		run.OrchestratorFlowID = strings.TrimSpace(flowID.String)
		run.Directory = strings.TrimSpace(directory.String)
		run.StatDate = strings.TrimSpace(statDate.String)
		extra, err := decodeMetadata(extraJSON)
		if err != nil {
			return nil, fmt.Errorf("decode extra: %w", err)
		}
		run.Extra = extra
		candidate := repo.PollCandidate{Run: run}
		if pollUntil.Valid {
			until := pollUntil.Time.UTC()
			candidate.PollUntil = &until
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due poll candidates: %w", err)
	}
	return candidates, nil
}

func (s *ImportRunStore) RecordPollResult(ctx context.Context, id string, status domain.RunStatus, stateType string, nextPollAt, pollUntil *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("import run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("unknown run status %q", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		recordPollResultQuery,
		string(status),
		strings.TrimSpace(stateType),
		nullableTime(nextPollAt),
		nullableTime(pollUntil),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("record poll result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record poll result: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type importRunScanner interface {
	Scan(dest ...any) error
}

func scanImportRun(scanner importRunScanner) (domain.ImportRun, error) {
	var run domain.ImportRun
	var flowID sql.NullString
	var directory sql.NullString
	var statDate sql.NullString
	var extraJSON []byte
	if err := scanner.Scan(
		&run.ID,
		&run.DatasetID,
		&run.TeamID,
		&flowID,
		&run.OrchestratorRunID,
		&run.RawPrefix,
		&directory,
		&statDate,
		&run.Status,
		&run.StateType,
		&extraJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.ImportRun{}, handleNotFound(err)
	}
	run.OrchestratorFlowID = strings.TrimSpace(flowID.String)
	run.Directory = strings.TrimSpace(directory.String)
	run.StatDate = strings.TrimSpace(statDate.String)
	extra, err := decodeMetadata(extraJSON)
	if err != nil {
		return domain.ImportRun{}, fmt.Errorf("decode extra: %w", err)
	}
	run.Extra = extra
	return run, nil
}
