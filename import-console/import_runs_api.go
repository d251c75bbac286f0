package main

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/repo"
	"github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/storage/objectstore"
)

// Concurrent triggers against one dataset are serialized by locking the
// dataset row; the in-flight check runs under that lock so two sessions can
// never both observe "no active attempt".
const (
	lockDatasetQuery = `SELECT team_id, flow_name
	 FROM datasets
	 WHERE dataset_id = $1
	 FOR UPDATE`

	lockImportRunQuery = `SELECT status
	 FROM import_runs
	 WHERE dataset_id = $1 AND run_id = $2
	 FOR UPDATE`
)

type triggerImportRequest struct {
	StatDate  string          `json:"stat_date"`
	Directory string          `json:"directory"`
	Extra     domain.Metadata `json:"extra"`
}

func (api *importConsoleAPI) handleTriggerImport(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	var req triggerImportRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	tx, err := api.db.BeginTx(r.Context(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	var teamID, flowName string
	err = tx.QueryRowContext(r.Context(), lockDatasetQuery, datasetID).Scan(&teamID, &flowName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeRepoError(w, r, err)
		return
	}

	flow, ok := api.registry.Lookup(flowName)
	if !ok {
		api.writeError(w, r, http.StatusBadRequest, "unknown_flow")
		return
	}

	store := postgres.NewImportRunStore(tx)
	if _, err := store.ActiveImportRun(r.Context(), datasetID); err == nil {
		api.writeError(w, r, http.StatusConflict, "import_in_flight")
		return
	} else if !errors.Is(err, repo.ErrNotFound) {
		api.writeRepoError(w, r, err)
		return
	}

	run := domain.ImportRun{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		TeamID:    teamID,
		RawPrefix: objectstore.StagePrefix(teamID, datasetID, objectstore.StageRaw),
		Directory: strings.TrimSpace(req.Directory),
		StatDate:  strings.TrimSpace(req.StatDate),
		Status:    domain.RunStatusQueued,
		Extra:     req.Extra,
	}
	if err := run.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_import_run")
		return
	}
	if err := store.CreateImportRun(r.Context(), run); err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	appender := postgres.NewAuditAppender(tx, api.exporter)
	_, err = appender.Append(r.Context(), domain.AuditEvent{
		Actor:        identity.Subject,
		Action:       "import.triggered",
		ResourceType: "import_run",
		ResourceID:   run.ID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: domain.Metadata{
			"service":    serviceName,
			"dataset_id": datasetID,
			"stat_date":  run.StatDate,
			"flow_name":  flow.Name,
		},
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
		return
	}

	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// The orchestrator call stays outside the transaction: the attempt row
	// exists either way, and a trigger failure marks it failed instead of
	// rolling history back.
	if _, err := api.svc.LaunchRun(r.Context(), run, flow.OrchestratorID()); err != nil {
		api.writeError(w, r, http.StatusBadGateway, "trigger_failed")
		return
	}

	created, err := api.runs.GetImportRun(r.Context(), datasetID, run.ID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	w.Header().Set("Location", "/datasets/"+datasetID+"/import-runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, importRunPayloadFrom(created))
}

func (api *importConsoleAPI) handleListImportRuns(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	limit := parseIntQuery(r, "limit", 0)
	offset := parseIntQuery(r, "offset", 0)
	runs, err := api.svc.History(r.Context(), datasetID, limit, offset)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	out := make([]importRunPayload, 0, len(runs))
	for _, run := range runs {
		out = append(out, importRunPayloadFrom(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"import_runs": out})
}

type liveStatusPayload struct {
	StateType string     `json:"state_type"`
	StateName string     `json:"state_name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type currentRunPayload struct {
	Run                importRunPayload   `json:"run"`
	Live               *liveStatusPayload `json:"live,omitempty"`
	ReportPending      bool               `json:"report_pending"`
	ResolutionRequired bool               `json:"resolution_required"`
}

// handleCurrentImportRun reconstructs the in-progress view after a client
// reload: latest ledger row, live orchestrator state when reachable, and
// whether a validation report is waiting on the operator.
func (api *importConsoleAPI) handleCurrentImportRun(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	state, err := api.svc.CurrentState(r.Context(), datasetID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	payload := currentRunPayload{
		Run:                importRunPayloadFrom(state.Run),
		ReportPending:      state.ReportPending,
		ResolutionRequired: state.ResolutionRequired,
	}
	if state.Live != nil {
		payload.Live = &liveStatusPayload{
			StateType: state.Live.StateType,
			StateName: state.Live.StateName,
			CreatedAt: state.Live.CreatedAt,
			StartedAt: state.Live.StartedAt,
			EndedAt:   state.Live.EndedAt,
		}
	}
	api.writeJSON(w, http.StatusOK, payload)
}

func (api *importConsoleAPI) handleGetImportRun(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if datasetID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.svc.GetRun(r.Context(), datasetID, runID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, importRunPayloadFrom(run))
}

type patchImportRunRequest struct {
	Status string          `json:"status"`
	Extra  domain.Metadata `json:"extra"`
}

func (api *importConsoleAPI) handlePatchImportRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if datasetID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req patchImportRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" && len(req.Extra) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "empty_patch")
		return
	}

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the row so a concurrent poll cannot slip a transition in
	// between the check and the write.
	var currentRaw string
	err = tx.QueryRowContext(r.Context(), lockImportRunQuery, datasetID, runID).Scan(&currentRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeRepoError(w, r, err)
		return
	}
	current := domain.NormalizeRunStatus(currentRaw)

	store := postgres.NewImportRunStore(tx)
	if req.Status != "" {
		next := domain.NormalizeRunStatus(req.Status)
		if next == "" {
			api.writeError(w, r, http.StatusBadRequest, "unknown_status")
			return
		}
		if !domain.CanTransitionRunStatus(current, next) {
			api.writeError(w, r, http.StatusConflict, "invalid_transition")
			return
		}
		if next != current {
			if err := store.UpdateImportRunStatus(r.Context(), datasetID, runID, next); err != nil {
				api.writeRepoError(w, r, err)
				return
			}
		}
	}
	if len(req.Extra) > 0 {
		if err := store.MergeImportRunExtra(r.Context(), datasetID, runID, req.Extra); err != nil {
			api.writeRepoError(w, r, err)
			return
		}
	}

	appender := postgres.NewAuditAppender(tx, api.exporter)
	_, err = appender.Append(r.Context(), domain.AuditEvent{
		Actor:        identity.Subject,
		Action:       "import_run.patched",
		ResourceType: "import_run",
		ResourceID:   runID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: domain.Metadata{
			"service":    serviceName,
			"dataset_id": datasetID,
			"status":     req.Status,
		},
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
		return
	}

	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	updated, err := api.runs.GetImportRun(r.Context(), datasetID, runID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, importRunPayloadFrom(updated))
}

func (api *importConsoleAPI) handleResumeImportRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if datasetID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.svc.ResumeRun(r.Context(), datasetID, runID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	// The resume already reached the orchestrator; an audit failure here is
	// logged rather than surfaced as a request failure.
	appender := postgres.NewAuditAppender(api.db, api.exporter)
	if _, err := appender.Append(r.Context(), domain.AuditEvent{
		Actor:        identity.Subject,
		Action:       "import_run.resumed",
		ResourceType: "import_run",
		ResourceID:   runID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: domain.Metadata{
			"service":             serviceName,
			"dataset_id":          datasetID,
			"orchestrator_run_id": run.OrchestratorRunID,
		},
	}); err != nil {
		api.logger.Error("audit resume", "dataset_id", datasetID, "run_id", runID, "error", err)
	}

	api.writeJSON(w, http.StatusOK, importRunPayloadFrom(run))
}
