package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/corral-labs/corral-go/internal/auditexport"
	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/orchestrator"
	"github.com/corral-labs/corral-go/internal/platform/auth"
	"github.com/corral-labs/corral-go/internal/repo"
	"github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/service/imports"
	"github.com/corral-labs/corral-go/internal/validation"
)

const serviceName = "import-console"

type importConsoleAPI struct {
	logger         *slog.Logger
	db             *sql.DB
	datasets       repo.DatasetRepository
	runs           repo.ImportRunRepository
	svc            *imports.Service
	uploader       *imports.Uploader
	exporter       auditexport.Exporter
	registry       orchestrator.Registry
	client         orchestrator.Client
	uploadMaxBytes int64
	uploadTimeout  time.Duration
}

func newImportConsoleAPI(
	logger *slog.Logger,
	db *sql.DB,
	datasets repo.DatasetRepository,
	runs repo.ImportRunRepository,
	svc *imports.Service,
	uploader *imports.Uploader,
	exporter auditexport.Exporter,
	registry orchestrator.Registry,
	client orchestrator.Client,
	uploadMaxBytes int64,
	uploadTimeout time.Duration,
) *importConsoleAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = int64(2) << 30 // 2 GiB
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 15 * time.Minute
	}
	if exporter == nil {
		exporter = auditexport.NoopExporter{}
	}
	return &importConsoleAPI{
		logger:         logger,
		db:             db,
		datasets:       datasets,
		runs:           runs,
		svc:            svc,
		uploader:       uploader,
		exporter:       exporter,
		registry:       registry,
		client:         client,
		uploadMaxBytes: uploadMaxBytes,
		uploadTimeout:  uploadTimeout,
	}
}

func (api *importConsoleAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)

	mux.HandleFunc("POST /datasets/{dataset_id}/import/upload", api.handleUpload)

	mux.HandleFunc("POST /datasets/{dataset_id}/import-runs", api.handleTriggerImport)
	mux.HandleFunc("GET /datasets/{dataset_id}/import-runs", api.handleListImportRuns)
	mux.HandleFunc("GET /datasets/{dataset_id}/import-runs/current", api.handleCurrentImportRun)
	mux.HandleFunc("GET /datasets/{dataset_id}/import-runs/{run_id}", api.handleGetImportRun)
	mux.HandleFunc("PATCH /datasets/{dataset_id}/import-runs/{run_id}", api.handlePatchImportRun)
	mux.HandleFunc("POST /datasets/{dataset_id}/import-runs/{run_id}/resume", api.handleResumeImportRun)

	mux.HandleFunc("GET /datasets/validation-report", api.handleGetValidationReport)
	mux.HandleFunc("POST /datasets/validation-report/resolve", api.handleResolveValidationReport)
	mux.HandleFunc("GET /datasets/validation-report/export", api.handleExportValidationReport)
	mux.HandleFunc("POST /datasets/validation-report/codes", api.handleGenerateCodes)

	mux.HandleFunc("GET /orchestrator/flows", api.handleListFlows)
	mux.HandleFunc("GET /orchestrator/runs/{flow_id}/{run_id}", api.handleOrchestratorRun)
	mux.HandleFunc("GET /orchestrator/runs/{flow_id}/{run_id}/tasks", api.handleOrchestratorTasks)
	mux.HandleFunc("GET /orchestrator/logs/{flow_id}/{run_id}/{task_id}", api.handleOrchestratorTaskLog)
}

type datasetPayload struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"team_id"`
	Name      string          `json:"name"`
	FlowName  string          `json:"flow_name,omitempty"`
	Metadata  domain.Metadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by"`
}

func datasetPayloadFrom(d domain.Dataset) datasetPayload {
	meta := d.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	return datasetPayload{
		ID:        d.ID,
		TeamID:    d.TeamID,
		Name:      d.Name,
		FlowName:  d.FlowName,
		Metadata:  meta,
		CreatedAt: d.CreatedAt,
		CreatedBy: d.CreatedBy,
	}
}

type importRunPayload struct {
	ID                 string          `json:"id"`
	DatasetID          string          `json:"dataset_id"`
	TeamID             string          `json:"team_id"`
	OrchestratorFlowID string          `json:"orchestrator_flow_id,omitempty"`
	OrchestratorRunID  string          `json:"orchestrator_run_id,omitempty"`
	RawPrefix          string          `json:"raw_prefix"`
	Directory          string          `json:"directory,omitempty"`
	StatDate           string          `json:"stat_date,omitempty"`
	Status             string          `json:"status"`
	StateType          string          `json:"state_type,omitempty"`
	Extra              domain.Metadata `json:"extra"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func importRunPayloadFrom(run domain.ImportRun) importRunPayload {
	extra := run.Extra
	if extra == nil {
		extra = domain.Metadata{}
	}
	return importRunPayload{
		ID:                 run.ID,
		DatasetID:          run.DatasetID,
		TeamID:             run.TeamID,
		OrchestratorFlowID: run.OrchestratorFlowID,
		OrchestratorRunID:  run.OrchestratorRunID,
		RawPrefix:          run.RawPrefix,
		Directory:          run.Directory,
		StatDate:           run.StatDate,
		Status:             string(run.Status),
		StateType:          run.StateType,
		Extra:              extra,
		CreatedAt:          run.CreatedAt,
		UpdatedAt:          run.UpdatedAt,
	}
}

type createDatasetRequest struct {
	ID       string          `json:"id"`
	TeamID   string          `json:"team_id"`
	Name     string          `json:"name"`
	FlowName string          `json:"flow_name"`
	Metadata domain.Metadata `json:"metadata"`
}

func (api *importConsoleAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}

	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.TeamID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "team_id_required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	flowName := strings.TrimSpace(req.FlowName)
	if _, ok := api.registry.Lookup(flowName); !ok {
		api.writeError(w, r, http.StatusBadRequest, "unknown_flow")
		return
	}

	dataset := domain.Dataset{
		ID:        strings.TrimSpace(req.ID),
		TeamID:    strings.TrimSpace(req.TeamID),
		Name:      strings.TrimSpace(req.Name),
		FlowName:  flowName,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
		CreatedBy: identity.Subject,
	}
	if dataset.ID == "" {
		dataset.ID = uuid.NewString()
	}
	if err := dataset.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_dataset")
		return
	}

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	store := postgres.NewDatasetStore(tx)
	if err := store.CreateDataset(r.Context(), dataset); err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	appender := postgres.NewAuditAppender(tx, api.exporter)
	_, err = appender.Append(r.Context(), domain.AuditEvent{
		Actor:        identity.Subject,
		Action:       "dataset.created",
		ResourceType: "dataset",
		ResourceID:   dataset.ID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: domain.Metadata{
			"service":   serviceName,
			"team_id":   dataset.TeamID,
			"name":      dataset.Name,
			"flow_name": dataset.FlowName,
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

	w.Header().Set("Location", "/datasets/"+dataset.ID)
	api.writeJSON(w, http.StatusCreated, datasetPayloadFrom(dataset))
}

func (api *importConsoleAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	filter := repo.DatasetFilter{
		TeamID: strings.TrimSpace(r.URL.Query().Get("team_id")),
		Name:   strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:  clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}

	datasets, err := api.datasets.ListDatasets(r.Context(), filter)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	out := make([]datasetPayload, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, datasetPayloadFrom(d))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

func (api *importConsoleAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	dataset, err := api.datasets.GetDataset(r.Context(), datasetID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, datasetPayloadFrom(dataset))
}

func (api *importConsoleAPI) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return identity, true
}

func (api *importConsoleAPI) auditInfo(r *http.Request, identity auth.Identity) imports.AuditInfo {
	return imports.AuditInfo{
		Actor:     identity.Subject,
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
		Service:   serviceName,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *importConsoleAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *importConsoleAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// writeRepoError maps storage and orchestration failures onto stable error
// codes the front end can branch on.
func (api *importConsoleAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, imports.ErrNoResumableRun):
		api.writeError(w, r, http.StatusConflict, "no_resumable_run")
	case errors.Is(err, imports.ErrReportNotFound):
		api.writeError(w, r, http.StatusConflict, "report_not_found")
	case errors.Is(err, validation.ErrNoResolutions):
		api.writeError(w, r, http.StatusBadRequest, "empty_resolution")
	case errors.Is(err, repo.ErrOrchestratorRunSet):
		api.writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, orchestrator.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case isOrchestratorError(err):
		api.writeError(w, r, http.StatusBadGateway, "orchestrator_error")
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, sql.ErrNoRows), isForeignKeyViolation(err):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case isUniqueViolation(err):
		api.writeError(w, r, http.StatusConflict, "conflict")
	default:
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func isOrchestratorError(err error) bool {
	var apiErr *orchestrator.APIError
	return errors.As(err, &apiErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
