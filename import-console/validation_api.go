package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/service/imports"
	"github.com/corral-labs/corral-go/internal/validation"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleGetValidationReport returns the pending validation report stored
// under prefix. A missing report is not an error: the pipeline simply has
// nothing waiting on the operator.
func (api *importConsoleAPI) handleGetValidationReport(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		api.writeError(w, r, http.StatusBadRequest, "prefix_required")
		return
	}

	report, err := api.svc.FetchReport(r.Context(), prefix)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	if report == nil {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "absent"})
		return
	}
	api.writeJSON(w, http.StatusOK, report)
}

type resolveReportRequest struct {
	DatasetID string `json:"dataset_id"`
	Prefix    string `json:"prefix"`
	validation.Batch
	BulkMissing string `json:"bulk_missing"`
}

type resolveReportResponse struct {
	ResumedRunID   string   `json:"resumed_run_id"`
	ResolvedCount  int      `json:"resolved_count"`
	UnmatchedNames []string `json:"unmatched_names,omitempty"`
	ResumeError    string   `json:"resume_error,omitempty"`
}

// handleResolveValidationReport submits operator decisions for a pending
// report and resumes the paused run. The resolution document write and the
// audit row commit together; the orchestrator resume happens after the
// commit and is reported in-band when it fails, since the stored
// resolutions survive and the resume can be retried.
func (api *importConsoleAPI) handleResolveValidationReport(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}

	var req resolveReportRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.DatasetID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	appender := postgres.NewAuditAppender(tx, api.exporter)
	target, err := api.svc.SubmitResolutions(r.Context(), appender, api.auditInfo(r, identity), imports.ResolveRequest{
		DatasetID:   strings.TrimSpace(req.DatasetID),
		Prefix:      strings.TrimSpace(req.Prefix),
		Batch:       req.Batch,
		BulkMissing: req.BulkMissing,
	})
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	resp := resolveReportResponse{
		ResumedRunID:   target.RunID,
		ResolvedCount:  target.Resolved,
		UnmatchedNames: target.Unmatched,
	}
	if err := api.svc.ResumeResolved(r.Context(), target); err != nil {
		api.logger.Error("resume after resolve",
			"dataset_id", target.DatasetID, "orchestrator_run_id", target.RunID, "error", err)
		resp.ResumeError = "resume_failed"
	}
	api.writeJSON(w, http.StatusOK, resp)
}

// handleExportValidationReport streams the report's missing-code issues as
// a spreadsheet the operator can take to the upstream authority.
func (api *importConsoleAPI) handleExportValidationReport(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		api.writeError(w, r, http.StatusBadRequest, "prefix_required")
		return
	}

	data, err := api.svc.ExportMissingCodes(r.Context(), prefix)
	if err != nil {
		if errors.Is(err, imports.ErrReportNotFound) {
			api.writeError(w, r, http.StatusNotFound, "report_not_found")
			return
		}
		api.writeRepoError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="missing_codes.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type generateCodesRequest struct {
	Session string `json:"session"`
	Count   int    `json:"count"`
}

// handleGenerateCodes mints identifier codes for missing-code fills. Codes
// are unique within a session so one resolution screen never hands out the
// same code twice.
func (api *importConsoleAPI) handleGenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req generateCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	session, codes, err := api.svc.GenerateCodes(req.Session, req.Count)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_generate_request")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
		"codes":   codes,
	})
}
