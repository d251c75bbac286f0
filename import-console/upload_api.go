package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/service/imports"
	"github.com/corral-labs/corral-go/internal/storage/objectstore"
)

// handleUpload ingests a multipart batch of raw files for a dataset. The
// front end sends one "paths" field per file (relative path, in file order)
// followed by the "files" parts, plus a "stat_date" field. Files land under
// the dataset's raw prefix with their relative paths preserved, minus any
// wrapper directory shared by the whole selection.
func (api *importConsoleAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
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

	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "multipart_required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.uploadTimeout)
	defer cancel()

	var (
		statDate   string
		paths      []string
		pathIdx    int
		wrapper    string
		wrapperSet bool
	)
	next := func() (imports.UploadEntry, error) {
		for {
			part, err := reader.NextPart()
			if err != nil {
				return imports.UploadEntry{}, err
			}
			switch part.FormName() {
			case "stat_date", "statDate":
				raw, err := io.ReadAll(io.LimitReader(part, 64))
				if err != nil {
					return imports.UploadEntry{}, err
				}
				statDate = strings.TrimSpace(string(raw))
			case "paths":
				raw, err := io.ReadAll(io.LimitReader(part, 4096))
				if err != nil {
					return imports.UploadEntry{}, err
				}
				if p := strings.TrimSpace(string(raw)); p != "" {
					paths = append(paths, p)
				}
			case "files":
				// The path list is complete once the first file arrives;
				// the shared wrapper directory is decided once from it.
				if !wrapperSet {
					wrapper = imports.CommonWrapper(paths)
					wrapperSet = true
				}
				relPath := part.FileName()
				if pathIdx < len(paths) {
					relPath = paths[pathIdx]
				}
				pathIdx++
				if cleaned, cerr := imports.CleanRelPath(relPath); cerr == nil {
					relPath = strings.TrimPrefix(cleaned, wrapper)
				}
				return imports.UploadEntry{
					RelPath:     relPath,
					ContentType: part.Header.Get("Content-Type"),
					Body:        part,
				}, nil
			default:
				// Unknown fields are skipped so the front end can evolve.
			}
		}
	}

	rawPrefix := objectstore.StagePrefix(dataset.TeamID, dataset.ID, objectstore.StageRaw)
	summary, err := api.uploader.Upload(ctx, rawPrefix, next)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		api.logger.Warn("upload aborted", "dataset_id", datasetID, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "malformed_upload")
		return
	}
	if summary.UploadedCount+summary.FailedCount == 0 {
		api.writeError(w, r, http.StatusBadRequest, "no_files")
		return
	}
	if statDate == "" {
		api.writeError(w, r, http.StatusBadRequest, "stat_date_required")
		return
	}
	if _, err := time.Parse("2006-01-02", statDate); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_stat_date")
		return
	}

	appender := postgres.NewAuditAppender(api.db, api.exporter)
	if _, err := appender.Append(r.Context(), domain.AuditEvent{
		Actor:        identity.Subject,
		Action:       "import.files_uploaded",
		ResourceType: "dataset",
		ResourceID:   datasetID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: domain.Metadata{
			"service":        serviceName,
			"raw_prefix":     summary.RawPrefix,
			"stat_date":      statDate,
			"uploaded_count": summary.UploadedCount,
			"failed_count":   summary.FailedCount,
			"total_bytes":    summary.TotalBytes,
		},
	}); err != nil {
		api.logger.Error("audit upload", "dataset_id", datasetID, "error", err)
	}

	resp := map[string]any{
		"raw_prefix":     summary.RawPrefix,
		"stat_date":      statDate,
		"uploaded_count": summary.UploadedCount,
		"failed_count":   summary.FailedCount,
	}
	if len(summary.FailedPaths) > 0 {
		resp["failed_paths"] = summary.FailedPaths
	}
	api.writeJSON(w, http.StatusCreated, resp)
}
