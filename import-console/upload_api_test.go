package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type uploadFixture struct {
	path    string
	content string
}

func multipartUpload(t *testing.T, statDate string, files []uploadFixture) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if statDate != "" {
		if err := w.WriteField("stat_date", statDate); err != nil {
			t.Fatalf("write stat_date: %v", err)
		}
	}
	for _, f := range files {
		if err := w.WriteField("paths", f.path); err != nil {
			t.Fatalf("write path: %v", err)
		}
	}
	for _, f := range files {
		base := f.path
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		fw, err := w.CreateFormFile("files", base)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := fw.Write([]byte(f.content)); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadPreservesClientPaths(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()

	body, contentType := multipartUpload(t, "2026-08-01", []uploadFixture{
		{path: "wrap/a/b.csv", content: "code,name\n1,b\n"},
		{path: "wrap/a/c.csv", content: "code,name\n2,c\n"},
	})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		RawPrefix     string `json:"raw_prefix"`
		StatDate      string `json:"stat_date"`
		UploadedCount int    `json:"uploaded_count"`
		FailedCount   int    `json:"failed_count"`
	}
	decodeBody(t, rec.Body, &resp)
	if resp.RawPrefix != "team/team-a/dataset/ds-1/raw/" {
		t.Fatalf("raw_prefix = %q", resp.RawPrefix)
	}
	if resp.UploadedCount != 2 || resp.FailedCount != 0 {
		t.Fatalf("counts = %d/%d", resp.UploadedCount, resp.FailedCount)
	}
	if resp.StatDate != "2026-08-01" {
		t.Fatalf("stat_date = %q", resp.StatDate)
	}

	// The wrapper directory shared by the whole selection is stripped; the
	// inner layout is preserved.
	got, ok := env.store.objects["team/team-a/dataset/ds-1/raw/a/b.csv"]
	if !ok {
		t.Fatalf("missing stored object, have %v", env.store.puts)
	}
	if string(got) != "code,name\n1,b\n" {
		t.Fatalf("stored body = %q", got)
	}
	if _, ok := env.store.objects["team/team-a/dataset/ds-1/raw/a/c.csv"]; !ok {
		t.Fatalf("missing second object, have %v", env.store.puts)
	}
}

func TestUploadRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()

	body, contentType := multipartUpload(t, "2026-08-01", []uploadFixture{{path: "a.csv", content: "x"}})
	req := httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body)
	req.Header.Set("Content-Type", contentType)

	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadUnknownDataset(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "2026-08-01", []uploadFixture{{path: "a.csv", content: "x"}})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/nope/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadRequiresMultipartBody(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", strings.NewReader(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := parseErrorBody(t, rec.Body); body["error"] != "multipart_required" {
		t.Fatalf("expected multipart_required, got %v", body["error"])
	}
}

func TestUploadRequiresStatDate(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()

	body, contentType := multipartUpload(t, "", []uploadFixture{{path: "a.csv", content: "x"}})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body := parseErrorBody(t, rec.Body); body["error"] != "stat_date_required" {
		t.Fatalf("expected stat_date_required, got %v", body["error"])
	}
}

func TestUploadRejectsMalformedStatDate(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()

	body, contentType := multipartUpload(t, "08/01/2026", []uploadFixture{{path: "a.csv", content: "x"}})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := parseErrorBody(t, rec.Body); body["error"] != "invalid_stat_date" {
		t.Fatalf("expected invalid_stat_date, got %v", body["error"])
	}
}

func TestUploadToleratesSingleFileFailure(t *testing.T) {
	flaky := &flakyStore{fakeStore: newFakeStore(), failSubstring: "bad.csv"}
	env := newTestEnvWithStore(t, flaky)
	env.datasets.datasets["ds-1"] = testDataset()

	body, contentType := multipartUpload(t, "2026-08-01", []uploadFixture{
		{path: "good.csv", content: "ok"},
		{path: "bad.csv", content: "broken"},
		{path: "also-good.csv", content: "ok too"},
	})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		UploadedCount int      `json:"uploaded_count"`
		FailedCount   int      `json:"failed_count"`
		FailedPaths   []string `json:"failed_paths"`
	}
	decodeBody(t, rec.Body, &resp)
	if resp.UploadedCount != 2 || resp.FailedCount != 1 {
		t.Fatalf("counts = %d/%d", resp.UploadedCount, resp.FailedCount)
	}
	if len(resp.FailedPaths) != 1 || resp.FailedPaths[0] != "bad.csv" {
		t.Fatalf("failed_paths = %v", resp.FailedPaths)
	}
	if _, ok := flaky.objects["team/team-a/dataset/ds-1/raw/good.csv"]; !ok {
		t.Fatalf("surviving file not stored, have %v", flaky.puts)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	env.datasets.datasets["ds-1"] = testDataset()
	env.api.uploadMaxBytes = 256

	body, contentType := multipartUpload(t, "2026-08-01", []uploadFixture{
		{path: "big.csv", content: strings.Repeat("x", 4096)},
	})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/datasets/ds-1/import/upload", body))
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body := parseErrorBody(t, rec.Body); body["error"] != "body_too_large" {
		t.Fatalf("expected body_too_large, got %v", body["error"])
	}
}

type flakyStore struct {
	*fakeStore
	failSubstring string
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if strings.Contains(key, f.failSubstring) {
		_, _ = io.Copy(io.Discard, body)
		return errors.New("injected put failure")
	}
	return f.fakeStore.Put(ctx, bucket, key, body, size, contentType)
}
