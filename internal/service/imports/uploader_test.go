package imports

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func feedEntries(entries []UploadEntry) func() (UploadEntry, error) {
	i := 0
	return func() (UploadEntry, error) {
		if i >= len(entries) {
			return UploadEntry{}, io.EOF
		}
		entry := entries[i]
		i++
		return entry, nil
	}
}

func newTestUploader(store *fakeStore) *Uploader {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUploader(store, "corral", 2, logger)
}

func TestUploaderPreservesRelativePaths(t *testing.T) {
	store := newFakeStore()
	uploader := newTestUploader(store)

	entries := []UploadEntry{
		{RelPath: "a/b.csv", ContentType: "text/csv", Body: strings.NewReader("b-data")},
		{RelPath: "a/c.csv", ContentType: "text/csv", Body: strings.NewReader("c-data")},
		{RelPath: "top.csv", Body: strings.NewReader("top")},
	}

	summary, err := uploader.Upload(context.Background(), "team/team-a/dataset/ds-1/raw/", feedEntries(entries))
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}
	if summary.UploadedCount != 3 || summary.FailedCount != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TotalBytes != int64(len("b-data")+len("c-data")+len("top")) {
		t.Fatalf("TotalBytes = %d", summary.TotalBytes)
	}

	wantKeys := []string{
		"team/team-a/dataset/ds-1/raw/a/b.csv",
		"team/team-a/dataset/ds-1/raw/a/c.csv",
		"team/team-a/dataset/ds-1/raw/top.csv",
	}
	for _, key := range wantKeys {
		if _, ok := store.objects[key]; !ok {
			t.Fatalf("missing object %q, have %v", key, store.puts)
		}
	}
	if string(store.objects[wantKeys[0]]) != "b-data" {
		t.Fatalf("object body = %q", store.objects[wantKeys[0]])
	}
}

type flakyStore struct {
	*fakeStore
	failSubstring string
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if f.failSubstring != "" && strings.Contains(key, f.failSubstring) {
		_, _ = io.Copy(io.Discard, body)
		return errors.New("storage write refused")
	}
	return f.fakeStore.Put(ctx, bucket, key, body, size, contentType)
}

func TestUploaderToleratesSingleFileFailure(t *testing.T) {
	store := &flakyStore{fakeStore: newFakeStore(), failSubstring: "bad.csv"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uploader := NewUploader(store, "corral", 1, logger)

	entries := []UploadEntry{
		{RelPath: "ok1.csv", Body: strings.NewReader("one")},
		{RelPath: "bad.csv", Body: strings.NewReader("two")},
		{RelPath: "ok2.csv", Body: strings.NewReader("three")},
	}

	summary, err := uploader.Upload(context.Background(), "team/t/dataset/d/raw/", feedEntries(entries))
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}
	if summary.UploadedCount != 2 {
		t.Fatalf("UploadedCount = %d", summary.UploadedCount)
	}
	if summary.FailedCount != 1 || len(summary.FailedPaths) != 1 || summary.FailedPaths[0] != "bad.csv" {
		t.Fatalf("failures = %d %v", summary.FailedCount, summary.FailedPaths)
	}
	if _, ok := store.objects["team/t/dataset/d/raw/ok2.csv"]; !ok {
		t.Fatalf("batch did not continue past the failed file")
	}
}

func TestUploaderRejectsEscapingPaths(t *testing.T) {
	store := newFakeStore()
	uploader := newTestUploader(store)

	entries := []UploadEntry{
		{RelPath: "../outside.csv", Body: strings.NewReader("x")},
		{RelPath: "/etc/passwd", Body: strings.NewReader("x")},
		{RelPath: "fine.csv", Body: strings.NewReader("x")},
	}

	summary, err := uploader.Upload(context.Background(), "team/t/dataset/d/raw/", feedEntries(entries))
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}
	if summary.UploadedCount != 1 || summary.FailedCount != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.objects) != 1 {
		t.Fatalf("objects = %v", store.puts)
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b.csv", want: "a/b.csv"},
		{in: "./a/b.csv", want: "a/b.csv"},
		{in: "a\\b.csv", want: "a/b.csv"},
		{in: "a//b.csv", want: "a/b.csv"},
		{in: "a/../b.csv", want: "b.csv"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "/abs.csv", wantErr: true},
		{in: "..", wantErr: true},
		{in: "../up.csv", wantErr: true},
		{in: "a/../../up.csv", wantErr: true},
	}
	for _, tc := range tests {
		got, err := CleanRelPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("CleanRelPath(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("CleanRelPath(%q) err=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("CleanRelPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCommonWrapper(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{name: "shared wrapper", paths: []string{"wrap/a/b.csv", "wrap/a/c.csv"}, want: "wrap/"},
		{name: "single nested file", paths: []string{"wrap/a.csv"}, want: "wrap/"},
		{name: "divergent roots", paths: []string{"wrap/a.csv", "other/b.csv"}, want: ""},
		{name: "bare file", paths: []string{"a.csv"}, want: ""},
		{name: "mixed bare and nested", paths: []string{"wrap/a.csv", "b.csv"}, want: ""},
		{name: "empty", paths: nil, want: ""},
	}
	for _, tc := range tests {
		if got := CommonWrapper(tc.paths); got != tc.want {
			t.Fatalf("%s: CommonWrapper(%v) = %q, want %q", tc.name, tc.paths, got, tc.want)
		}
	}
}

func TestProgressFloorsAndNeverDecreases(t *testing.T) {
	p := NewProgress()
	if got := p.Percent(); got != 0 {
		t.Fatalf("empty Percent() = %d", got)
	}

	for i := 0; i < 3; i++ {
		p.FileSeen()
	}
	p.FileDone()
	if got := p.Percent(); got != 33 {
		t.Fatalf("1/3 Percent() = %d, want 33", got)
	}
	p.FileDone()
	if got := p.Percent(); got != 66 {
		t.Fatalf("2/3 Percent() = %d, want 66", got)
	}

	// A late-arriving file may shrink the raw ratio; the reported value
	// must hold its high-water mark.
	p.FileSeen()
	if got := p.Percent(); got != 66 {
		t.Fatalf("2/4 Percent() = %d, want clamped 66", got)
	}

	p.FileDone()
	p.FileDone()
	if got := p.Percent(); got != 99 {
		t.Fatalf("all done before Finish: Percent() = %d, want 99", got)
	}
	p.Finish()
	if got := p.Percent(); got != 100 {
		t.Fatalf("finished Percent() = %d, want 100", got)
	}
}
