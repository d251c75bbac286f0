package imports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/corral-labs/corral-go/internal/storage/objectstore"
)

const (
	defaultUploadConcurrency = 4

	// Files up to this size are buffered and handed to the upload pool.
	// Larger files stream straight through on the caller's goroutine, so
	// memory stays bounded at roughly concurrency * uploadSpoolLimit.
	uploadSpoolLimit = 8 << 20
)

// UploadEntry is one file in an ingest batch, streamed from the request.
type UploadEntry struct {
	RelPath     string
	ContentType string
	Body        io.Reader
}

// UploadSummary reports the outcome of one ingest batch. A few failed
// files do not fail the batch; large datasets may span thousands of
// small files and partial progress is worth keeping.
type UploadSummary struct {
	RawPrefix     string
	UploadedCount int
	FailedCount   int
	FailedPaths   []string
	TotalBytes    int64
}

// Uploader copies an ingest batch into object storage under a dataset's
// raw prefix, preserving relative paths.
type Uploader struct {
	store       objectstore.Store
	bucket      string
	concurrency int
	logger      *slog.Logger
}

func NewUploader(store objectstore.Store, bucket string, concurrency int, logger *slog.Logger) *Uploader {
	if store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{store: store, bucket: bucket, concurrency: concurrency, logger: logger}
}

// Upload drains entries from next until io.EOF and stores each one under
// rawPrefix+RelPath. Entries arrive sequentially off the wire; small ones
// are spooled and uploaded by a bounded worker pool, oversized ones stream
// inline. A single file's failure is recorded and the batch continues. The
// returned summary is valid even when err is non-nil.
func (u *Uploader) Upload(ctx context.Context, rawPrefix string, next func() (UploadEntry, error)) (UploadSummary, error) {
	summary := UploadSummary{RawPrefix: rawPrefix}
	progress := NewProgress()

	type uploadJob struct {
		relPath     string
		contentType string
		payload     []byte
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan uploadJob)
	)
	fail := func(relPath string, err error) {
		mu.Lock()
		summary.FailedCount++
		summary.FailedPaths = append(summary.FailedPaths, relPath)
		mu.Unlock()
		progress.FileDone()
		u.logger.Warn("file upload failed", "path", relPath, "error", err)
	}
	succeed := func(relPath string, size int64) {
		mu.Lock()
		summary.UploadedCount++
		summary.TotalBytes += size
		mu.Unlock()
		progress.FileDone()
		u.logger.Debug("file uploaded", "path", relPath, "bytes", size, "percent", progress.Percent())
	}

	for i := 0; i < u.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				key := objectstore.Key(rawPrefix, job.relPath)
				err := u.store.Put(ctx, u.bucket, key, bytes.NewReader(job.payload), int64(len(job.payload)), job.contentType)
				if err != nil {
					fail(job.relPath, fmt.Errorf("put %s: %w", key, err))
					continue
				}
				succeed(job.relPath, int64(len(job.payload)))
			}
		}()
	}

	var feedErr error
	for feedErr == nil {
		if err := ctx.Err(); err != nil {
			feedErr = err
			break
		}
		entry, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			feedErr = fmt.Errorf("read upload entry: %w", err)
			break
		}
		relPath, err := CleanRelPath(entry.RelPath)
		if err != nil {
			progress.FileSeen()
			fail(entry.RelPath, err)
			continue
		}
		contentType := entry.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		progress.FileSeen()

		var spool bytes.Buffer
		n, err := io.CopyN(&spool, entry.Body, uploadSpoolLimit+1)
		if err != nil && !errors.Is(err, io.EOF) {
			fail(relPath, fmt.Errorf("read %s: %w", relPath, err))
			continue
		}
		if n > uploadSpoolLimit {
			// Too big to spool: stream the remainder now, before the next
			// entry can be read off the wire.
			counter := &countingReader{r: entry.Body}
			body := io.MultiReader(bytes.NewReader(spool.Bytes()), counter)
			key := objectstore.Key(rawPrefix, relPath)
			if err := u.store.Put(ctx, u.bucket, key, body, -1, contentType); err != nil {
				fail(relPath, fmt.Errorf("put %s: %w", key, err))
				continue
			}
			succeed(relPath, n+counter.n)
			continue
		}

		payload := make([]byte, spool.Len())
		copy(payload, spool.Bytes())
		select {
		case jobs <- uploadJob{relPath: relPath, contentType: contentType, payload: payload}:
		case <-ctx.Done():
			fail(relPath, ctx.Err())
			feedErr = ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()
	progress.Finish()

	if feedErr == nil && summary.UploadedCount+summary.FailedCount > 0 {
		u.logger.Info("upload batch finished",
			"raw_prefix", rawPrefix,
			"uploaded", summary.UploadedCount,
			"failed", summary.FailedCount,
			"bytes", summary.TotalBytes,
			"percent", progress.Percent(),
		)
	}
	return summary, feedErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// CleanRelPath normalizes a client-supplied relative path for use as an
// object key suffix. Backslashes are treated as separators; anything that
// would escape the upload root is rejected.
func CleanRelPath(raw string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path not allowed: %q", raw)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes upload root: %q", raw)
	}
	return clean, nil
}

// CommonWrapper returns the leading directory shared by every path, with a
// trailing slash, or "" when the paths do not all share one. Folder pickers
// wrap the whole selection in the picked directory itself; stripping it
// keeps object keys rooted at the dataset prefix regardless of what the
// operator named their local folder.
func CommonWrapper(paths []string) string {
	wrapper := ""
	for _, raw := range paths {
		clean, err := CleanRelPath(raw)
		if err != nil {
			continue
		}
		idx := strings.IndexByte(clean, '/')
		if idx <= 0 {
			return ""
		}
		segment := clean[:idx]
		if wrapper == "" {
			wrapper = segment
			continue
		}
		if segment != wrapper {
			return ""
		}
	}
	if wrapper == "" {
		return ""
	}
	return wrapper + "/"
}

// Progress aggregates per-file completion into one whole-batch percentage.
// The total is learned incrementally as entries stream in, so the value is
// clamped to be monotonically non-decreasing, floors instead of rounding,
// and reports 100 only once Finish has been called and every seen file has
// been acknowledged.
type Progress struct {
	mu       sync.Mutex
	seen     int
	done     int
	finished bool
	high     int
}

func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) FileSeen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen++
}

func (p *Progress) FileDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done < p.seen {
		p.done++
	}
}

func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}

func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pct := 0
	if p.seen > 0 {
		pct = p.done * 100 / p.seen
	}
	if !p.finished || p.done < p.seen {
		if pct > 99 {
			pct = 99
		}
	} else if p.finished && p.done == p.seen && p.seen > 0 {
		pct = 100
	}
	if pct < p.high {
		pct = p.high
	}
	p.high = pct
	return pct
}
