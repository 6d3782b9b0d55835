// Package downloader writes the payload of a download record to disk and records the outcome.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/download_manager/internal/downloader/progress"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

const (
	dirPerm          = 0o755
	progressInterval = int64(100 * 1024 * 1024) // 100MB
)

// Config holds the downloader settings.
type Config struct {
	InternalDir string
	ExternalDir string
	MaxRetries  int
}

// Downloader performs one download per call and writes its terminal state to the store
// before returning, so a finished task never leaves a running row behind.
type Downloader struct {
	cfg       Config
	fs        afero.Fs
	client    *http.Client
	store     storage.DownloadWriteRepository
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// New creates a Downloader writing to fsys.
func New(cfg Config, fsys afero.Fs, store storage.DownloadWriteRepository, tel *telemetry.Telemetry) *Downloader {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	return &Downloader{
		cfg:       cfg,
		fs:        fsys,
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		store:     store,
		telemetry: tel,
		now:       time.Now,
	}
}

// Task returns the pool task downloading rec.
func (d *Downloader) Task(rec storage.DownloadRecord) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return d.Download(ctx, rec)
	}
}

// TargetPath returns where rec is written.
func (d *Downloader) TargetPath(rec storage.DownloadRecord) string {
	if rec.FileName != "" {
		return rec.FileName
	}

	dir := d.cfg.InternalDir
	if rec.Destination == storage.DestinationExternal && d.cfg.ExternalDir != "" {
		dir = d.cfg.ExternalDir
	}

	return filepath.Join(dir, fileNameFor(rec))
}

func fileNameFor(rec storage.DownloadRecord) string {
	prefix := strconv.FormatInt(rec.ID, 10) + "-"

	u, err := url.Parse(rec.URI)
	if err != nil {
		return prefix + "download"
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return prefix + "download"
	}

	return prefix + name
}

// Download fetches rec.URI into its target path. When ctx is cancelled the row is left
// untouched; whoever cancelled the task owns its state.
func (d *Downloader) Download(ctx context.Context, rec storage.DownloadRecord) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID)
	ctx = logctx.WithLogger(ctx, logger)

	target := d.TargetPath(rec)

	err := d.store.UpdateDownload(ctx, rec.ID, storage.DownloadUpdate{
		Status:       storage.Ptr(storage.StatusRunning),
		FileName:     storage.Ptr(target),
		ErrorMessage: storage.Ptr(""),
		IfStatus:     []storage.Status{storage.StatusPending, storage.StatusRunning},
	})
	if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
		// Paused, cancelled or removed after dispatch; the next pass sees the new state.
		logger.Info("download no longer runnable, skipping", "err", err)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to mark download running: %w", err)
	}

	var written, total int64

	err = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (int64, error) {
		var err error
		written, total, err = d.fetch(ctx, rec, target)

		return written, err
	})

	if ctx.Err() != nil {
		logger.Info("download cancelled", "file", target)

		return ctx.Err()
	}

	if err != nil {
		d.recordFailure(ctx, rec, written, err)

		return err
	}

	if total < 0 {
		total = written
	}

	err = d.store.UpdateDownload(ctx, rec.ID, storage.DownloadUpdate{
		Status:       storage.Ptr(storage.StatusCompleted),
		CurrentBytes: storage.Ptr(written),
		TotalBytes:   storage.Ptr(total),
		FileName:     storage.Ptr(target),
	})
	if err != nil {
		return fmt.Errorf("failed to mark download completed: %w", err)
	}

	logger.Info("downloaded and saved file", "file", target, "size", humanize.Bytes(uint64(written)))

	return nil
}

func (d *Downloader) fetch(ctx context.Context, rec storage.DownloadRecord, target string) (int64, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URI, nil)
	if err != nil {
		return 0, rec.TotalBytes, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, rec.TotalBytes, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, rec.TotalBytes, &HTTPStatusError{
			URI:        rec.URI,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), d.now()),
		}
	}

	total := rec.TotalBytes
	if resp.ContentLength >= 0 {
		total = resp.ContentLength
	}

	if err := d.fs.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return 0, total, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := d.fs.Create(target)
	if err != nil {
		return 0, total, fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	if total >= 0 {
		logger.Info("downloading file", "file", target, "size", humanize.Bytes(uint64(total)))
	} else {
		logger.Info("downloading file", "file", target)
	}

	pr := progress.NewReader(resp.Body, total, progressInterval, func(written, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(written)))
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		return pr.Written(), total, fmt.Errorf("failed to copy file: %w", err)
	}

	return pr.Written(), total, nil
}

// recordFailure turns a failed attempt into either a scheduled retry or a terminal error.
func (d *Downloader) recordFailure(ctx context.Context, rec storage.DownloadRecord, written int64, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	numFailed := rec.NumFailed + 1
	status := storage.StatusPending

	var retryAfter time.Duration

	var statusErr *HTTPStatusError
	if errors.As(cause, &statusErr) {
		retryAfter = statusErr.RetryAfter

		if !statusErr.Retryable() {
			status = storage.StatusError
		}
	}

	if numFailed >= d.cfg.MaxRetries {
		status = storage.StatusError
	}

	err := d.store.UpdateDownload(ctx, rec.ID, storage.DownloadUpdate{
		Status:           storage.Ptr(status),
		NumFailed:        storage.Ptr(numFailed),
		RetryAfter:       storage.Ptr(retryAfter),
		LastModification: storage.Ptr(d.now()),
		CurrentBytes:     storage.Ptr(written),
		ErrorMessage:     storage.Ptr(cause.Error()),
	})
	if err != nil {
		logger.Error("failed to record download failure", "err", err)
	}

	if status == storage.StatusError {
		logger.Error("download failed", "num_failed", numFailed, "err", cause)

		return
	}

	logger.Warn("download failed, will retry", "num_failed", numFailed, "retry_after", retryAfter, "err", cause)
}
