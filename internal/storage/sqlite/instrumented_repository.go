package sqlite

import (
	"context"

	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

var _ storage.Store = (*InstrumentedDownloadRepository)(nil)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(repo *DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      repo,
		telemetry: tel,
	}
}

// QueryDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) QueryDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "query_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.QueryDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// QueryBatches retrieves all batches with telemetry.
func (r *InstrumentedDownloadRepository) QueryBatches(ctx context.Context) ([]storage.BatchRecord, error) {
	var result []storage.BatchRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "query_batches", func(ctx context.Context) error {
		var err error
		result, err = r.repo.QueryBatches(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateDownload performs a partial row update with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownload(ctx context.Context, id int64, update storage.DownloadUpdate) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.repo.UpdateDownload(ctx, id, update)
	})
}

// DeleteDownload deletes a row with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

// Subscribe is not instrumented; it only registers a callback.
func (r *InstrumentedDownloadRepository) Subscribe(fn func()) func() {
	return r.repo.Subscribe(fn)
}

// InsertBatch stores a batch with telemetry.
func (r *InstrumentedDownloadRepository) InsertBatch(ctx context.Context, b storage.BatchRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "insert_batch", func(ctx context.Context) error {
		var err error
		id, err = r.repo.InsertBatch(ctx, b)

		return err
	})

	return id, err
}

// InsertDownload stores a download with telemetry.
func (r *InstrumentedDownloadRepository) InsertDownload(ctx context.Context, d storage.DownloadRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "insert_download", func(ctx context.Context) error {
		var err error
		id, err = r.repo.InsertDownload(ctx, d)

		return err
	})

	return id, err
}

// MarkDeleted flags a row for removal with telemetry.
func (r *InstrumentedDownloadRepository) MarkDeleted(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_deleted", func(ctx context.Context) error {
		return r.repo.MarkDeleted(ctx, id)
	})
}
