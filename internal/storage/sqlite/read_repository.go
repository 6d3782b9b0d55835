package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/italolelis/download_manager/internal/storage"
)

type downloadRow struct {
	ID               int64          `db:"id"`
	BatchID          int64          `db:"batch_id"`
	URI              string         `db:"uri"`
	Status           string         `db:"status"`
	Deleted          bool           `db:"deleted"`
	TotalBytes       int64          `db:"total_bytes"`
	CurrentBytes     int64          `db:"current_bytes"`
	Destination      string         `db:"destination"`
	FileName         sql.NullString `db:"file_name"`
	MediaProviderURI sql.NullString `db:"media_provider_uri"`
	MediaScanned     bool           `db:"media_scanned"`
	NumFailed        int            `db:"num_failed"`
	RetryAfterMillis int64          `db:"retry_after_ms"`
	LastModification int64          `db:"last_modification"`
	ErrorMessage     string         `db:"error_message"`
}

func (r downloadRow) toRecord() storage.DownloadRecord {
	rec := storage.DownloadRecord{
		ID:               r.ID,
		BatchID:          r.BatchID,
		URI:              r.URI,
		Status:           storage.Status(r.Status),
		Deleted:          r.Deleted,
		TotalBytes:       r.TotalBytes,
		CurrentBytes:     r.CurrentBytes,
		Destination:      storage.Destination(r.Destination),
		MediaScanned:     r.MediaScanned,
		NumFailed:        r.NumFailed,
		RetryAfter:       time.Duration(r.RetryAfterMillis) * time.Millisecond,
		ErrorMessage:     r.ErrorMessage,
		FileName:         r.FileName.String,
		MediaProviderURI: r.MediaProviderURI.String,
	}

	if r.LastModification > 0 {
		rec.LastModification = time.UnixMilli(r.LastModification)
	}

	return rec
}

type batchRow struct {
	ID            int64  `db:"id"`
	Title         string `db:"title"`
	Description   string `db:"description"`
	BigPictureURL string `db:"big_picture_url"`
	Visibility    string `db:"visibility"`
	Status        string `db:"status"`
}

// DownloadReadRepository reads full snapshots of the downloads and batches tables.
type DownloadReadRepository struct {
	db *sqlx.DB
}

func NewDownloadReadRepository(db *sqlx.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: db}
}

// QueryDownloads returns every download row, including rows flagged as deleted, in id order.
func (r *DownloadReadRepository) QueryDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var rows []downloadRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, batch_id, uri, status, deleted, total_bytes, current_bytes, destination,
		       file_name, media_provider_uri, media_scanned, num_failed, retry_after_ms,
		       last_modification, error_message
		FROM downloads
		ORDER BY id`); err != nil {
		return nil, err
	}

	records := make([]storage.DownloadRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}

	return records, nil
}

// QueryBatches returns every batch row in id order.
func (r *DownloadReadRepository) QueryBatches(ctx context.Context) ([]storage.BatchRecord, error) {
	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, title, description, big_picture_url, visibility, status
		FROM batches
		ORDER BY id`); err != nil {
		return nil, err
	}

	batches := make([]storage.BatchRecord, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, storage.BatchRecord{
			ID:            row.ID,
			Title:         row.Title,
			Description:   row.Description,
			BigPictureURL: row.BigPictureURL,
			Visibility:    storage.Visibility(row.Visibility),
			Status:        storage.Status(row.Status),
		})
	}

	return batches, nil
}
