package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/italolelis/download_manager/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and calls onChange after every write that touched a row.
type DownloadWriteRepository struct {
	db       *sqlx.DB
	onChange func()
}

func NewDownloadWriteRepository(db *sqlx.DB, onChange func()) *DownloadWriteRepository {
	if onChange == nil {
		onChange = func() {}
	}

	return &DownloadWriteRepository{db: db, onChange: onChange}
}

// InsertBatch stores a new batch and returns its id.
func (r *DownloadWriteRepository) InsertBatch(ctx context.Context, b storage.BatchRecord) (int64, error) {
	if b.Visibility == "" {
		b.Visibility = storage.VisibilityVisible
	}

	if b.Status == "" {
		b.Status = storage.StatusPending
	}

	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO batches (title, description, big_picture_url, visibility, status)
		VALUES (:title, :description, :big_picture_url, :visibility, :status)`,
		map[string]any{
			"title":           b.Title,
			"description":     b.Description,
			"big_picture_url": b.BigPictureURL,
			"visibility":      string(b.Visibility),
			"status":          string(b.Status),
		})
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	r.onChange()

	return id, nil
}

// InsertDownload stores a new download row and returns its id.
func (r *DownloadWriteRepository) InsertDownload(ctx context.Context, d storage.DownloadRecord) (int64, error) {
	if d.Status == "" {
		d.Status = storage.StatusPending
	}

	if d.Destination == "" {
		d.Destination = storage.DestinationInternal
	}

	if d.TotalBytes == 0 {
		d.TotalBytes = -1
	}

	var fileName any
	if d.FileName != "" {
		fileName = d.FileName
	}

	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO downloads (batch_id, uri, status, total_bytes, destination, file_name)
		VALUES (:batch_id, :uri, :status, :total_bytes, :destination, :file_name)`,
		map[string]any{
			"batch_id":    d.BatchID,
			"uri":         d.URI,
			"status":      string(d.Status),
			"total_bytes": d.TotalBytes,
			"destination": string(d.Destination),
			"file_name":   fileName,
		})
	if err != nil {
		return 0, fmt.Errorf("insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	r.onChange()

	return id, nil
}

// UpdateDownload writes the non-nil fields of update to the row.
func (r *DownloadWriteRepository) UpdateDownload(ctx context.Context, id int64, update storage.DownloadUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	sets, args := updateColumns(update)
	args = append(args, id)

	query := `UPDATE downloads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	if len(update.IfStatus) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(update.IfStatus)-1) + `)`

		for _, st := range update.IfStatus {
			args = append(args, string(st))
		}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update download %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update download %d: %w", id, err)
	}

	if affected == 0 {
		return r.missOrConflict(ctx, id, update)
	}

	r.onChange()

	return nil
}

// missOrConflict tells a missing row from a conditional write that did not match.
func (r *DownloadWriteRepository) missOrConflict(ctx context.Context, id int64, update storage.DownloadUpdate) error {
	if len(update.IfStatus) == 0 {
		return storage.ErrNotFound
	}

	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("check download %d: %w", id, err)
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return storage.ErrStatusChanged
}

// MarkDeleted flags the row so that the next reconciliation pass cleans it up.
func (r *DownloadWriteRepository) MarkDeleted(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark download %d deleted: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	r.onChange()

	return nil
}

// DeleteDownload removes the row.
func (r *DownloadWriteRepository) DeleteDownload(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download %d: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	r.onChange()

	return nil
}

func updateColumns(u storage.DownloadUpdate) ([]string, []any) {
	var (
		sets []string
		args []any
	)

	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}

	if u.TotalBytes != nil {
		add("total_bytes", *u.TotalBytes)
	}

	if u.CurrentBytes != nil {
		add("current_bytes", *u.CurrentBytes)
	}

	if u.FileName != nil {
		add("file_name", nullable(*u.FileName))
	}

	if u.MediaProviderURI != nil {
		add("media_provider_uri", nullable(*u.MediaProviderURI))
	}

	if u.MediaScanned != nil {
		add("media_scanned", *u.MediaScanned)
	}

	if u.NumFailed != nil {
		add("num_failed", *u.NumFailed)
	}

	if u.RetryAfter != nil {
		add("retry_after_ms", u.RetryAfter.Milliseconds())
	}

	if u.LastModification != nil {
		add("last_modification", u.LastModification.UnixMilli())
	}

	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}

	return sets, args
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
