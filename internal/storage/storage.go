package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a write targets a row that no longer exists.
var ErrNotFound = errors.New("download not found")

// ErrStatusChanged is returned by a conditional write whose row left the expected statuses.
var ErrStatusChanged = errors.New("download status changed")

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusError     Status = "error"
)

// IsFailed reports whether the status is a terminal failure (canceled or error).
func (s Status) IsFailed() bool {
	return s == StatusCanceled || s == StatusError
}

// IsFinished reports whether no further work is expected for the status.
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s.IsFailed()
}

// Destination tells where the payload of a download is written.
type Destination string

const (
	DestinationInternal Destination = "internal"
	DestinationExternal Destination = "external"
)

// Visibility controls how a batch is presented by renderers.
type Visibility string

const (
	VisibilityVisible                     Visibility = "visible"
	VisibilityVisibleNotifyCompleted      Visibility = "visible_notify_completed"
	VisibilityVisibleNotifyOnlyCompletion Visibility = "visible_notify_only_completion"
	VisibilityHidden                      Visibility = "hidden"
)

// DownloadRecord represents one row of the downloads table.
type DownloadRecord struct {
	ID               int64
	BatchID          int64
	URI              string
	Status           Status
	Deleted          bool
	TotalBytes       int64
	CurrentBytes     int64
	Destination      Destination
	FileName         string
	MediaProviderURI string
	MediaScanned     bool
	NumFailed        int
	RetryAfter       time.Duration
	LastModification time.Time
	ErrorMessage     string
}

// BatchRecord represents one row of the batches table.
type BatchRecord struct {
	ID            int64
	Title         string
	Description   string
	BigPictureURL string
	Visibility    Visibility
	Status        Status
}

// DownloadUpdate is a partial write. Nil fields are left untouched.
type DownloadUpdate struct {
	Status           *Status
	TotalBytes       *int64
	CurrentBytes     *int64
	FileName         *string
	MediaProviderURI *string
	MediaScanned     *bool
	NumFailed        *int
	RetryAfter       *time.Duration
	LastModification *time.Time
	ErrorMessage     *string

	// IfStatus makes the write conditional: it only applies while the row is in one of
	// these statuses. Empty means unconditional.
	IfStatus []Status
}

// IsEmpty reports whether the update would not change any column. IfStatus is not a column.
func (u DownloadUpdate) IsEmpty() bool {
	return u.Status == nil && u.TotalBytes == nil && u.CurrentBytes == nil &&
		u.FileName == nil && u.MediaProviderURI == nil && u.MediaScanned == nil &&
		u.NumFailed == nil && u.RetryAfter == nil && u.LastModification == nil &&
		u.ErrorMessage == nil
}

// DownloadReadRepository exposes full snapshots of the store.
type DownloadReadRepository interface {
	QueryDownloads(ctx context.Context) ([]DownloadRecord, error)
	QueryBatches(ctx context.Context) ([]BatchRecord, error)
}

// DownloadWriteRepository mutates single rows.
type DownloadWriteRepository interface {
	UpdateDownload(ctx context.Context, id int64, update DownloadUpdate) error
	DeleteDownload(ctx context.Context, id int64) error
}

// ChangeNotifier lets observers learn that the store was mutated.
type ChangeNotifier interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Store is everything the reconciliation engine needs from the record store.
type Store interface {
	DownloadReadRepository
	DownloadWriteRepository
	ChangeNotifier
}

// Ptr returns a pointer to v. Handy when building a DownloadUpdate.
func Ptr[T any](v T) *T {
	return &v
}
