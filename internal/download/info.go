// Package download holds the in-memory view of a download record and the rules
// that decide when it may run.
package download

import (
	"math"
	"time"

	"github.com/italolelis/download_manager/internal/storage"
)

// NoAction is returned by NextAction when a record does not need to be revisited.
const NoAction = time.Duration(math.MaxInt64)

// minRetryDelay is the base of the exponential retry backoff.
const minRetryDelay = 30 * time.Second

// maxBackoffShift caps the exponent so the backoff never overflows.
const maxBackoffShift = 20

// Info is the in-memory mirror of one downloads row. The engine keeps exactly one Info
// per tracked id and refreshes it in place, so a pointer stays valid across passes.
type Info struct {
	storage.DownloadRecord

	// sizeProbed is set once the content length has been asked for, whatever the answer.
	sizeProbed bool
}

// NewInfo creates the in-memory entry for a row seen for the first time.
func NewInfo(rec storage.DownloadRecord) *Info {
	return &Info{DownloadRecord: rec}
}

// UpdateFromDatabase refreshes the mutable fields from a freshly read row.
// The id is immutable and is never overwritten. A size resolved in memory survives a row
// that still says unknown, since persisting it may lag.
func (i *Info) UpdateFromDatabase(rec storage.DownloadRecord) {
	id, total := i.ID, i.TotalBytes

	i.DownloadRecord = rec
	i.ID = id

	if rec.TotalBytes < 0 && i.sizeProbed {
		i.TotalBytes = total
	}
}

// NeedsSizeProbe reports whether the content length is unknown and nobody asked yet.
func (i *Info) NeedsSizeProbe() bool {
	return i.TotalBytes < 0 && !i.sizeProbed
}

// SetProbedSize records the outcome of a content-length probe.
func (i *Info) SetProbedSize(n int64) {
	i.TotalBytes = n
	i.sizeProbed = true
}

// Snapshot returns a value copy safe to hand to other goroutines.
func (i *Info) Snapshot() storage.DownloadRecord {
	return i.DownloadRecord
}

// restartTime is when a failed record becomes eligible again. The fuzz derived from the
// id spreads retries of records that failed together.
func (i *Info) restartTime() time.Time {
	if i.RetryAfter > 0 {
		return i.LastModification.Add(i.RetryAfter)
	}

	shift := i.NumFailed - 1
	if shift < 0 {
		shift = 0
	}

	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	fuzz := time.Duration(i.ID % 1000)
	delay := minRetryDelay * (1000 + fuzz) / 1000 * (1 << shift)

	return i.LastModification.Add(delay)
}

// backoffPending reports whether the record is still waiting for its retry delay.
func (i *Info) backoffPending(now time.Time) bool {
	return i.NumFailed > 0 && i.restartTime().After(now)
}

// NextAction returns how long until the record needs attention again.
// NoAction means never; zero means now.
func (i *Info) NextAction(now time.Time) time.Duration {
	switch i.Status {
	case storage.StatusCompleted, storage.StatusCanceled, storage.StatusError, storage.StatusPaused:
		return NoAction
	case storage.StatusPending:
		if i.NumFailed == 0 {
			return 0
		}

		if when := i.restartTime(); when.After(now) {
			return when.Sub(now)
		}

		return 0
	default:
		return 0
	}
}

// ShouldScanFile reports whether a completed download still needs to be announced to the
// media indexer.
func (i *Info) ShouldScanFile() bool {
	return !i.MediaScanned &&
		i.Status == storage.StatusCompleted &&
		i.Destination == storage.DestinationExternal
}
