package download

import (
	"time"

	"github.com/italolelis/download_manager/internal/storage"
)

// ClientReadyChecker is the external precondition a record must satisfy before it runs,
// e.g. a network policy or a quota held by the embedding application.
type ClientReadyChecker interface {
	IsAllowedToDownload(rec storage.DownloadRecord) bool
}

// ClientReadyFunc adapts a function to ClientReadyChecker.
type ClientReadyFunc func(rec storage.DownloadRecord) bool

func (f ClientReadyFunc) IsAllowedToDownload(rec storage.DownloadRecord) bool {
	return f(rec)
}

// AlwaysReady never blocks a download.
var AlwaysReady ClientReadyChecker = ClientReadyFunc(func(storage.DownloadRecord) bool { return true })

// Collated is the view of a record's siblings relevant to readiness.
type Collated struct {
	// SiblingActive is true when another record of the same batch is running or has a task in the pool.
	SiblingActive bool
	// EarlierUnfinished is true when a sibling with a lower id has not finished yet.
	EarlierUnfinished bool
	Sequential        bool
}

// Blocked reports whether batch ordering holds the record back.
func (c Collated) Blocked() bool {
	return c.Sequential && (c.SiblingActive || c.EarlierUnfinished)
}

// Collate computes the sibling view of target from the current working set.
// active holds the ids that currently own a task. It is recomputed every pass and never cached.
func Collate(infos map[int64]*Info, target *Info, active map[int64]bool, sequential bool) Collated {
	c := Collated{Sequential: sequential}
	if !sequential {
		return c
	}

	for id, other := range infos {
		if id == target.ID || other.BatchID != target.BatchID || other.Deleted {
			continue
		}

		if other.Status == storage.StatusRunning || active[id] {
			c.SiblingActive = true
		}

		if id < target.ID && !other.Status.IsFinished() {
			c.EarlierUnfinished = true
		}
	}

	return c
}

// IsReadyToDownload reports whether the record should be handed to the task pool now.
func (i *Info) IsReadyToDownload(c Collated, now time.Time, clientReady bool) bool {
	if !clientReady {
		return false
	}

	switch i.Status {
	case storage.StatusPending:
		return !i.backoffPending(now) && !c.Blocked()
	case storage.StatusRunning:
		// Left running by a previous process or by a task that has not reported yet.
		return true
	default:
		return false
	}
}
