package notifier

import (
	"context"
	"sync"

	"github.com/italolelis/download_manager/internal/batch"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

// Renderer receives the batch projection at the end of every reconciliation pass.
// It is called with the working set locked and must not block.
type Renderer interface {
	UpdateWith(ctx context.Context, batches []batch.Batch)
}

// Multi fans a projection out to several renderers in order.
type Multi []Renderer

func (m Multi) UpdateWith(ctx context.Context, batches []batch.Batch) {
	for _, r := range m {
		r.UpdateWith(ctx, batches)
	}
}

// Snapshot keeps the last projection for readers such as the HTTP API.
type Snapshot struct {
	mu      sync.RWMutex
	batches []batch.Batch
}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

func (s *Snapshot) UpdateWith(_ context.Context, batches []batch.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = batches
}

// Batches returns the last projection. Callers must not modify it.
func (s *Snapshot) Batches() []batch.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.batches
}

// transitions remembers the last status seen per batch and reports changes.
type transitions struct {
	last map[int64]storage.Status
}

func newTransitions() transitions {
	return transitions{last: make(map[int64]storage.Status)}
}

// changed records b.Status and reports the previous status when it differs.
// The first sighting of a batch is not a change.
func (t transitions) changed(b batch.Batch) (storage.Status, bool) {
	prev, seen := t.last[b.ID]
	t.last[b.ID] = b.Status

	return prev, seen && prev != b.Status
}

// forget drops batches that are no longer reported.
func (t transitions) forget(batches []batch.Batch) {
	present := make(map[int64]struct{}, len(batches))
	for _, b := range batches {
		present[b.ID] = struct{}{}
	}

	for id := range t.last {
		if _, ok := present[id]; !ok {
			delete(t.last, id)
		}
	}
}

// LogRenderer logs batch status transitions.
type LogRenderer struct {
	mu    sync.Mutex
	state transitions
}

func NewLogRenderer() *LogRenderer {
	return &LogRenderer{state: newTransitions()}
}

func (r *LogRenderer) UpdateWith(ctx context.Context, batches []batch.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	for _, b := range batches {
		if prev, ok := r.state.changed(b); ok {
			logger.Info("batch status changed",
				"batch_id", b.ID, "title", b.Info.Title, "from", prev, "to", b.Status, "downloads", len(b.Downloads))
		}
	}

	r.state.forget(batches)
}
