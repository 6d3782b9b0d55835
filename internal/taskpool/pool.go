// Package taskpool runs download tasks with a bounded, runtime-adjustable concurrency.
package taskpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/download_manager/internal/logctx"
)

// Task is the body of one download. It must return when ctx is cancelled.
type Task func(ctx context.Context) error

// LimitProvider supplies the concurrency limit. It is read on every dispatch, so a change
// applies to the next dispatch and never preempts running tasks.
type LimitProvider interface {
	Limit() int
}

// FixedLimit is a constant LimitProvider.
type FixedLimit int

func (l FixedLimit) Limit() int { return int(l) }

// Pool executes tasks keyed by download id. An id owns at most one task at a time.
type Pool struct {
	ctx    context.Context
	limit  LimitProvider
	onDone func(id int64, err error)

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	g      errgroup.Group
}

// New creates a pool. Task contexts derive from ctx. onDone is called after the id has left
// the active set; it may be nil.
func New(ctx context.Context, limit LimitProvider, onDone func(id int64, err error)) *Pool {
	if onDone == nil {
		onDone = func(int64, error) {}
	}

	return &Pool{
		ctx:    ctx,
		limit:  limit,
		onDone: onDone,
		active: make(map[int64]context.CancelFunc),
	}
}

// Dispatch starts task for id unless id already has a running task or the pool is
// saturated. It never blocks and reports whether the task was started.
func (p *Pool) Dispatch(id int64, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[id]; ok {
		return false
	}

	limit := p.limit.Limit()
	if limit < 1 {
		limit = 1
	}

	if len(p.active) >= limit {
		return false
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.active[id] = cancel

	p.g.Go(func() error {
		err := p.run(ctx, id, task)

		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()

		cancel()
		p.onDone(id, err)

		// Task failures are reported through onDone; Wait only tracks completion.
		return nil
	})

	return true
}

func (p *Pool) run(ctx context.Context, id int64, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("download task panicked",
				"download_id", id, "panic", r, "stack", string(debug.Stack()))

			err = fmt.Errorf("download task %d panicked: %v", id, r)
		}
	}()

	return task(ctx)
}

// IsActive reports whether id currently owns a task.
func (p *Pool) IsActive(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.active[id]

	return ok
}

// ActiveIDs returns the ids that currently own a task, in ascending order.
func (p *Pool) ActiveIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int64, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Len returns the number of running tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.active)
}

// Cancel asks the task owning id to stop. It reports whether such a task existed.
func (p *Pool) Cancel(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.active[id]
	if ok {
		cancel()
	}

	return ok
}

// CancelAll asks every running task to stop.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.active {
		cancel()
	}
}

// Wait blocks until every dispatched task has returned.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}
