package taskpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dynamicLimit struct{ n atomic.Int64 }

func (l *dynamicLimit) Limit() int { return int(l.n.Load()) }

func blockingTask(release <-chan struct{}) Task {
	return func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestPool_DispatchIsIdempotentPerID(t *testing.T) {
	release := make(chan struct{})
	p := New(context.Background(), FixedLimit(5), nil)

	var runs atomic.Int32
	task := func(ctx context.Context) error {
		runs.Add(1)

		return blockingTask(release)(ctx)
	}

	assert.True(t, p.Dispatch(1, task))
	assert.False(t, p.Dispatch(1, task), "an active id is never launched twice")
	assert.True(t, p.IsActive(1))

	close(release)
	p.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, p.IsActive(1))
}

func TestPool_RespectsLimit(t *testing.T) {
	release := make(chan struct{})
	limit := &dynamicLimit{}
	limit.n.Store(2)

	p := New(context.Background(), limit, nil)

	assert.True(t, p.Dispatch(1, blockingTask(release)))
	assert.True(t, p.Dispatch(2, blockingTask(release)))
	assert.False(t, p.Dispatch(3, blockingTask(release)), "saturated pool rejects")

	limit.n.Store(3)
	assert.True(t, p.Dispatch(3, blockingTask(release)), "raised limit applies to the next dispatch")

	limit.n.Store(1)
	assert.Equal(t, 3, p.Len(), "lowering the limit never preempts running tasks")
	assert.False(t, p.Dispatch(4, blockingTask(release)))

	assert.Equal(t, []int64{1, 2, 3}, p.ActiveIDs())

	close(release)
	p.Wait()
	assert.Zero(t, p.Len())
}

func TestPool_LimitBelowOneIsOne(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := New(context.Background(), FixedLimit(0), nil)

	assert.True(t, p.Dispatch(1, blockingTask(release)))
	assert.False(t, p.Dispatch(2, blockingTask(release)))
}

func TestPool_OnDoneAfterLeavingActiveSet(t *testing.T) {
	boom := errors.New("boom")

	var (
		mu          sync.Mutex
		stillActive bool
		gotErr      error
	)

	var p *Pool
	p = New(context.Background(), FixedLimit(1), func(id int64, err error) {
		mu.Lock()
		defer mu.Unlock()

		stillActive = p.IsActive(id)
		gotErr = err
	})

	require.True(t, p.Dispatch(9, func(context.Context) error { return boom }))
	p.Wait()

	mu.Lock()
	defer mu.Unlock()

	assert.False(t, stillActive)
	assert.ErrorIs(t, gotErr, boom)
}

func TestPool_Cancel(t *testing.T) {
	p := New(context.Background(), FixedLimit(2), nil)

	require.True(t, p.Dispatch(1, blockingTask(nil)))
	require.True(t, p.Dispatch(2, blockingTask(nil)))

	assert.True(t, p.Cancel(1))
	assert.False(t, p.Cancel(42))

	assert.Eventually(t, func() bool { return !p.IsActive(1) }, time.Second, 5*time.Millisecond)
	assert.True(t, p.IsActive(2))

	p.CancelAll()
	p.Wait()
	assert.Empty(t, p.ActiveIDs())
}

func TestPool_RecoversPanics(t *testing.T) {
	errs := make(chan error, 1)
	p := New(context.Background(), FixedLimit(1), func(_ int64, err error) { errs <- err })

	require.True(t, p.Dispatch(1, func(context.Context) error { panic("bad task") }))
	p.Wait()

	assert.Error(t, <-errs)
	assert.True(t, p.Dispatch(1, func(context.Context) error { return nil }), "slot is released after a panic")
	p.Wait()
}
