package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/reconcile"
)

// scriptedEngine returns the queued verdicts in order, then idle.
type scriptedEngine struct {
	mu       sync.Mutex
	results  []result
	passes   int
	running  atomic.Int32
	overlaps atomic.Int32
	dumps    atomic.Int32
	block    chan struct{}
	wake     time.Time
	onPass   func(n int)
}

type result struct {
	active bool
	err    error
	panic  bool
}

func (e *scriptedEngine) RunPass(context.Context) (bool, error) {
	if e.running.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.running.Add(-1)

	if e.block != nil {
		<-e.block
	}

	e.mu.Lock()
	e.passes++
	n := e.passes

	var r result
	if len(e.results) > 0 {
		r = e.results[0]
		e.results = e.results[1:]
	}
	e.mu.Unlock()

	if e.onPass != nil {
		e.onPass(n)
	}

	if r.panic {
		panic("boom")
	}

	return r.active, r.err
}

func (e *scriptedEngine) Dump() reconcile.State {
	e.dumps.Add(1)

	return reconcile.State{Tracked: 1, ActiveIDs: []int64{7}}
}

func (e *scriptedEngine) NextWake() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.wake, !e.wake.IsZero()
}

func (e *scriptedEngine) setWake(at time.Time) {
	e.mu.Lock()
	e.wake = at
	e.mu.Unlock()
}

func (e *scriptedEngine) passCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.passes
}

func runAsync(t *testing.T, s *Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)

	go func() { errs <- s.Run(ctx) }()

	t.Cleanup(cancel)

	return cancel, errs
}

func TestService_StopsWhenIdle(t *testing.T) {
	engine := &scriptedEngine{}

	var stopped atomic.Bool

	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true, OnStop: func() { stopped.Store(true) }})
	s.NotifyStart()

	_, errs := runAsync(t, s)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.True(t, stopped.Load())
	assert.Equal(t, 1, engine.passCount())
	assert.True(t, s.lifecycle.Stopped())
}

func TestService_CoalescesNotifications(t *testing.T) {
	engine := &scriptedEngine{block: make(chan struct{})}
	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true})

	s.NotifyStart()
	_, errs := runAsync(t, s)

	require.Eventually(t, func() bool { return engine.running.Load() == 1 }, time.Second, time.Millisecond)

	for range 50 {
		s.NotifyChanged(TriggerChanged)
	}

	close(engine.block)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, 2, engine.passCount(), "notifications during a pass collapse into one follow-up pass")
	assert.Zero(t, engine.overlaps.Load())
}

func TestService_NewerStartAbortsStop(t *testing.T) {
	engine := &scriptedEngine{}
	lc := &Lifecycle{}

	first := lc.Start()
	second := lc.Start()

	assert.False(t, lc.StopSelfResult(first))
	assert.True(t, lc.StopSelfResult(second))

	s := New(engine, lc, nil, Config{ExitWhenIdle: true})
	s.NotifyStart()

	_, errs := runAsync(t, s)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_StartDuringIdlePassAbortsStop(t *testing.T) {
	lc := &Lifecycle{}
	engine := &scriptedEngine{}

	// The start token is taken while the idle pass runs but its request is not queued yet.
	engine.onPass = func(n int) {
		if n == 1 {
			lc.Start()
		}
	}

	s := New(engine, lc, nil, Config{ExitWhenIdle: true})
	s.NotifyStart()

	_, errs := runAsync(t, s)

	require.Eventually(t, func() bool { return engine.passCount() == 1 }, time.Second, time.Millisecond)

	select {
	case <-errs:
		t.Fatal("service stopped although a newer start was taken")
	case <-time.After(50 * time.Millisecond):
	}

	assert.False(t, lc.Stopped())

	s.NotifyStart()

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, 2, engine.passCount())
}

func TestService_NotifyStartDuringIdlePassRunsAnotherPass(t *testing.T) {
	engine := &scriptedEngine{}
	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true})

	engine.onPass = func(n int) {
		if n == 1 {
			s.NotifyStart()
		}
	}

	s.NotifyStart()

	_, errs := runAsync(t, s)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, 2, engine.passCount(), "the start that arrived mid-pass gets its own pass before stopping")
	assert.Equal(t, int64(2), s.lifecycle.Latest())
}

func TestService_ArmedWakeKeepsServiceRunning(t *testing.T) {
	engine := &scriptedEngine{}
	engine.setWake(time.Now().Add(time.Minute))

	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true})
	s.NotifyStart()

	_, errs := runAsync(t, s)

	require.Eventually(t, func() bool { return engine.passCount() == 1 }, time.Second, time.Millisecond)

	select {
	case <-errs:
		t.Fatal("service stopped with a retry still scheduled")
	case <-time.After(50 * time.Millisecond):
	}

	// the wake fires and the retry pass leaves nothing scheduled
	engine.setWake(time.Time{})
	s.NotifyChanged(TriggerRetry)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, 2, engine.passCount())
}

func TestService_ActivePassArmsWatchdog(t *testing.T) {
	engine := &scriptedEngine{results: []result{{active: true}, {active: true}}}
	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true, WatchdogDelay: 20 * time.Millisecond})

	s.NotifyStart()
	_, errs := runAsync(t, s)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, 3, engine.passCount(), "start pass, watchdog pass still active, final idle pass")
	assert.Equal(t, int32(1), engine.dumps.Load(), "only the watchdog pass dumps state")
}

func TestService_PassErrorNeverStops(t *testing.T) {
	engine := &scriptedEngine{results: []result{{err: errors.New("database is locked")}, {panic: true}}}
	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: true, WatchdogDelay: 10 * time.Millisecond})

	s.NotifyStart()
	_, errs := runAsync(t, s)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not recover")
	}

	assert.Equal(t, 3, engine.passCount(), "failed and panicking passes are retried by the watchdog")
}

func TestService_KeepsRunningWhenExitDisabled(t *testing.T) {
	engine := &scriptedEngine{}
	s := New(engine, &Lifecycle{}, nil, Config{ExitWhenIdle: false})

	s.NotifyStart()
	cancel, errs := runAsync(t, s)

	require.Eventually(t, func() bool { return engine.passCount() == 1 }, time.Second, time.Millisecond)

	s.NotifyChanged(TriggerRetry)
	require.Eventually(t, func() bool { return engine.passCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestService_Bind(t *testing.T) {
	s := New(&scriptedEngine{}, &Lifecycle{}, nil, Config{})
	assert.ErrorIs(t, s.Bind(), ErrBindNotSupported)
}

func TestGenerateInstanceID(t *testing.T) {
	a, b := GenerateInstanceID(), GenerateInstanceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
