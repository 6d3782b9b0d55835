// Package service serialises reconciliation passes on a single worker goroutine and
// stops the process once it is provably idle.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/reconcile"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// ErrBindNotSupported is returned by Bind: the service is driven by signals, not clients.
var ErrBindNotSupported = errors.New("binding to the download service is not supported")

// Trigger names what caused a pass. Used for logs and metrics only.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerChanged  Trigger = "changed"
	TriggerRetry    Trigger = "retry"
	TriggerTaskDone Trigger = "task_done"
	TriggerScanDone Trigger = "scan_done"
	TriggerWatchdog Trigger = "watchdog"
)

// DefaultWatchdogDelay is how long after an active pass a final pass is forced.
const DefaultWatchdogDelay = 5 * time.Minute

// Engine runs one reconciliation pass.
type Engine interface {
	RunPass(ctx context.Context) (bool, error)
	// NextWake reports the retry wake armed by the last pass. The wake lives in this
	// process, so the service does not stop while one is armed.
	NextWake() (time.Time, bool)
	Dump() reconcile.State
}

// Config tunes the service.
type Config struct {
	WatchdogDelay time.Duration
	// ExitWhenIdle makes Run return once a pass finds nothing to do.
	ExitWhenIdle bool
	// OnStop runs right before Run returns because the service went idle.
	OnStop func()
}

// Service coalesces update requests into passes. At most one pass runs at a time; requests
// arriving during a pass collapse into one follow-up pass.
type Service struct {
	engine    Engine
	lifecycle *Lifecycle
	telemetry *telemetry.Telemetry
	cfg       Config

	mu             sync.Mutex
	pending        bool
	pendingTrigger Trigger
	pendingToken   int64

	kick   chan struct{}
	passes atomic.Uint64
}

// New creates a service. Call Run to start the worker.
func New(engine Engine, lifecycle *Lifecycle, tel *telemetry.Telemetry, cfg Config) *Service {
	if cfg.WatchdogDelay <= 0 {
		cfg.WatchdogDelay = DefaultWatchdogDelay
	}

	if cfg.OnStop == nil {
		cfg.OnStop = func() {}
	}

	return &Service{
		engine:    engine,
		lifecycle: lifecycle,
		telemetry: tel,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
	}
}

// NotifyChanged requests a pass. It never blocks and may be called from any goroutine.
func (s *Service) NotifyChanged(trigger Trigger) {
	s.enqueue(trigger, 0)
}

// NotifyStart records a start request and requests a pass. The returned token is the one a
// later idle pass has to present to stop the service.
func (s *Service) NotifyStart() int64 {
	token := s.lifecycle.Start()
	s.enqueue(TriggerStart, token)

	return token
}

// Bind always fails.
func (s *Service) Bind() error {
	return ErrBindNotSupported
}

func (s *Service) enqueue(trigger Trigger, token int64) {
	s.mu.Lock()
	s.pending = true
	s.pendingTrigger = trigger

	if token > s.pendingToken {
		s.pendingToken = token
	}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// take consumes the pending request.
func (s *Service) take() (Trigger, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return "", 0, false
	}

	trigger, token := s.pendingTrigger, s.pendingToken
	s.pending = false
	s.pendingTrigger = ""
	s.pendingToken = 0

	return trigger, token, true
}

func (s *Service) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

// Run is the worker loop. It returns nil once the service stopped itself, or ctx.Err().
func (s *Service) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	var (
		watchdog  *time.Timer
		watchdogC <-chan time.Time
		token     = s.lifecycle.Latest()
	)

	armWatchdog := func() {
		if watchdog != nil {
			watchdog.Stop()
		}

		watchdog = time.NewTimer(s.cfg.WatchdogDelay)
		watchdogC = watchdog.C
	}

	disarmWatchdog := func() {
		if watchdog != nil {
			watchdog.Stop()
		}

		watchdogC = nil
	}

	defer disarmWatchdog()

	for {
		var trigger Trigger

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.kick:
			t, tok, ok := s.take()
			if !ok {
				continue
			}

			trigger = t

			if tok > token {
				token = tok
			}

		case <-watchdogC:
			watchdogC = nil
			trigger = TriggerWatchdog
		}

		active, err := s.runPass(ctx, trigger)

		switch {
		case err != nil:
			logger.Error("update pass failed", "trigger", trigger, "err", err)
			s.telemetry.RecordSystemError(ctx, "service", "pass_failed")
			armWatchdog()

		case active:
			if trigger == TriggerWatchdog {
				state := s.engine.Dump()
				logger.Error("final update pass triggered while active",
					"tracked", state.Tracked, "active_ids", state.ActiveIDs)
				s.telemetry.RecordSystemError(ctx, "service", "watchdog_active")
			}

			armWatchdog()

		default:
			disarmWatchdog()

			if s.hasPending() || !s.cfg.ExitWhenIdle {
				continue
			}

			if at, ok := s.engine.NextWake(); ok {
				logger.Debug("idle until the next scheduled retry", "wake_at", at)

				continue
			}

			if s.lifecycle.StopSelfResult(token) {
				logger.Info("nothing left to do, stopping", "token", token)
				s.cfg.OnStop()

				return nil
			}

			logger.Debug("stop aborted by a newer start request", "token", token)
		}
	}
}

// runPass runs one engine pass, converting a panic into an error.
func (s *Service) runPass(ctx context.Context, trigger Trigger) (active bool, err error) {
	ctx = logctx.WithPassID(ctx, s.passes.Add(1))

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("panic in update pass", "panic", r, "stack", string(debug.Stack()))

			active, err = false, fmt.Errorf("update pass panicked: %v", r)
		}
	}()

	return s.telemetry.InstrumentPass(ctx, string(trigger), s.engine.RunPass)
}
