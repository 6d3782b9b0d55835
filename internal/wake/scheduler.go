// Package wake schedules the one-shot wake signal that brings the service back when a
// retry backoff expires.
package wake

import (
	"context"
	"time"
)

// maxSleepCap bounds a single timer so clock jumps are picked up.
const maxSleepCap = time.Minute

type command struct {
	at     time.Time
	cancel bool
}

// Scheduler holds at most one armed wake. Arming again replaces the previous wake;
// a time in the past fires immediately.
type Scheduler struct {
	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the scheduler goroutine. onWake runs on that goroutine when the armed
// time is reached and must not block for long. The goroutine exits when ctx is
// cancelled or Close is called.
func New(ctx context.Context, onWake func()) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		cmds:   make(chan command, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(onWake)

	return s
}

// ArmAt schedules a wake at t, replacing any wake already armed.
func (s *Scheduler) ArmAt(t time.Time) {
	s.send(command{at: t})
}

// CancelAll disarms the pending wake, if any.
func (s *Scheduler) CancelAll() {
	s.send(command{cancel: true})
}

// Close stops the scheduler and waits for its goroutine to exit.
func (s *Scheduler) Close() {
	s.cancel()
	<-s.done
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.cmds <- cmd:
	case <-s.ctx.Done():
	}
}

// run is the active object owning the timer; all state lives on this goroutine.
func (s *Scheduler) run(onWake func()) {
	defer close(s.done)

	var (
		armed  bool
		wakeAt time.Time
		timer  *time.Timer
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}

		if !armed {
			return nil
		}

		dur := time.Until(wakeAt)
		if dur > maxSleepCap {
			dur = maxSleepCap
		}

		if dur < 0 {
			dur = 0
		}

		timer = time.NewTimer(dur)

		return timer.C
	}

	var timerCh <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			return

		case cmd := <-s.cmds:
			armed = !cmd.cancel
			wakeAt = cmd.at
			timerCh = resetTimer()

		case <-timerCh:
			if time.Now().Before(wakeAt) {
				// woke on the sleep cap
				timerCh = resetTimer()

				continue
			}

			armed = false
			timerCh = nil

			onWake()
		}
	}
}
