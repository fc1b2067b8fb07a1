// Package loop is the single-goroutine task runner the QMI engine is driven
// by. Every engine mutation happens inside a task posted here: reader
// goroutines post received bytes, timers post their expiry, and callers post
// API calls through Do.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop: stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn to run on the loop goroutine. It never blocks and returns
// false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Idle defers fn until the tasks already queued have run. It is the way to
// complete an operation without re-entering the caller's stack frame.
func (l *Loop) Idle(fn func()) {
	l.Post(fn)
}

// Do runs fn on the loop goroutine and waits for it. Calling Do from inside a
// loop task deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return ErrStopped
		}

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrStopped
		case <-l.wake:
		}
	}
}

// Stop discards queued tasks and makes further posts fail.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a single-shot timer whose callback runs on the loop goroutine.
// Stop and Reset must be called from the loop goroutine; after Stop returns
// the callback is guaranteed not to run.
type Timer struct {
	l       *Loop
	t       *time.Timer
	fn      func()
	gen     uint64
	stopped bool
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{l: l, fn: fn}
	tm.arm(d)
	return tm
}

func (tm *Timer) arm(d time.Duration) {
	tm.gen++
	gen := tm.gen
	tm.stopped = false
	tm.t = time.AfterFunc(d, func() {
		tm.l.Post(func() {
			if tm.stopped || tm.gen != gen {
				return
			}
			tm.stopped = true
			tm.fn()
		})
	})
}

// Stop disarms the timer and reports whether it was still pending.
func (tm *Timer) Stop() bool {
	if tm == nil || tm.stopped {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}

// Reset re-arms the timer for d from now, discarding any pending expiry.
func (tm *Timer) Reset(d time.Duration) {
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.arm(d)
}
