// Package loop provides the single-threaded scheduler that owns all coordinator
// state. Work arrives as macrotasks (Post) from any goroutine; microtasks (Defer)
// run after the current task and before the next one, which is how same-tick
// mutations are grouped.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call once the loop has stopped.
var ErrClosed = errors.New("loop closed")

// Loop executes tasks one at a time on the goroutine that called Run.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	// halted is closed together with closed
	halted chan struct{}

	// micro is only touched from the loop goroutine
	micro []func()
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	l := &Loop{halted: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run processes tasks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		if !l.closed {
			l.closed = true
			close(l.halted)
		}
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return ctx.Err()
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
		l.drain()
	}
}

// Post schedules fn as a macrotask. Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
}

// Defer schedules fn as a microtask. Must be called on the loop.
func (l *Loop) Defer(fn func()) {
	l.micro = append(l.micro, fn)
}

func (l *Loop) drain() {
	for len(l.micro) > 0 {
		fn := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		fn()
	}
}

// Call runs fn on the loop and waits until it and every microtask it queued
// have finished. It returns ErrClosed when the loop stops before fn ran.
// Calling it from the loop goroutine deadlocks.
func (l *Loop) Call(fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, func() {
		fn()
		l.drain()
		close(done)
	})
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-l.halted:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Timer is a cancellable delayed task. Stop must be called on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   bool
}

// AfterFunc runs fn on the loop once d has elapsed, unless the timer is stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			tm.fired = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the call prevented fn from running.
func (t *Timer) Stop() bool {
	if t == nil || t.fired {
		return false
	}
	t.t.Stop()
	return !t.stopped.Swap(true)
}

// Pending reports whether the timer is still waiting to fire.
func (t *Timer) Pending() bool {
	return t != nil && !t.fired && !t.stopped.Load()
}
