package loop

import "context"

// Future is a value that settles exactly once, either resolved or rejected.
// Resolve, Reject and Then must be called on the loop; Wait and Done are safe
// from any goroutine.
type Future[T any] struct {
	loop      *Loop
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture creates a pending future whose callbacks run on l.
func NewFuture[T any](l *Loop) *Future[T] {
	return &Future[T]{loop: l, done: make(chan struct{})}
}

// Resolve settles the future with v. Returns false when it was already settled.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. Returns false when it was already settled.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	if f.Settled() {
		return false
	}
	f.value, f.err = v, err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	for _, cb := range callbacks {
		cb := cb
		f.loop.Defer(func() { cb(v, err) })
	}
	return true
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value. ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.Settled() {
		return value, nil, false
	}
	return f.value, f.err, true
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers cb to run as a microtask once the future settles.
func (f *Future[T]) Then(cb func(T, error)) {
	if f.Settled() {
		v, err := f.value, f.err
		f.loop.Defer(func() { cb(v, err) })
		return
	}
	f.callbacks = append(f.callbacks, cb)
}
