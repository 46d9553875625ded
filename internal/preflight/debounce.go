package preflight

import (
	"time"

	"github.com/livefir/livelayer/internal/loop"
)

// Debouncer delays work until its key has been quiet for a while. Each call
// restarts the wait from that moment. Must be used on the loop.
type Debouncer struct {
	loop    *loop.Loop
	pending map[any]*waiting
}

type waiting struct {
	timer *loop.Timer
}

// NewDebouncer creates a debouncer scheduling on l.
func NewDebouncer(l *loop.Loop) *Debouncer {
	return &Debouncer{loop: l, pending: make(map[any]*waiting)}
}

// Debounce runs fn once delay has passed without another call for key. A
// non-positive delay runs fn on the next microtask, which still groups calls
// made in the same tick.
func (d *Debouncer) Debounce(key any, delay time.Duration, fn func()) {
	d.Cancel(key)
	w := &waiting{}
	d.pending[key] = w
	run := func() {
		if d.pending[key] != w {
			return
		}
		delete(d.pending, key)
		fn()
	}
	if delay <= 0 {
		d.loop.Defer(run)
		return
	}
	w.timer = d.loop.AfterFunc(delay, run)
}

// Cancel drops the pending call for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key any) bool {
	w, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)
	if w.timer != nil {
		w.timer.Stop()
	}
	return true
}

// Pending reports whether key has a call waiting.
func (d *Debouncer) Pending(key any) bool {
	_, ok := d.pending[key]
	return ok
}
