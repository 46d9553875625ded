package keep

import (
	"fmt"

	"golang.org/x/net/html"
)

// Observer is notified when a tracked element moves between containers.
type Observer struct {
	Leave func(el, parent *html.Node) error
	Enter func(el, parent *html.Node) error
}

type registration struct {
	obs     Observer
	removed bool
}

// Tracker holds the observers registered per element.
type Tracker struct {
	observers map[*html.Node][]*registration
	report    func(error)
}

// NewTracker creates a tracker reporting observer failures to report.
func NewTracker(report func(error)) *Tracker {
	return &Tracker{observers: make(map[*html.Node][]*registration), report: report}
}

// Track registers obs for el and returns a func that removes it.
func (t *Tracker) Track(el *html.Node, obs Observer) (untrack func()) {
	reg := &registration{obs: obs}
	t.observers[el] = append(t.observers[el], reg)
	return func() {
		reg.removed = true
		regs := t.observers[el]
		for i, r := range regs {
			if r == reg {
				t.observers[el] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(t.observers[el]) == 0 {
			delete(t.observers, el)
		}
	}
}

// Settle fires leave then enter for every kept element that moved. Elements
// that stayed under the same parent at the same position are not notified.
// It returns the number of transplants that were notified.
func (t *Tracker) Settle(ts []Transplant) int {
	notified := 0
	for _, tr := range ts {
		if !tr.Moved() {
			continue
		}
		notified++
		regs := append([]*registration(nil), t.observers[tr.Old]...)
		for _, reg := range regs {
			if !reg.removed && reg.obs.Leave != nil {
				t.call(reg.obs.Leave, tr.Old, tr.oldParent)
			}
		}
		for _, reg := range regs {
			if !reg.removed && reg.obs.Enter != nil {
				t.call(reg.obs.Enter, tr.Old, tr.Old.Parent)
			}
		}
	}
	return notified
}

// Forget drops the observers of el, used when el is destroyed.
func (t *Tracker) Forget(el *html.Node) {
	delete(t.observers, el)
}

func (t *Tracker) call(fn func(el, parent *html.Node) error, el, parent *html.Node) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
		}()
		return fn(el, parent)
	}()
	if err != nil && t.report != nil {
		t.report(err)
	}
}

// PanicError wraps a panic raised by an observer.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("keep observer panicked: %v", e.Value)
}
