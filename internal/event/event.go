// Package event delivers lifecycle notifications to listeners. A failing
// listener never stops the others: panics and returned errors are handed to the
// reporter and dispatch continues.
package event

import (
	"fmt"

	"golang.org/x/net/html"
)

// Event is one notification. Listeners may mutate Props and Value.
type Event struct {
	Type       string
	Target     *html.Node
	Layer      any
	Props      map[string]any
	Value      any
	Cancelable bool

	prevented bool
}

// New creates a non-cancelable event.
func New(typ string, props map[string]any) *Event {
	if props == nil {
		props = make(map[string]any)
	}
	return &Event{Type: typ, Props: props}
}

// NewCancelable creates an event listeners may prevent.
func NewCancelable(typ string, props map[string]any) *Event {
	e := New(typ, props)
	e.Cancelable = true
	return e
}

// PreventDefault asks the emitter to skip the default action. Ignored on
// events that are not cancelable.
func (e *Event) PreventDefault() {
	if e.Cancelable {
		e.prevented = true
	}
}

// DefaultPrevented reports whether a listener prevented the event.
func (e *Event) DefaultPrevented() bool {
	return e.prevented
}

// Listener handles an event.
type Listener func(*Event) error

// ListenerError wraps a failure raised by a listener.
type ListenerError struct {
	Type string
	Err  error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for %s failed: %v", e.Type, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Wildcard registers a listener for every event type.
const Wildcard = "*"

type registration struct {
	fn      Listener
	removed bool
}

// Emitter holds listeners for one target (a layer or the whole document).
type Emitter struct {
	listeners map[string][]*registration
	report    func(error)
}

// NewEmitter creates an emitter that sends listener failures to report.
func NewEmitter(report func(error)) *Emitter {
	return &Emitter{listeners: make(map[string][]*registration), report: report}
}

// On registers fn for typ and returns a func that unregisters it.
func (em *Emitter) On(typ string, fn Listener) (off func()) {
	reg := &registration{fn: fn}
	em.listeners[typ] = append(em.listeners[typ], reg)
	return func() {
		reg.removed = true
		regs := em.listeners[typ]
		for i, r := range regs {
			if r == reg {
				em.listeners[typ] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Count returns the number of listeners registered for typ.
func (em *Emitter) Count(typ string) int {
	return len(em.listeners[typ])
}

// Dispatch runs the listeners for e.Type followed by wildcard listeners.
// Listeners added during dispatch are not called for this event.
func (em *Emitter) Dispatch(e *Event) {
	if em == nil {
		return
	}
	regs := append([]*registration(nil), em.listeners[e.Type]...)
	regs = append(regs, em.listeners[Wildcard]...)
	for _, reg := range regs {
		if reg.removed {
			continue
		}
		if err := call(reg.fn, e); err != nil && em.report != nil {
			em.report(&ListenerError{Type: e.Type, Err: err})
		}
	}
}

func call(fn Listener, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(e)
}

// Emit dispatches e on each emitter in order and reports whether the default
// action may proceed.
func Emit(e *Event, emitters ...*Emitter) bool {
	for _, em := range emitters {
		em.Dispatch(e)
	}
	return !e.DefaultPrevented()
}
