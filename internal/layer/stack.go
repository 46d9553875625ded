package layer

import (
	"log"
	"maps"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/loop"
)

// Input tells which kind of gesture closed a layer, so focus can decide
// whether to show a focus ring.
type Input int

const (
	InputUnknown Input = iota
	InputPointer
	InputKeyboard
)

// Hooks connect the stack to the rest of the coordinator.
type Hooks struct {
	// Events receives every lifecycle event after the layer's own listeners.
	Events *event.Emitter
	// Report receives failures of layer listeners.
	Report func(error)
	// Destroy runs the destructors registered inside n.
	Destroy func(n *html.Node)
	// Animate plays a closing animation and calls done when finished. Nil closes instantly.
	Animate func(l *Layer, done func())
	// AbortRequests cancels queued and loading requests of l and its descendants.
	AbortRequests func(l *Layer)
	// RestoreLocation is called with the new front layer after an overlay closed.
	RestoreLocation func(closed, front *Layer)
	// Opened and Closed observe stack changes.
	Opened func(l *Layer, depth int)
	Closed func(l *Layer, kind CloseKind)
}

// CloseKind is how a layer left the stack.
type CloseKind string

const (
	CloseAccept  CloseKind = "accept"
	CloseDismiss CloseKind = "dismiss"
	CloseAbort   CloseKind = "abort"
)

// Stack owns the ordered layers. It always contains the root at index 0.
type Stack struct {
	loop     *loop.Loop
	doc      *dom.Document
	hooks    Hooks
	log      *log.Logger
	layers   []*Layer
	override []*Layer
	peeling  bool
}

// NewStack creates a stack holding only the root layer of doc.
func NewStack(l *loop.Loop, doc *dom.Document, hooks Hooks, logger *log.Logger) *Stack {
	if logger == nil {
		logger = log.Default()
	}
	s := &Stack{loop: l, doc: doc, hooks: hooks, log: logger}
	root := &Layer{
		ID:      uuid.NewString(),
		Mode:    ModeRoot,
		History: true,
		Context: make(map[string]any),
		Title:   doc.Title(),
		element: doc.Element(),
		content: doc.Body(),
		state:   StateOpen,
		stack:   s,
		outcome: loop.NewFuture[any](l),
		events:  event.NewEmitter(hooks.Report),
	}
	s.layers = []*Layer{root}
	return s
}

// Root returns the layer at index 0.
func (s *Stack) Root() *Layer { return s.layers[0] }

// Front returns the topmost layer.
func (s *Stack) Front() *Layer { return s.layers[len(s.layers)-1] }

// Count returns the number of layers including the root.
func (s *Stack) Count() int { return len(s.layers) }

// All returns the layers from root to front.
func (s *Stack) All() []*Layer { return slices.Clone(s.layers) }

// At returns the layer at index i or nil.
func (s *Stack) At(i int) *Layer {
	if i < 0 || i >= len(s.layers) {
		return nil
	}
	return s.layers[i]
}

// Current returns the layer code should act on: the innermost AsCurrent
// override that is still open, otherwise the front layer.
func (s *Stack) Current() *Layer {
	for i := len(s.override) - 1; i >= 0; i-- {
		if !s.override[i].IsClosed() {
			return s.override[i]
		}
	}
	return s.Front()
}

// AsCurrent runs fn with l temporarily acting as the current layer.
func (s *Stack) AsCurrent(l *Layer, fn func()) {
	s.override = append(s.override, l)
	defer func() {
		s.override = s.override[:len(s.override)-1]
	}()
	fn()
}

// Peeling reports whether a peel is in progress.
func (s *Stack) Peeling() bool { return s.peeling }

// OpenOptions configure a new overlay.
type OpenOptions struct {
	Base           *Layer
	Mode           Mode
	History        bool
	Context        map[string]any
	InheritContext bool
	Dismissable    []Dismissable
	Origin         *html.Node
	Conditions     Conditions
	Class          string
	Size           string
	Animation      string
	// PeelAccept accepts instead of dismisses overlays above Base.
	PeelAccept bool
}

// Open pushes a new overlay in the opening state. Overlays above the base are
// peeled first; that cannot be prevented by listeners. The layer element is
// created detached; Attach mounts it.
func (s *Stack) Open(opts OpenOptions) (*Layer, error) {
	base := opts.Base
	if base == nil {
		base = s.Current()
	}
	if base.IsClosed() || base.state == StateClosing {
		return nil, ErrAlreadyClosing
	}
	if base != s.Front() {
		if err := s.Peel(base, PeelOptions{Accept: opts.PeelAccept}); err != nil {
			return nil, err
		}
	}

	mode := opts.Mode
	if mode == "" || mode == ModeRoot {
		mode = ModeModal
	}
	ctx := make(map[string]any)
	if opts.InheritContext {
		maps.Copy(ctx, base.Context)
	}
	maps.Copy(ctx, opts.Context)

	l := &Layer{
		ID:          uuid.NewString(),
		Mode:        mode,
		History:     opts.History,
		Context:     ctx,
		Dismissable: slices.Clone(opts.Dismissable),
		Origin:      opts.Origin,
		Conditions:  opts.Conditions,
		Class:       opts.Class,
		Size:        opts.Size,
		Animation:   opts.Animation,
		state:       StateOpening,
		stack:       s,
		outcome:     loop.NewFuture[any](s.loop),
		events:      event.NewEmitter(s.hooks.Report),
	}
	l.buildOverlay()
	s.layers = append(s.layers, l)
	s.log.Printf("LIVELAYER: opening %s", l)

	s.emit(l, event.New(EventOpen, map[string]any{"origin": opts.Origin}))
	if s.hooks.Opened != nil {
		s.hooks.Opened(l, len(s.layers))
	}
	return l, nil
}

// Attach mounts an overlay element at the end of <body>.
func (s *Stack) Attach(l *Layer) {
	if l.IsRoot() || s.doc.Attached(l.element) {
		return
	}
	if body := s.doc.Body(); body != nil {
		dom.AppendChild(body, l.element)
	}
}

// MarkOpened finishes opening once the layer's content is in place.
func (s *Stack) MarkOpened(l *Layer) {
	if l.state != StateOpening {
		return
	}
	l.state = StateOpen
	s.emit(l, event.New(EventOpened, map[string]any{"origin": l.Origin}))
}

// CloseOptions tune Accept and Dismiss.
type CloseOptions struct {
	// Force emits a non-cancelable close event.
	Force bool
	Input Input
}

// Accept closes l and resolves its outcome with value.
func (s *Stack) Accept(l *Layer, value any, opts CloseOptions) error {
	return s.close(l, CloseAccept, value, nil, opts)
}

// Dismiss closes l and rejects its outcome with a *DismissError.
func (s *Stack) Dismiss(l *Layer, value any, opts CloseOptions) error {
	return s.close(l, CloseDismiss, value, nil, opts)
}

// Abort removes l without close events, rejecting its outcome with reason.
// Used for overlays that fail before they finish opening.
func (s *Stack) Abort(l *Layer, reason error) error {
	return s.close(l, CloseAbort, nil, reason, CloseOptions{Force: true})
}

// PeelOptions tune Peel.
type PeelOptions struct {
	Accept bool
	Input  Input
}

// Peel closes every overlay above base, front-most first. Close events are not
// cancelable. A peel requested while another is running is refused with
// ErrAlreadyClosing and changes nothing.
func (s *Stack) Peel(base *Layer, opts PeelOptions) error {
	if s.peeling {
		return ErrAlreadyClosing
	}
	s.peeling = true
	defer func() { s.peeling = false }()

	kind := CloseDismiss
	if opts.Accept {
		kind = CloseAccept
	}
	for {
		front := s.Front()
		if front == base || front.IsRoot() || base.IsClosed() {
			return nil
		}
		if err := s.close(front, kind, PeelValue, nil, CloseOptions{Force: true, Input: opts.Input}); err != nil && err != ErrAlreadyClosing {
			return err
		}
		if s.Front() == front {
			panic("layer: peel did not remove the front layer")
		}
	}
}

func (s *Stack) close(l *Layer, kind CloseKind, value any, reason error, opts CloseOptions) error {
	if l.IsRoot() {
		return ErrRootLayer
	}
	if l.state == StateClosing || l.state == StateClosed {
		return ErrAlreadyClosing
	}

	if kind != CloseAbort {
		typ := EventDismiss
		if kind == CloseAccept {
			typ = EventAccept
		}
		ev := event.New(typ, map[string]any{"input": opts.Input})
		ev.Cancelable = !opts.Force
		ev.Value = value
		ev.Layer = l
		if !s.emit(l, ev) {
			s.log.Printf("LIVELAYER: %s of %s prevented by listener", kind, l)
			return ErrClosePrevented
		}
		if l.state == StateClosing || l.state == StateClosed {
			return ErrAlreadyClosing
		}
		value = ev.Value
	}

	l.state = StateClosing
	for child := l.Child(); child != nil; child = l.Child() {
		childKind := CloseDismiss
		if kind == CloseAbort {
			childKind = CloseAbort
		}
		if err := s.close(child, childKind, PeelValue, reason, CloseOptions{Force: true, Input: opts.Input}); err != nil && err != ErrAlreadyClosing {
			return err
		}
	}

	switch kind {
	case CloseAccept:
		l.outcome.Resolve(value)
	case CloseDismiss:
		l.outcome.Reject(&DismissError{Value: value})
	case CloseAbort:
		l.outcome.Reject(reason)
	}

	if s.hooks.AbortRequests != nil {
		s.hooks.AbortRequests(l)
	}
	if s.hooks.Destroy != nil {
		s.hooks.Destroy(l.element)
	}

	parent := l.Parent()
	s.layers = slices.DeleteFunc(s.layers, func(x *Layer) bool { return x == l })
	l.state = StateClosed
	s.log.Printf("LIVELAYER: %s closed (%s), %d layers remain", l.Mode, kind, len(s.layers))

	element := l.element
	detach := func() {
		s.doc.Forget(element)
		dom.Detach(element)
	}
	if s.hooks.Animate != nil && s.doc.Attached(element) && l.Animation != "" {
		s.hooks.Animate(l, detach)
	} else {
		detach()
	}

	if s.hooks.RestoreLocation != nil && l.History {
		s.hooks.RestoreLocation(l, s.Front())
	}
	s.restoreFocus(l, parent, opts.Input)

	if kind != CloseAbort {
		typ := EventDismissed
		if kind == CloseAccept {
			typ = EventAccepted
		}
		ev := event.New(typ, map[string]any{"input": opts.Input})
		ev.Value = value
		ev.Layer = l
		s.emit(l, ev)
	}
	if s.hooks.Closed != nil {
		s.hooks.Closed(l, kind)
	}
	return nil
}

// restoreFocus returns focus to the element that opened l. The focus ring is
// shown only when the layer was closed from the keyboard.
func (s *Stack) restoreFocus(l, parent *Layer, input Input) {
	visible := input == InputKeyboard
	if l.Origin != nil && s.doc.Attached(l.Origin) {
		s.doc.Focus(l.Origin, visible)
		return
	}
	if parent != nil && parent.IsOverlay() && s.doc.Attached(parent.element) {
		s.doc.Focus(parent.element, visible)
		return
	}
	s.doc.Blur()
}

// SetLocation records a new location for l and emits a change event.
func (s *Stack) SetLocation(l *Layer, location string) {
	if location == "" || l.Location == location {
		return
	}
	previous := l.Location
	l.Location = location
	ev := event.New(EventLocationChanged, map[string]any{"location": location, "previous": previous})
	ev.Layer = l
	s.emit(l, ev)
}

// Emit dispatches ev on l's listeners, then on the global listeners.
func (s *Stack) Emit(l *Layer, ev *event.Event) bool {
	return s.emit(l, ev)
}

func (s *Stack) emit(l *Layer, ev *event.Event) bool {
	if ev.Layer == nil {
		ev.Layer = l
	}
	return event.Emit(ev, l.events, s.hooks.Events)
}

// Of returns the layer owning n, or nil when n is detached.
func (s *Stack) Of(n *html.Node) *Layer {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if s.layers[i].Owns(n) {
			return s.layers[i]
		}
	}
	return nil
}
