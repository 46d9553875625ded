// Package layer models the stack of visual contexts: the root page at index 0
// and overlays above it. All methods run on the coordinator's loop.
package layer

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/loop"
)

// Mode names the presentation of a layer. It only selects default options.
type Mode string

const (
	ModeRoot   Mode = "root"
	ModeModal  Mode = "modal"
	ModeDrawer Mode = "drawer"
	ModePopup  Mode = "popup"
	ModeCover  Mode = "cover"
)

// State is the lifecycle position of a layer. Closed is terminal.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dismissable is a user gesture that may dismiss an overlay.
type Dismissable string

const (
	DismissButton  Dismissable = "button"
	DismissKey     Dismissable = "key"
	DismissOutside Dismissable = "outside"
)

// IDAttribute marks overlay container elements with their layer ID.
const IDAttribute = "up-layer-id"

// Lifecycle event types.
const (
	EventOpen            = "up:layer:open"
	EventOpened          = "up:layer:opened"
	EventAccept          = "up:layer:accept"
	EventAccepted        = "up:layer:accepted"
	EventDismiss         = "up:layer:dismiss"
	EventDismissed       = "up:layer:dismissed"
	EventLocationChanged = "up:layer:location:changed"
)

// Value passed to overlays closed because a lower layer was targeted.
const PeelValue = ":peel"

var (
	ErrAlreadyClosing = errors.New("layer is already closing")
	ErrClosePrevented = errors.New("layer close was prevented")
	ErrRootLayer      = errors.New("the root layer cannot be closed")
	ErrLayerNotFound  = errors.New("layer not found")
	ErrDismissed      = errors.New("layer dismissed")
)

// DismissError rejects the outcome of a dismissed layer.
type DismissError struct {
	Value any
}

func (e *DismissError) Error() string {
	return fmt.Sprintf("layer dismissed with %v", e.Value)
}

func (e *DismissError) Unwrap() error { return ErrDismissed }

// Conditions close a layer automatically. Event and location fields hold
// space-separated alternatives.
type Conditions struct {
	AcceptEvent     string
	DismissEvent    string
	AcceptLocation  string
	DismissLocation string
	AcceptSelector  string
	DismissSelector string
}

// Layer is one entry of the stack.
type Layer struct {
	ID          string
	Mode        Mode
	History     bool
	Context     map[string]any
	Dismissable []Dismissable
	Location    string
	Title       string
	Origin      *html.Node
	Conditions  Conditions
	Class       string
	Size        string
	Animation   string

	element *html.Node
	content *html.Node
	state   State
	stack   *Stack
	outcome *loop.Future[any]
	events  *event.Emitter
}

// Element is the container owned by the layer: <html> for the root, the
// overlay element otherwise.
func (l *Layer) Element() *html.Node { return l.element }

// Content is where fragments for a new layer are inserted.
func (l *Layer) Content() *html.Node { return l.content }

// State returns the lifecycle state.
func (l *Layer) State() State { return l.state }

// IsOpen reports whether the layer is opening or open.
func (l *Layer) IsOpen() bool { return l.state == StateOpening || l.state == StateOpen }

// IsClosed reports whether the layer reached its terminal state.
func (l *Layer) IsClosed() bool { return l.state == StateClosed }

// IsRoot reports whether l is the root layer.
func (l *Layer) IsRoot() bool { return l.Mode == ModeRoot }

// IsOverlay reports whether l is stacked above the root.
func (l *Layer) IsOverlay() bool { return !l.IsRoot() }

// Outcome settles when the layer closes: resolved with the accept value,
// rejected with a *DismissError, or with the abort reason.
func (l *Layer) Outcome() *loop.Future[any] { return l.outcome }

// On registers a listener for events emitted on this layer.
func (l *Layer) On(typ string, fn event.Listener) (off func()) {
	return l.events.On(typ, fn)
}

// Index returns the position in the stack, or -1 once removed.
func (l *Layer) Index() int {
	if l.stack == nil {
		return -1
	}
	for i, other := range l.stack.layers {
		if other == l {
			return i
		}
	}
	return -1
}

// Parent returns the layer below l.
func (l *Layer) Parent() *Layer {
	i := l.Index()
	if i <= 0 {
		return nil
	}
	return l.stack.layers[i-1]
}

// Child returns the layer directly above l.
func (l *Layer) Child() *Layer {
	i := l.Index()
	if i < 0 || i+1 >= len(l.stack.layers) {
		return nil
	}
	return l.stack.layers[i+1]
}

// Ancestors returns the layers below l, nearest first.
func (l *Layer) Ancestors() []*Layer {
	var out []*Layer
	for i := l.Index() - 1; i >= 0; i-- {
		out = append(out, l.stack.layers[i])
	}
	return out
}

// Descendants returns the layers above l, nearest first.
func (l *Layer) Descendants() []*Layer {
	i := l.Index()
	if i < 0 {
		return nil
	}
	return append([]*Layer(nil), l.stack.layers[i+1:]...)
}

// IsFront reports whether l is the topmost layer.
func (l *Layer) IsFront() bool {
	return l.stack != nil && l.stack.Front() == l
}

// Contains reports whether other is l or stacked above it.
func (l *Layer) Contains(other *Layer) bool {
	if other == nil {
		return false
	}
	i, j := l.Index(), other.Index()
	return i >= 0 && j >= i
}

// Owns reports whether n belongs to this layer rather than to an overlay
// stacked inside it.
func (l *Layer) Owns(n *html.Node) bool {
	if n == nil || l.element == nil || !dom.Contains(l.element, n) {
		return false
	}
	container := dom.Closest(n, func(p *html.Node) bool { return dom.HasAttr(p, IDAttribute) })
	if l.IsRoot() {
		return container == nil
	}
	return container == l.element
}

// IsDismissable reports whether gesture d may dismiss the layer.
func (l *Layer) IsDismissable(d Dismissable) bool {
	for _, x := range l.Dismissable {
		if x == d {
			return true
		}
	}
	return false
}

// MergeContext applies a server or caller patch. Nil values delete keys.
func (l *Layer) MergeContext(patch map[string]any) {
	if l.Context == nil {
		l.Context = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(l.Context, k)
			continue
		}
		l.Context[k] = v
	}
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s layer #%d", l.Mode, l.Index())
}

// buildOverlay creates the detached overlay element tree:
// <up-MODE up-layer-id><up-MODE-box><up-MODE-content/><up-MODE-dismiss/></up-MODE-box></up-MODE>
func (l *Layer) buildOverlay() {
	tag := "up-" + string(l.Mode)
	el := dom.NewElement(tag,
		html.Attribute{Key: IDAttribute, Val: l.ID},
		html.Attribute{Key: "role", Val: "dialog"},
		html.Attribute{Key: "aria-modal", Val: "true"},
		html.Attribute{Key: "tabindex", Val: "-1"},
	)
	if l.Class != "" {
		dom.SetAttr(el, "class", l.Class)
	}
	if l.Size != "" {
		dom.SetAttr(el, "size", l.Size)
	}
	box := dom.NewElement(tag + "-box")
	content := dom.NewElement(tag + "-content")
	dom.AppendChild(el, box)
	dom.AppendChild(box, content)
	if l.IsDismissable(DismissButton) {
		dismiss := dom.NewElement(tag+"-dismiss",
			html.Attribute{Key: "up-dismiss", Val: ""},
			html.Attribute{Key: "aria-label", Val: "Dismiss dialog"},
		)
		dom.SetText(dismiss, "×")
		dom.AppendChild(box, dismiss)
	}
	l.element = el
	l.content = content
}
