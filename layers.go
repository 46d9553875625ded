package livelayer

import (
	"errors"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/layer"
)

type (
	// Layer is the root page or one overlay stacked above it.
	Layer = layer.Layer
	// LayerRef refers to one or more layers. The zero value means the current layer.
	LayerRef    = layer.Ref
	Mode        = layer.Mode
	Dismissable = layer.Dismissable
	// Conditions close an overlay automatically.
	Conditions = layer.Conditions
	// Input is the kind of gesture that closed a layer.
	Input    = layer.Input
	Event    = event.Event
	Listener = event.Listener
)

const (
	ModeModal  = layer.ModeModal
	ModeDrawer = layer.ModeDrawer
	ModePopup  = layer.ModePopup
	ModeCover  = layer.ModeCover

	DismissButton  = layer.DismissButton
	DismissKey     = layer.DismissKey
	DismissOutside = layer.DismissOutside

	InputUnknown  = layer.InputUnknown
	InputPointer  = layer.InputPointer
	InputKeyboard = layer.InputKeyboard
)

// LayerIndex refers to the layer at position i, 0 being the root.
func LayerIndex(i int) LayerRef { return layer.Index(i) }

// LayerKeyword refers to layers by keyword: root, front, current, parent,
// child, closest, ancestor, descendant, subtree, overlay, any, origin or new.
func LayerKeyword(k string) LayerRef { return layer.Keyword(k) }

// LayerOf refers to l.
func LayerOf(l *Layer) LayerRef { return layer.Of(l) }

// LayerOfElement refers to the layer owning n.
func LayerOfElement(n *html.Node) LayerRef { return layer.ElementRef(n) }

// ParseLayerRef parses an index, keyword or a space or comma separated list.
func ParseLayerRef(s string) LayerRef { return layer.ParseRef(s) }

// NewLayer makes a render open a new overlay.
func NewLayer() LayerRef { return layer.Keyword(layer.KeywordNew) }

// Layer returns the first open layer ref refers to.
func (u *Up) Layer(ref LayerRef) (*Layer, error) {
	return u.stack.Get(ref, layer.LookupOptions{})
}

// Layers returns every open layer ref refers to, in preference order.
func (u *Up) Layers(ref LayerRef) []*Layer {
	layers, err := u.stack.Resolve(ref, layer.LookupOptions{})
	if err != nil {
		u.log.Printf("LIVELAYER: %v", err)
		return nil
	}
	return layers
}

// CurrentLayer returns the layer code is acting on, normally the front layer.
func (u *Up) CurrentLayer() *Layer { return u.stack.Current() }

// Count returns the number of layers including the root.
func (u *Up) Count() int { return u.stack.Count() }

// AsCurrent runs fn with l acting as the current layer.
func (u *Up) AsCurrent(l *Layer, fn func()) { u.stack.AsCurrent(l, fn) }

// AcceptLayer closes l and resolves its outcome with value. A nil layer means
// the current layer. Closing a layer that is already closing does nothing.
func (u *Up) AcceptLayer(l *Layer, value any) error {
	return u.closeLayer(l, layer.CloseAccept, value, layer.CloseOptions{})
}

// DismissLayer closes l and rejects its outcome with a *DismissError.
func (u *Up) DismissLayer(l *Layer, value any) error {
	return u.closeLayer(l, layer.CloseDismiss, value, layer.CloseOptions{})
}

func (u *Up) closeLayer(l *Layer, kind layer.CloseKind, value any, opts layer.CloseOptions) error {
	if l == nil {
		l = u.stack.Current()
	}
	var err error
	if kind == layer.CloseAccept {
		err = u.stack.Accept(l, value, opts)
	} else {
		err = u.stack.Dismiss(l, value, opts)
	}
	if errors.Is(err, layer.ErrAlreadyClosing) {
		return nil
	}
	return err
}

// HandleKey reacts to a key press. Escape dismisses the front overlay when it
// is dismissable by key. It reports whether the key was handled.
func (u *Up) HandleKey(key string) bool {
	if key != "Escape" {
		return false
	}
	front := u.stack.Front()
	if !front.IsOverlay() || !front.IsDismissable(layer.DismissKey) {
		return false
	}
	u.closeLayer(front, layer.CloseDismiss, ":key", layer.CloseOptions{Input: layer.InputKeyboard})
	return true
}

// HandleClick reacts to a click on el. Elements inside [up-dismiss] or
// [up-accept] close their overlay, clicks outside a dismissable front overlay
// dismiss it, and links with up-* attributes are followed. It reports whether
// the click was handled.
func (u *Up) HandleClick(el *html.Node, input Input) bool {
	if btn := dom.Closest(el, func(n *html.Node) bool {
		return dom.HasAttr(n, "up-dismiss") || dom.HasAttr(n, "up-accept")
	}); btn != nil {
		if l := u.stack.Of(btn); l != nil && l.IsOverlay() {
			opts := layer.CloseOptions{Input: input}
			if v, ok := dom.LookupAttr(btn, "up-accept"); ok {
				u.closeLayer(l, layer.CloseAccept, attrValue(v, nil), opts)
			} else {
				u.closeLayer(l, layer.CloseDismiss, attrValue(dom.Attr(btn, "up-dismiss"), ":button"), opts)
			}
			return true
		}
	}

	front := u.stack.Front()
	if front.IsOverlay() && !dom.Contains(front.Element(), el) && front.IsDismissable(layer.DismissOutside) {
		u.closeLayer(front, layer.CloseDismiss, ":outside", layer.CloseOptions{Input: input})
		return true
	}

	if link := dom.Closest(el, followable); link != nil {
		u.Follow(link)
		return true
	}
	return false
}

// AbortOptions select the requests Abort cancels. Zero options abort everything.
type AbortOptions struct {
	// Layer aborts the requests of the layer and of every overlay above it.
	Layer *Layer
	// Target aborts requests whose targets overlap the elements matching it in
	// the current layer.
	Target string
	// Elements aborts requests whose targets overlap these elements.
	Elements []*html.Node
	Reason   string
}

// Abort cancels queued and loading requests. Their renders reject with an
// *AbortError before Abort returns. It returns the number of requests aborted.
func (u *Up) Abort(opts AbortOptions) int {
	reason := opts.Reason
	if reason == "" {
		reason = "aborted by caller"
	}
	err := &AbortError{Reason: reason}

	scope := opts.Elements
	if opts.Target != "" {
		l := opts.Layer
		if l == nil {
			l = u.stack.Current()
		}
		matches, ferr := u.matcher.FindAll(fragmentQuery(l, nil), opts.Target)
		if ferr != nil {
			u.log.Printf("LIVELAYER: abort: %v", ferr)
		}
		scope = append(scope, matches...)
	}

	switch {
	case opts.Target != "" || len(opts.Elements) > 0:
		return u.queue.Abort(func(r *preflightRequest) bool {
			return overlaps(r.Scope, scope)
		}, err)
	case opts.Layer != nil:
		return u.queue.AbortLayer(opts.Layer, err)
	default:
		return u.queue.Abort(func(*preflightRequest) bool { return true }, err)
	}
}
