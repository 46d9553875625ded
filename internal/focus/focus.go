// Package focus remembers which element had focus, and the scroll and selection
// state of elements inside fragments that are about to be swapped, so both can be
// carried over to the new content.
package focus

import (
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
)

// Snapshot is the interaction state captured before a swap.
type Snapshot struct {
	doc     *dom.Document
	active  *html.Node
	visible bool
	// container is the swapped root that held the focused element, nil when
	// focus was outside every swapped fragment.
	container *html.Node
	saved     []saved
}

type saved struct {
	node     *html.Node
	key      key
	viewport dom.Viewport
}

// key identifies an element across an old and a new tree.
type key struct {
	tag, attr, val string
}

func keyOf(n *html.Node) (key, bool) {
	for _, attr := range []string{"up-id", "id", "name"} {
		if v := dom.Attr(n, attr); v != "" {
			return key{tag: n.Data, attr: attr, val: v}, true
		}
	}
	return key{}, false
}

// Capture records focus and the viewports of every element inside roots.
func Capture(doc *dom.Document, roots []*html.Node) *Snapshot {
	s := &Snapshot{doc: doc, visible: doc.FocusVisible()}
	if active := doc.ActiveElement(); active != doc.Body() {
		s.active = active
	}
	for _, root := range roots {
		if s.active != nil && s.container == nil && dom.Contains(root, s.active) {
			s.container = root
		}
		dom.Walk(root, func(n *html.Node) bool {
			vp := doc.Viewport(n)
			if vp == (dom.Viewport{}) && n != s.active {
				return true
			}
			k, _ := keyOf(n)
			s.saved = append(s.saved, saved{node: n, key: k, viewport: vp})
			return true
		})
	}
	return s
}

// Affected reports whether the focused element was inside a swapped fragment.
func (s *Snapshot) Affected() bool { return s.container != nil }

// Restore reapplies viewports and moves focus if the focused element was lost.
//
// Focus stays where it is while the element is attached and enabled. Otherwise
// it moves to the element with the same identity in newRoots, then to the
// closest surviving ancestor (a kept container), then to fallback. The return
// value is the focused element after restoring, or nil when focus was untouched.
func (s *Snapshot) Restore(newRoots []*html.Node, fallback *html.Node) *html.Node {
	s.restoreViewports(newRoots)

	if s.active == nil || !s.Affected() {
		return nil
	}
	if s.doc.Attached(s.active) && !dom.IsDisabled(s.active) {
		return nil
	}

	if k, ok := keyOf(s.active); ok {
		if n := find(newRoots, k); n != nil && !dom.IsDisabled(n) && s.doc.Focus(n, s.visible) {
			return n
		}
	}
	for p := s.active.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && s.doc.Attached(p) && p != s.doc.Body() {
			s.doc.Focus(p, s.visible)
			return p
		}
	}
	if fallback != nil && s.doc.Focus(fallback, s.visible) {
		return fallback
	}
	s.doc.Blur()
	return nil
}

func (s *Snapshot) restoreViewports(newRoots []*html.Node) {
	for _, sv := range s.saved {
		if sv.viewport == (dom.Viewport{}) {
			continue
		}
		if s.doc.Attached(sv.node) {
			s.doc.SetViewport(sv.node, sv.viewport)
			continue
		}
		if sv.key == (key{}) {
			continue
		}
		if n := find(newRoots, sv.key); n != nil {
			s.doc.SetViewport(n, sv.viewport)
		}
	}
}

func find(roots []*html.Node, k key) *html.Node {
	var found *html.Node
	for _, root := range roots {
		dom.Walk(root, func(n *html.Node) bool {
			if found != nil {
				return false
			}
			if n.Data == k.tag && dom.Attr(n, k.attr) == k.val {
				found = n
				return false
			}
			return true
		})
		if found != nil {
			break
		}
	}
	return found
}

// Target focuses el for an explicit focus option, showing a ring when visible.
func Target(doc *dom.Document, el *html.Node, visible bool) bool {
	if el == nil {
		return false
	}
	if !dom.IsFocusable(el) {
		dom.SetAttr(el, "tabindex", "-1")
	}
	return doc.Focus(el, visible)
}
