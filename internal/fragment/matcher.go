// Package fragment finds the elements a render should touch, respecting which
// layer owns them.
package fragment

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/selector"
)

// ErrNotFound is returned when a lookup that requires a match finds nothing.
var ErrNotFound = errors.New("fragment not found")

// NotFoundError names the selector that matched nothing.
type NotFoundError struct {
	Selector string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fragment not found: %s", e.Selector)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Scope is the part of a document owned by one layer.
type Scope interface {
	Element() *html.Node
	Owns(n *html.Node) bool
}

// Query describes where to search.
type Query struct {
	// Root is the tree to search. Defaults to the scope's element.
	Root *html.Node
	// Scope filters matches to elements the scope owns. Nil searches across layers.
	Scope Scope
	// Origin resolves :origin and breaks ties toward the triggering element.
	Origin *html.Node
}

// Matcher is the layer-aware fragment lookup.
type Matcher struct {
	Engine selector.Engine
}

// New creates a matcher over engine.
func New(engine selector.Engine) *Matcher {
	return &Matcher{Engine: engine}
}

// FindAll returns every match of sel in document order.
func (m *Matcher) FindAll(q Query, sel string) ([]*html.Node, error) {
	root := q.Root
	if root == nil && q.Scope != nil {
		root = q.Scope.Element()
	}
	if root == nil {
		return nil, nil
	}

	bound, release, _ := selector.BindOrigin(sel, q.Origin)
	defer release()

	matches, err := m.Engine.MatchAll(root, bound)
	if err != nil {
		return nil, err
	}
	if q.Scope == nil {
		return matches, nil
	}
	out := matches[:0]
	for _, n := range matches {
		if q.Scope.Owns(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// FindFirst returns the first match of sel or a *NotFoundError.
func (m *Matcher) FindFirst(q Query, sel string) (*html.Node, error) {
	matches, err := m.FindAll(q, sel)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{Selector: sel}
	}
	return matches[0], nil
}

// FindBest returns the match closest to the query's origin: a match containing
// the origin wins, then matches inside progressively wider ancestors of the
// origin, then the first match in document order.
func (m *Matcher) FindBest(q Query, sel string) (*html.Node, error) {
	matches, err := m.FindAll(q, sel)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{Selector: sel}
	}
	if q.Origin == nil || len(matches) == 1 {
		return matches[0], nil
	}
	var containing *html.Node
	for _, n := range matches {
		if dom.Contains(n, q.Origin) {
			containing = n
		}
	}
	if containing != nil {
		return containing, nil
	}
	for a := q.Origin.Parent; a != nil; a = a.Parent {
		for _, n := range matches {
			if dom.Contains(a, n) {
				return n, nil
			}
		}
	}
	return matches[0], nil
}
