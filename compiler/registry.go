// Package compiler turns newly inserted elements into behavior. Compile
// functions are registered per selector and may return a destructor that runs
// once when the element is removed from the page.
package compiler

import (
	"fmt"
	"sync"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/selector"
)

// Destructor cleans up after a compiled element.
type Destructor func() error

// CompileFunc activates el. A nil destructor means nothing to clean up.
type CompileFunc func(el *html.Node) (Destructor, error)

// Binding is a destructor attached to the element it was compiled for.
type Binding struct {
	Element *html.Node
	Destroy Destructor
}

// Error wraps a failure raised by a compiler or destructor.
type Error struct {
	Selector string
	Phase    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s for %q failed: %v", e.Phase, e.Selector, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type entry struct {
	selector string
	fn       CompileFunc
}

// Registry holds compilers in registration order.
//
// Thread-safe: registration may happen from any goroutine, compilation runs on
// the coordinator's loop.
type Registry struct {
	engine  selector.Engine
	entries []entry
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry matching with engine. A nil engine
// uses cascadia.
func NewRegistry(engine selector.Engine) *Registry {
	if engine == nil {
		engine = selector.NewCascadia()
	}
	return &Registry{engine: engine}
}

// Register adds fn for elements matching sel.
func (r *Registry) Register(sel string, fn CompileFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{selector: sel, fn: fn})
}

// Len returns the number of registered compilers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Compile runs every compiler over root and its descendants, in registration
// order and then document order. Elements for which skip returns true are not
// compiled, and neither are their descendants. Failures are passed to report
// and compilation continues.
func (r *Registry) Compile(root *html.Node, skip func(*html.Node) bool, report func(error)) []Binding {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	var bindings []Binding
	for _, e := range entries {
		matches, err := r.engine.MatchAll(root, e.selector)
		if err != nil {
			report(&Error{Selector: e.selector, Phase: "compile", Err: err})
			continue
		}
		for _, el := range matches {
			if skipped(root, el, skip) {
				continue
			}
			destroy, err := compileOne(e.fn, el)
			if err != nil {
				report(&Error{Selector: e.selector, Phase: "compile", Err: err})
				continue
			}
			if destroy != nil {
				bindings = append(bindings, Binding{Element: el, Destroy: destroy})
			}
		}
	}
	return bindings
}

func skipped(root, el *html.Node, skip func(*html.Node) bool) bool {
	if skip == nil {
		return false
	}
	for n := el; n != nil; n = n.Parent {
		if skip(n) {
			return true
		}
		if n == root {
			break
		}
	}
	return false
}

func compileOne(fn CompileFunc, el *html.Node) (d Destructor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(el)
}

// Set tracks the destructors of elements currently on the page.
type Set struct {
	byElement map[*html.Node][]Destructor
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{byElement: make(map[*html.Node][]Destructor)}
}

// Add records bindings.
func (s *Set) Add(bindings []Binding) {
	for _, b := range bindings {
		s.byElement[b.Element] = append(s.byElement[b.Element], b.Destroy)
	}
}

// Has reports whether el has pending destructors.
func (s *Set) Has(el *html.Node) bool {
	return len(s.byElement[el]) > 0
}

// Len returns the number of elements with pending destructors.
func (s *Set) Len() int { return len(s.byElement) }

// Destroy runs and forgets the destructors of root and its descendants in
// document order. Each destructor runs at most once. A failing destructor is
// reported and does not stop the others. It returns the number of
// destructors run.
func (s *Set) Destroy(root *html.Node, report func(error)) int {
	if root == nil || len(s.byElement) == 0 {
		return 0
	}
	var targets []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if _, ok := s.byElement[n]; ok {
			targets = append(targets, n)
		}
		return true
	})

	ran := 0
	for _, el := range targets {
		destructors := s.byElement[el]
		delete(s.byElement, el)
		for _, d := range destructors {
			ran++
			if err := destroyOne(d); err != nil && report != nil {
				report(&Error{Selector: selector.Derive(el), Phase: "destructor", Err: err})
			}
		}
	}
	return ran
}

func destroyOne(d Destructor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d()
}
