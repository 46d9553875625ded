// Package keep carries elements marked for keeping from the old tree into the
// new one, so their identity and attached behavior survive a swap.
package keep

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
)

// DefaultAttribute marks an element for keeping. Its value optionally lists the
// attributes a candidate must share with the kept element.
const DefaultAttribute = "up-keep"

// Transplant moves one kept element into the slot of its candidate.
type Transplant struct {
	Old       *html.Node
	Candidate *html.Node

	oldParent *html.Node
	oldIndex  int
}

// Preserver finds and applies transplants.
type Preserver struct {
	// Attribute is the keep marker, DefaultAttribute when empty.
	Attribute string
	// Compare lists attributes every candidate must share in addition to the
	// ones named in the marker's value.
	Compare []string
	// Allow is asked before an element is kept. Returning false destroys it
	// with the rest of its fragment.
	Allow func(old, candidate *html.Node) bool
}

func (p *Preserver) attribute() string {
	if p.Attribute == "" {
		return DefaultAttribute
	}
	return p.Attribute
}

// Find matches kept elements under oldRoot with candidates at the same position
// under newRoot. Descendants of a kept element travel with it and are not
// matched separately.
func (p *Preserver) Find(oldRoot, newRoot *html.Node) []Transplant {
	attr := p.attribute()
	var out []Transplant
	dom.Walk(oldRoot, func(old *html.Node) bool {
		if !dom.HasAttr(old, attr) {
			return true
		}
		path, ok := dom.Path(oldRoot, old)
		if !ok {
			return true
		}
		candidate := dom.Follow(newRoot, path)
		if candidate == nil || !p.matches(old, candidate) {
			return true
		}
		if p.Allow != nil && !p.Allow(old, candidate) {
			return true
		}
		out = append(out, Transplant{Old: old, Candidate: candidate})
		return false
	})
	return out
}

func (p *Preserver) matches(old, candidate *html.Node) bool {
	if old.Data != candidate.Data || old.Namespace != candidate.Namespace {
		return false
	}
	compare := append(strings.Fields(dom.Attr(old, p.attribute())), p.Compare...)
	for _, name := range compare {
		ov, ook := dom.LookupAttr(old, name)
		cv, cok := dom.LookupAttr(candidate, name)
		if ook != cok || ov != cv {
			return false
		}
	}
	return true
}

// Apply grafts every kept element into its candidate's position. The candidate
// is dropped from the new tree. Call it before the new tree is attached.
func Apply(ts []Transplant) {
	for i := range ts {
		t := &ts[i]
		t.record()
		if t.Candidate == t.Old {
			continue
		}
		dom.ReplaceWith(t.Candidate, t.Old)
	}
}

// Pin records where kept elements sit without moving them. Use it when the
// kept element is the swap target itself and stays in the page.
func Pin(ts []Transplant) {
	for i := range ts {
		ts[i].record()
	}
}

func (t *Transplant) record() {
	t.oldParent = t.Old.Parent
	t.oldIndex = dom.Index(t.Old)
}

// Moved reports whether a kept element ended up under a different parent or
// at a different position among its siblings. Call it after the swap.
func (t Transplant) Moved() bool {
	return t.Old.Parent != t.oldParent || dom.Index(t.Old) != t.oldIndex
}

// OldParent is the element that contained the kept element before Apply.
func (t Transplant) OldParent() *html.Node { return t.oldParent }
