package livelayer

import (
	"cmp"
	"fmt"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/focus"
	"github.com/livefir/livelayer/internal/keep"
	"github.com/livefir/livelayer/internal/plan"
)

// swap applies p to the page, compiles the new content and moves focus. done
// runs once every transition finished.
func (r *render) swap(p *plan.Plan, res *RenderResult, done func()) {
	u := r.u
	if p.None {
		done()
		return
	}

	olds := make([]*html.Node, 0, len(p.Steps))
	for _, step := range p.Steps {
		olds = append(olds, step.Old)
	}
	snapshot := focus.Capture(u.doc, olds)
	if r.opening {
		u.stack.Attach(r.layer)
	}

	preserver := &keep.Preserver{
		Attribute: u.config.KeepAttribute,
		Allow: func(old, candidate *html.Node) bool {
			ev := event.NewCancelable(EventFragmentKeep, map[string]any{"element": old, "newElement": candidate})
			return u.emitOn(r.layer, ev)
		},
	}

	var (
		kept     []keep.Transplant
		inserted []*html.Node
		pending  = 1
		finished bool
	)
	settled := func() {
		pending--
		if pending > 0 || finished {
			return
		}
		finished = true
		done()
	}

	for _, step := range p.Steps {
		if !u.doc.Attached(step.Old) {
			// hungry elements may sit on a layer that was peeled
			if !step.Hungry {
				u.report(fmt.Errorf("%s was removed before the response arrived", step.Selector))
			}
			continue
		}

		var ts []keep.Transplant
		if step.Placement == plan.PlacementSwap || step.Placement == plan.PlacementContent {
			ts = preserver.Find(step.Old, step.New)
		}
		if len(ts) == 1 && ts[0].Old == step.Old {
			// the target itself is kept and stays where it is
			keep.Pin(ts)
			dom.Detach(step.New)
			kept = append(kept, ts...)
			if !step.Hungry {
				res.Fragments = append(res.Fragments, step.Old)
			}
			continue
		}
		keep.Apply(ts)
		kept = append(kept, ts...)

		roots := r.place(step)
		inserted = append(inserted, roots...)
		if !step.Hungry {
			res.Fragments = append(res.Fragments, step.Fragment)
		}

		if step.Transition != "" && u.animator != nil && step.Placement == plan.PlacementSwap {
			pending++
			u.animator.Transition(step.Old, step.New, step.Transition, u.onLoop(settled))
		}
	}

	u.tracker.Settle(kept)
	for _, t := range kept {
		ev := event.New(EventFragmentKept, map[string]any{"element": t.Old, "moved": t.Moved()})
		u.emitOn(r.layer, ev)
	}
	u.metrics.FragmentsSwapped(len(inserted), len(kept))

	keptSet := make(map[*html.Node]bool, len(kept))
	for _, t := range kept {
		keptSet[t.Old] = true
	}
	for _, root := range inserted {
		u.destructors.Add(u.compiler.Compile(root, func(n *html.Node) bool { return keptSet[n] }, u.report))
	}
	for _, root := range inserted {
		u.emitOn(r.layer, event.New(EventFragmentInserted, map[string]any{"element": root}))
	}

	r.focus(snapshot, inserted, res)
	settled()
}

// place inserts step.New according to its placement and discards what it
// replaced. It returns the inserted elements.
func (r *render) place(step plan.Step) []*html.Node {
	dom.Detach(step.New)
	switch step.Placement {
	case plan.PlacementSwap:
		dom.ReplaceWith(step.Old, step.New)
		r.discard(step.Old, step.New.Parent)
		return []*html.Node{step.New}
	case plan.PlacementInto:
		for _, old := range dom.ReplaceChildren(step.Old, step.New) {
			r.discard(old, step.Old)
		}
		return []*html.Node{step.New}
	case plan.PlacementContent:
		children := dom.ChildNodes(step.New)
		for _, old := range dom.ReplaceChildren(step.Old, children...) {
			r.discard(old, step.Old)
		}
		return elementsOf(children)
	case plan.PlacementBefore:
		children := dom.ChildNodes(step.New)
		ref := step.Old.FirstChild
		for _, c := range children {
			dom.InsertBefore(step.Old, c, ref)
		}
		return elementsOf(children)
	case plan.PlacementAfter:
		children := dom.ChildNodes(step.New)
		for _, c := range children {
			dom.AppendChild(step.Old, c)
		}
		return elementsOf(children)
	}
	return nil
}

func elementsOf(nodes []*html.Node) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		if dom.IsElement(n) {
			out = append(out, n)
		}
	}
	return out
}

// discard destroys a removed subtree.
func (r *render) discard(old, parent *html.Node) {
	if !dom.IsElement(old) {
		return
	}
	r.u.destroy(old)
	r.u.doc.Forget(old)
	r.u.emitOn(r.layer, event.New(EventFragmentDestroyed, map[string]any{"element": old, "parent": parent}))
}

// focus applies the render's focus option.
func (r *render) focus(snapshot *focus.Snapshot, inserted []*html.Node, res *RenderResult) {
	u := r.u
	opt := cmp.Or(r.opts.Focus, u.config.Focus)
	if r.opening && r.opts.Focus == "" {
		opt = "layer"
	}

	var first *html.Node
	if len(res.Fragments) > 0 {
		first = res.Fragments[0]
	}
	switch opt {
	case "none":
	case "keep":
		snapshot.Restore(inserted, first)
	case "target":
		focus.Target(u.doc, first, false)
	case "layer":
		el := r.layer.Element()
		if r.layer.IsRoot() {
			el = u.doc.Body()
		}
		focus.Target(u.doc, el, false)
	default:
		el, err := u.matcher.FindFirst(fragmentQuery(r.layer, r.opts.Origin), opt)
		if err != nil {
			u.log.Printf("LIVELAYER: focus target %q not found", opt)
			snapshot.Restore(inserted, first)
			return
		}
		focus.Target(u.doc, el, false)
	}
}

// Preview shows temporary changes while a request loads. Every change made
// through it is undone before the response is applied or when the render is
// aborted.
type Preview struct {
	// Fragment is the first element the render will replace.
	Fragment *html.Node
	Origin   *html.Node
	Layer    *Layer
	undo     []func()
}

// AddClass adds class to el for the duration of the request.
func (p *Preview) AddClass(el *html.Node, class string) {
	if el == nil || dom.HasClass(el, class) {
		return
	}
	dom.AddClass(el, class)
	p.Undo(func() { dom.RemoveClass(el, class) })
}

// SetAttr sets an attribute for the duration of the request.
func (p *Preview) SetAttr(el *html.Node, key, val string) {
	if el == nil {
		return
	}
	prev, had := dom.LookupAttr(el, key)
	dom.SetAttr(el, key, val)
	p.Undo(func() {
		if had {
			dom.SetAttr(el, key, prev)
		} else {
			dom.RemoveAttr(el, key)
		}
	})
}

// ShowPlaceholder replaces the children of el with the parsed markup.
func (p *Preview) ShowPlaceholder(el *html.Node, markup string) error {
	if el == nil {
		return nil
	}
	tree, err := dom.ParseFragment(markup)
	if err != nil {
		return err
	}
	previous := dom.ReplaceChildren(el, dom.ChildNodes(tree)...)
	p.Undo(func() {
		dom.ReplaceChildren(el, previous...)
	})
	return nil
}

// Undo registers fn to run when the preview ends. Undo functions run in
// reverse order.
func (p *Preview) Undo(fn func()) {
	p.undo = append(p.undo, fn)
}

func (p *Preview) revert() {
	for i := len(p.undo) - 1; i >= 0; i-- {
		p.undo[i]()
	}
	p.undo = nil
}

func (r *render) showPreview() {
	p := &Preview{Origin: r.opts.Origin, Layer: r.layer}
	if len(r.scope) > 0 {
		p.Fragment = r.scope[0]
	}
	p.AddClass(r.opts.Origin, "up-active")
	for _, el := range r.scope {
		p.AddClass(el, "up-loading")
	}
	if r.opts.Placeholder != "" {
		if err := p.ShowPlaceholder(p.Fragment, r.opts.Placeholder); err != nil {
			r.u.report(err)
		}
	}
	if r.opts.Preview != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.u.report(&PanicError{Value: v})
				}
			}()
			r.opts.Preview(p)
		}()
	}
	r.preview = p
}

func (r *render) hidePreview() {
	if r.preview == nil {
		return
	}
	r.preview.revert()
	r.preview = nil
}
