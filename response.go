package livelayer

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/fragment"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/internal/plan"
	"github.com/livefir/livelayer/internal/selector"
	"github.com/livefir/livelayer/transport"
)

func localResponse() *transport.Response {
	return &transport.Response{Status: http.StatusOK, Header: http.Header{}}
}

// loaded receives the outcome of the render's request.
func (r *render) loaded(resp *transport.Response, err error) {
	if err != nil {
		var ae *AbortError
		if !errors.As(err, &ae) {
			err = &NetworkError{Method: r.method, URL: r.opts.URL, Err: err}
		}
		r.fail(err)
		return
	}
	if r.u.cache != nil {
		store := r.opts.Cache && r.job.request != nil && !r.job.request.Batched()
		r.u.cache.Observe(r.method, r.opts.URL, r.target, resp, store)
	}
	r.process(resp, nil)
}

// process applies a response. It runs on the loop after the request finished,
// or on the next microtask for local content.
func (r *render) process(resp *transport.Response, _ error) {
	if r.job.Settled() {
		return
	}
	r.hidePreview()
	u := r.u

	target := r.target
	if !resp.OK() {
		r.failed = true
		target = r.failTarget
		if r.opening {
			// a failed response never opens the overlay; its parent shows the error
			parent := r.layer.Parent()
			r.opening = false
			if err := u.stack.Abort(r.layer, &RenderFailedError{Status: resp.Status}); err != nil && !errors.Is(err, layer.ErrAlreadyClosing) {
				r.fail(err)
				return
			}
			r.layer = parent
			r.job.layer = parent
		}
	}
	if !r.layer.IsOpen() {
		r.fail(aborted("%s closed while loading", r.layer))
		return
	}

	h := resp.Header
	if h == nil {
		h = http.Header{}
	}
	if t := h.Get(transport.HeaderTarget); t != "" {
		target = t
	}
	if patch, err := serverContext(h); err != nil {
		u.report(err)
	} else if patch != nil {
		r.layer.MergeContext(patch)
	}
	events, refs, err := serverEvents(h)
	r.eventLayers = refs
	if err != nil {
		u.report(err)
	}

	if r.closeInstead(h, events) {
		return
	}

	loadedEv := event.NewCancelable(EventFragmentLoaded, map[string]any{
		"response": resp,
		"target":   target,
		"layer":    r.layer,
	})
	if !u.emitOn(r.layer, loadedEv) {
		r.fail(aborted("%s was prevented", EventFragmentLoaded))
		return
	}

	location := r.location(resp)
	if !r.failed && !r.opening && r.layer.IsOverlay() && location != "" {
		if kind, value, ok := r.layer.Conditions.LocationOutcome(location); ok {
			r.closeWith(kind, value, events, nil)
			return
		}
	}

	source, err := r.parseSource(resp)
	if err != nil {
		r.fail(err)
		return
	}
	title := cmp.Or(r.opts.Title, h.Get(transport.HeaderTitle), sourceTitle(source))

	p, target, err := r.plan(target, source)
	if err != nil {
		r.fail(err)
		return
	}

	if !r.failed && !r.opening && r.layer.IsOverlay() {
		if kind, el, ok := r.selectorOutcome(p); ok {
			r.closeWith(kind, el, events, func() { r.grabHungry(source) })
			return
		}
	}

	if !r.opening && !r.layer.IsFront() && (r.opts.Peel == nil || *r.opts.Peel) {
		if err := u.stack.Peel(r.layer, layer.PeelOptions{Accept: r.opts.PeelAccept}); err != nil {
			r.fail(err)
			return
		}
	}

	res := &RenderResult{
		Layer:   r.layer,
		Target:  target,
		Missing: p.Missing,
		Status:  resp.Status,
		Title:   title,
		Events:  events,
	}
	r.swap(p, res, func() {
		r.finish(res, location, events)
	})
}

// closeInstead handles X-Up-Accept-Layer and X-Up-Dismiss-Layer. The root
// layer cannot be closed, so the headers are ignored when rendering there.
func (r *render) closeInstead(h http.Header, events []*event.Event) bool {
	kind := layer.CloseAccept
	value, ok := jsonHeader(h, transport.HeaderAcceptLayer)
	if !ok {
		kind = layer.CloseDismiss
		value, ok = jsonHeader(h, transport.HeaderDismissLayer)
	}
	if !ok {
		return false
	}
	if r.layer.IsRoot() {
		r.u.log.Printf("LIVELAYER: ignoring %s response for the root layer", kind)
		return false
	}
	r.closeWith(kind, value, events, nil)
	return true
}

// closeWith closes the render's layer instead of swapping. A render that was
// opening the layer rejects; a render into an existing overlay resolves with
// Closed set. after runs once the layer is gone.
func (r *render) closeWith(kind layer.CloseKind, value any, events []*event.Event, after func()) {
	u, l := r.u, r.layer
	r.emitServerEvents(events)
	wasOpening := r.opening
	r.opening = false
	if err := u.closeLayer(l, kind, value, layer.CloseOptions{Force: true}); err != nil {
		u.log.Printf("LIVELAYER: could not close %s: %v", l, err)
	}
	if after != nil {
		after()
	}
	if wasOpening {
		r.fail(aborted("%s closed by the server before it opened", l))
		return
	}
	r.job.future.Resolve(&RenderResult{
		Layer:  l,
		Target: r.target,
		Closed: true,
		Events: events,
	})
}

// location is the address the layer shows after the render.
func (r *render) location(resp *transport.Response) string {
	if r.opts.Location != "" {
		return r.opts.Location
	}
	if r.source != sourceURL {
		return ""
	}
	if loc := resp.Header.Get(transport.HeaderLocation); loc != "" {
		return loc
	}
	if r.method != http.MethodGet && resp.URL == "" {
		return ""
	}
	return cmp.Or(resp.URL, r.opts.URL)
}

func (r *render) parseSource(resp *transport.Response) (*html.Node, error) {
	switch r.source {
	case sourceURL:
		tree, err := dom.ParseFragment(resp.Body)
		if err != nil {
			return nil, err
		}
		return tree, nil
	case sourceContent:
		tree, err := dom.ParseFragment(r.opts.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
		return tree, nil
	}
	return r.sourceTree, nil
}

func sourceTitle(source *html.Node) string {
	var title string
	dom.Walk(source, func(n *html.Node) bool {
		if title != "" {
			return false
		}
		if n.DataAtom == atom.Title {
			title = strings.TrimSpace(dom.Text(n))
			return false
		}
		return n.DataAtom != atom.Body
	})
	return title
}

// plan builds the swap plan, retrying once with the fallback target.
func (r *render) plan(target string, source *html.Node) (*plan.Plan, string, error) {
	if r.source == sourceContent {
		p, err := r.contentPlan(target, source)
		return p, target, err
	}

	build := func(target string) (*plan.Plan, error) {
		req := plan.Request{
			Target:       target,
			Layer:        r.layer,
			LayerContent: r.layer.Content(),
			Opening:      r.opening,
			Origin:       r.opts.Origin,
			Source:       source,
			All:          r.opts.All,
			MainTargets:  r.u.config.MainTargets,
			Transition:   r.opts.Transition,
		}
		if !r.opts.SkipHungry {
			req.Hungry = r.u.hungry(r.layer)
		}
		return r.u.builder.Build(req)
	}

	p, err := build(target)
	fallback := cmp.Or(r.opts.Fallback, r.u.config.Fallback)
	var missing *plan.MissingError
	if errors.As(err, &missing) && fallback != "" && fallback != target {
		r.u.log.Printf("LIVELAYER: %v, falling back to %s", err, fallback)
		target = fallback
		p, err = build(target)
	}
	if errors.As(err, &missing) {
		return nil, target, &TargetNotFoundError{Targets: missing.Targets, InSource: missing.InSource}
	}
	if err != nil {
		return nil, target, err
	}
	return p, target, nil
}

// contentPlan fills every target with the given content.
func (r *render) contentPlan(target string, source *html.Node) (*plan.Plan, error) {
	if r.opening {
		return &plan.Plan{Steps: []plan.Step{{
			Selector:  plan.Layer,
			Old:       r.layer.Content(),
			New:       source,
			Placement: plan.PlacementContent,
			Fragment:  r.layer.Content(),
		}}}, nil
	}
	p := &plan.Plan{}
	var missing []string
	for i, t := range plan.ParseTargets(target) {
		if t.Selector == plan.None {
			continue
		}
		old, err := r.findOld(r.layer, t)
		if err != nil {
			if !t.Optional {
				missing = append(missing, t.String())
			}
			continue
		}
		fresh := source
		if i > 0 {
			// every target gets its own copy of the content
			if fresh, err = r.parseSource(localResponse()); err != nil {
				return nil, err
			}
		}
		p.Steps = append(p.Steps, plan.Step{
			Selector:   t.String(),
			Old:        old,
			New:        fresh,
			Placement:  plan.PlacementContent,
			Transition: r.opts.Transition,
			Fragment:   old,
		})
	}
	if len(missing) > 0 {
		return nil, &TargetNotFoundError{Targets: missing}
	}
	if len(p.Steps) == 0 {
		p.None = true
	}
	return p, nil
}

// hungry collects the hungry elements of every layer that accept an update
// from a render on target. An element without up-if-layer only follows
// renders on its own layer.
func (u *Up) hungry(target *Layer) []*html.Node {
	attr := u.config.HungryAttribute
	var out []*html.Node
	for _, l := range u.stack.All() {
		if l.IsClosed() || !u.doc.Attached(l.Element()) {
			continue
		}
		els, err := u.matcher.FindAll(fragmentQuery(l, nil), "["+attr+"]")
		if err != nil {
			if !errors.Is(err, fragment.ErrNotFound) {
				u.report(err)
			}
			continue
		}
		for _, h := range els {
			if u.hungryFor(h, l, target) {
				out = append(out, h)
			}
		}
	}
	return out
}

func (u *Up) hungryFor(h *html.Node, owner, target *Layer) bool {
	ref := strings.TrimSpace(dom.Attr(h, "up-if-layer"))
	if ref == "" {
		return owner == target
	}
	layers, err := u.stack.Resolve(layer.ParseRef(ref), layer.LookupOptions{Base: owner})
	if err != nil {
		u.log.Printf("LIVELAYER: up-if-layer on %s: %v", selector.Derive(h), err)
		return false
	}
	return slices.Contains(layers, target)
}

// selectorOutcome looks for the layer's accept or dismiss selector in the new
// content. The matching element becomes the close value.
func (r *render) selectorOutcome(p *plan.Plan) (layer.CloseKind, *html.Node, bool) {
	c := r.layer.Conditions
	for _, cond := range []struct {
		kind layer.CloseKind
		sel  string
	}{
		{layer.CloseAccept, c.AcceptSelector},
		{layer.CloseDismiss, c.DismissSelector},
	} {
		if cond.sel == "" {
			continue
		}
		for _, step := range p.Steps {
			if step.New == nil {
				continue
			}
			if el, err := r.u.matcher.FindFirst(fragment.Query{Root: step.New}, cond.sel); err == nil {
				return cond.kind, el, true
			}
		}
	}
	return "", nil, false
}

// grabHungry lets hungry elements that follow the remaining front layer take
// their match from a response that closed its layer.
func (r *render) grabHungry(source *html.Node) {
	u := r.u
	front := u.stack.Front()
	hungry := u.hungry(front)
	grab := &plan.Plan{}
	for _, h := range hungry {
		sel := selector.Derive(h)
		fresh, err := u.matcher.FindFirst(fragment.Query{Root: source}, sel)
		if err != nil {
			continue
		}
		grab.Steps = append(grab.Steps, plan.Step{
			Selector:  sel,
			Old:       h,
			New:       fresh,
			Placement: plan.PlacementSwap,
			Hungry:    true,
			Fragment:  fresh,
		})
	}
	if len(grab.Steps) == 0 {
		return
	}
	hr := &render{u: u, opts: RenderOptions{Focus: "keep"}, job: newJob(u.loop), layer: front}
	hr.swap(grab, &RenderResult{Layer: front}, func() {})
}

// finish runs after the swap: server events, location, history, then the
// opening animation.
func (r *render) finish(res *RenderResult, location string, events []*event.Event) {
	u, l := r.u, r.layer
	r.emitServerEvents(events)
	if l.IsClosed() || l.State() == layer.StateClosing {
		if r.opening {
			// the outcome callback rejects the job
			return
		}
		res.Closed = true
		r.settle(res)
		return
	}

	if !r.failed {
		push := r.pushHistory(location)
		if push || r.opening || r.opts.Location != "" {
			u.stack.SetLocation(l, location)
			res.Location = l.Location
		}
		if push {
			if res.Title != "" {
				l.Title = res.Title
				u.doc.SetTitle(res.Title)
			}
			if !u.restoring && u.history.Current() != location {
				u.history.Push(location)
			}
		}
	}

	if !r.opening {
		r.settle(res)
		return
	}
	opened := func() {
		if !r.opening {
			return
		}
		r.opening = false
		u.stack.MarkOpened(l)
		r.settle(res)
	}
	if u.animator != nil && l.Animation != "" {
		u.animator.Animate(l.Element(), l.Animation, u.onLoop(opened))
		return
	}
	opened()
}

// emitServerEvents emits each server event on the layer it names, or on the
// rendered layer. Events naming a layer that is not open are dropped.
func (r *render) emitServerEvents(events []*event.Event) {
	for _, ev := range events {
		l := r.layer
		if ref, ok := r.eventLayers[ev]; ok {
			target, err := r.u.stack.Get(ref, layer.LookupOptions{Base: r.layer, Origin: r.opts.Origin})
			if err != nil {
				r.u.log.Printf("LIVELAYER: dropping %s: %v", ev.Type, err)
				continue
			}
			l = target
		}
		r.u.emitOn(l, ev)
	}
}

// pushHistory decides whether the render adds a history entry.
func (r *render) pushHistory(location string) bool {
	if location == "" || !r.layer.History {
		return false
	}
	if r.opening {
		return r.opts.History == nil || *r.opts.History
	}
	if r.opts.History != nil {
		return *r.opts.History
	}
	return r.source == sourceURL && r.layer.IsFront() && targetsMain(r.target)
}

func targetsMain(target string) bool {
	for _, t := range plan.ParseTargets(target) {
		if t.Selector == plan.Main || t.Selector == plan.Layer {
			return true
		}
	}
	return false
}

func (r *render) settle(res *RenderResult) {
	if r.failed {
		r.job.future.Reject(&RenderFailedError{Status: res.Status, Result: res})
		return
	}
	r.job.future.Resolve(res)
}
