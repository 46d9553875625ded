package livelayer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/config"
	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/internal/loop"
	"github.com/livefir/livelayer/internal/plan"
	"github.com/livefir/livelayer/internal/preflight"
	"github.com/livefir/livelayer/internal/selector"
)

// RenderOptions describe one fragment update. Exactly one of URL, Document,
// Fragment and Content must be set, except when opening an empty overlay.
type RenderOptions struct {
	// Target is a selector union. It may use :main, :layer, :none and
	// :origin, and the :maybe, :content, :before and :after suffixes.
	// Defaults to :main, or to a selector derived from Fragment.
	Target string
	// FailTarget is rendered when the server responds with an error status.
	FailTarget string
	// Fallback is rendered when the targets cannot be found.
	Fallback string
	// All fails the render when any target is missing from the response.
	// By default targets missing from the response are skipped.
	All bool

	URL      string
	Method   string
	Params   url.Values
	Headers  http.Header
	Document string
	Fragment string
	Content  string

	// Layer selects the layer to render into. NewLayer opens an overlay.
	Layer LayerRef
	// Base is the layer relative references and new overlays are based on.
	Base   LayerRef
	Origin *html.Node
	// Peel closes overlays above the target layer. Defaults to true.
	Peel       *bool
	PeelAccept bool

	// Options for new overlays. Unset fields use the mode's configured defaults.
	Mode           Mode
	History        *bool
	Context        map[string]any
	InheritContext bool
	Dismissable    []Dismissable
	Size           string
	Class          string
	Animation      string
	Conditions     Conditions

	// Focus is keep, target, layer, none or a selector.
	Focus      string
	Transition string
	Title      string
	// Location overrides the location recorded for the layer.
	Location string
	// Cache reads and writes the response cache for GET requests.
	Cache bool
	// Abort is target (default), layer, all or none: which older requests a
	// new render cancels.
	Abort string
	// Batch lets the request merge with queued requests for the same endpoint.
	Batch      bool
	SkipHungry bool
	// Validate names the fields of a validation request.
	Validate []string

	// Preview runs while the request loads. Its changes are undone before the
	// response is applied.
	Preview func(*Preview)
	// Placeholder is shown in the target while the request loads.
	Placeholder string
}

// RenderResult describes a finished render.
type RenderResult struct {
	// Fragments are the inserted elements, or the updated containers for
	// :content, :before and :after targets.
	Fragments []*html.Node
	Layer     *Layer
	Target    string
	// Missing lists targets skipped because the response lacked them.
	Missing  []string
	Status   int
	Location string
	Title    string
	// Closed is set when the layer closed instead of showing the response.
	Closed bool
	Events []*Event
}

// Job is a render in progress.
type Job struct {
	future  *loop.Future[*RenderResult]
	layer   *Layer
	request *preflight.Request
}

func newJob(l *loop.Loop) *Job {
	return &Job{future: loop.NewFuture[*RenderResult](l)}
}

// Layer returns the layer being rendered into. For OpenLayer it is the new
// overlay, available before the content arrives.
func (j *Job) Layer() *Layer { return j.layer }

// Wait blocks until the render settles or ctx is done. Must not be called on the loop.
func (j *Job) Wait(ctx context.Context) (*RenderResult, error) {
	return j.future.Wait(ctx)
}

// Result returns the outcome once settled.
func (j *Job) Result() (*RenderResult, error, bool) {
	return j.future.Result()
}

// Done is closed once the render settles.
func (j *Job) Done() <-chan struct{} { return j.future.Done() }

// Settled reports whether the render finished.
func (j *Job) Settled() bool { return j.future.Settled() }

// Then runs cb on the loop once the render settles.
func (j *Job) Then(cb func(*RenderResult, error)) { j.future.Then(cb) }

// RequestState returns the state of the render's server request: queued,
// loading, completed or aborted. Empty for renders without a request.
func (j *Job) RequestState() string {
	if j.request == nil {
		return ""
	}
	return j.request.State().String()
}

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceURL
	sourceDocument
	sourceFragment
	sourceContent
)

// Render starts a render and returns its job. Layer changes happen before
// Render returns: a new overlay is already on the stack, superseded requests
// are already aborted.
func (u *Up) Render(opts RenderOptions) *Job {
	r := &render{u: u, opts: opts, job: newJob(u.loop)}
	u.metrics.RenderStarted()
	r.job.Then(func(_ *RenderResult, err error) {
		if err != nil {
			u.metrics.RenderRejected()
			return
		}
		u.metrics.RenderFulfilled()
	})

	if err := r.prepare(); err != nil {
		r.fail(err)
		return r.job
	}
	r.start()
	return r.job
}

// OpenLayer opens an overlay with the given content. The job's Layer is on the
// stack when OpenLayer returns; the job rejects if the overlay closes before
// it finished opening.
func (u *Up) OpenLayer(opts RenderOptions) *Job {
	opts.Layer = NewLayer()
	return u.Render(opts)
}

// render is the state of one Render call.
type render struct {
	u    *Up
	opts RenderOptions
	job  *Job

	source     sourceKind
	sourceTree *html.Node
	target     string
	failTarget string
	method     string
	layer      *Layer
	opening    bool
	scope      []*html.Node
	preview    *Preview
	failed     bool

	// eventLayers holds the layers server events are addressed to.
	eventLayers map[*event.Event]layer.Ref
}

type renderCheck struct {
	Method string `yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Abort  string `yaml:"abort" validate:"omitempty,oneof=target layer all none"`
	Mode   string `yaml:"mode" validate:"omitempty,oneof=modal drawer popup cover"`
}

// prepare validates the options, resolves the layer and opens a new overlay.
// Everything here is synchronous.
func (r *render) prepare() error {
	u, opts := r.u, r.opts
	r.method = strings.ToUpper(cmp.Or(opts.Method, http.MethodGet))

	check := renderCheck{Method: r.method, Abort: opts.Abort, Mode: string(opts.Mode)}
	if err := config.Validator().Struct(check); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, config.FromValidation(err))
	}

	r.opening = opts.Layer.IsNew() || (opts.Layer.IsZero() && opts.Mode != "")

	var sources []sourceKind
	for kind, set := range map[sourceKind]bool{
		sourceURL:      opts.URL != "",
		sourceDocument: opts.Document != "",
		sourceFragment: opts.Fragment != "",
		sourceContent:  opts.Content != "",
	} {
		if set {
			sources = append(sources, kind)
		}
	}
	switch {
	case len(sources) == 1:
		r.source = sources[0]
	case len(sources) == 0 && r.opening:
		r.source = sourceContent
	default:
		return fmt.Errorf("%w: exactly one of URL, Document, Fragment or Content is required", ErrInvalidOptions)
	}

	if r.source == sourceFragment || r.source == sourceDocument {
		tree, err := dom.ParseFragment(opts.Fragment + opts.Document)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
		r.sourceTree = tree
	}

	r.target = opts.Target
	if r.target == "" && r.source == sourceFragment {
		first := dom.FirstElementChild(r.sourceTree)
		if first == nil {
			return fmt.Errorf("%w: fragment has no element", ErrInvalidOptions)
		}
		r.target = selector.Derive(first)
	}
	if r.target == "" {
		r.target = plan.Main
	}
	r.failTarget = cmp.Or(opts.FailTarget, u.config.FailTarget)

	base, err := r.base()
	if err != nil {
		return err
	}
	if r.opening {
		return r.open(base)
	}
	return r.resolveLayer(base)
}

func (r *render) base() (*Layer, error) {
	lookup := layer.LookupOptions{Origin: r.opts.Origin}
	if r.opts.Base.IsZero() {
		if r.opts.Origin != nil {
			if l := r.u.stack.Of(r.opts.Origin); l != nil {
				return l, nil
			}
		}
		return r.u.stack.Current(), nil
	}
	return r.u.stack.Get(r.opts.Base, lookup)
}

// open pushes the new overlay.
func (r *render) open(base *Layer) error {
	u, opts := r.u, r.opts
	mode := cmp.Or(opts.Mode, layer.ModeModal)
	defaults, err := u.config.LayerDefaults(string(mode))
	if err != nil {
		return err
	}

	oo := layer.OpenOptions{
		Base:           base,
		Mode:           mode,
		History:        defaults.History != nil && *defaults.History,
		Context:        opts.Context,
		InheritContext: opts.InheritContext,
		Dismissable:    opts.Dismissable,
		Origin:         opts.Origin,
		Conditions:     opts.Conditions,
		Size:           cmp.Or(opts.Size, defaults.Size),
		Class:          cmp.Or(opts.Class, defaults.Class),
		Animation:      cmp.Or(opts.Animation, defaults.Animation),
		PeelAccept:     opts.PeelAccept,
	}
	if opts.History != nil {
		oo.History = *opts.History
	}
	if oo.Dismissable == nil {
		for _, d := range defaults.Dismissable {
			oo.Dismissable = append(oo.Dismissable, layer.Dismissable(d))
		}
	}

	l, err := u.stack.Open(oo)
	if err != nil {
		return err
	}
	r.layer = l
	r.job.layer = l
	l.Outcome().Then(func(any, error) {
		if r.opening {
			r.fail(aborted("%s closed before it finished opening", l))
		}
	})
	return nil
}

// resolveLayer picks the first referenced layer that contains every required
// target, or the first referenced layer when none does.
func (r *render) resolveLayer(base *Layer) error {
	layers, err := r.u.stack.Resolve(r.opts.Layer, layer.LookupOptions{Base: base, Origin: r.opts.Origin})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if len(layers) == 0 {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, r.opts.Layer)
	}
	r.layer = layers[0]
	for _, l := range layers {
		if scope, ok := r.resolveScope(l); ok {
			r.layer, r.scope = l, scope
			break
		}
	}
	if r.scope == nil {
		r.scope, _ = r.resolveScope(r.layer)
	}
	r.job.layer = r.layer
	if !r.layer.IsOpen() {
		return ErrAlreadyClosing
	}
	return nil
}

// resolveScope finds the page elements the targets refer to in l. ok is false
// when a required target is missing.
func (r *render) resolveScope(l *Layer) (scope []*html.Node, ok bool) {
	ok = true
	for _, t := range plan.ParseTargets(r.target) {
		if t.Selector == plan.None {
			continue
		}
		old, err := r.findOld(l, t)
		if err != nil {
			if !t.Optional {
				ok = false
			}
			continue
		}
		scope = append(scope, old)
	}
	return scope, ok
}

// findOld resolves one target on the page.
func (r *render) findOld(l *Layer, t plan.Target) (*html.Node, error) {
	switch t.Selector {
	case plan.Layer:
		return l.Content(), nil
	case plan.Main:
		for _, sel := range r.u.config.MainTargets {
			if sel == plan.Layer {
				return l.Content(), nil
			}
			if el, err := r.u.matcher.FindBest(fragmentQuery(l, r.opts.Origin), sel); err == nil {
				return el, nil
			}
		}
		return nil, &TargetNotFoundError{Targets: []string{t.String()}}
	}
	return r.u.matcher.FindBest(fragmentQuery(l, r.opts.Origin), t.Selector)
}

// start aborts superseded requests and sends the request or schedules the
// local content for the next microtask.
func (r *render) start() {
	u := r.u
	if !r.opening {
		reason := aborted("superseded by a render of %s", r.target)
		switch r.opts.Abort {
		case "", "target":
			u.queue.AbortOverlapping(r.layer, r.scope, reason)
		case "layer":
			u.queue.AbortLayer(r.layer, reason)
		case "all":
			u.queue.Abort(func(*preflight.Request) bool { return true }, reason)
		}
	}

	if r.source != sourceURL {
		u.loop.Defer(func() { r.process(localResponse(), nil) })
		return
	}

	if r.opts.Cache && u.cache != nil {
		if resp, ok := u.cache.Get(r.method, r.opts.URL, r.target); ok {
			u.metrics.CacheHit()
			u.loop.Defer(func() { r.process(resp, nil) })
			return
		}
	}

	r.job.request = &preflight.Request{
		Method:   r.method,
		URL:      r.opts.URL,
		Layer:    r.layer,
		Targets:  []string{r.headerTarget(r.target)},
		Scope:    r.scope,
		Validate: r.opts.Validate,
		Header:   r.requestHeaders(),
		Params:   r.opts.Params,
		Batch:    r.opts.Batch && u.config.Batch,
		Done:     r.loaded,
	}
	r.showPreview()
	u.queue.Queue(r.job.request)
}

// headerTarget rewrites pseudo targets into selectors the server understands.
func (r *render) headerTarget(target string) string {
	parts := plan.ParseTargets(target)
	out := make([]string, 0, len(parts))
	for _, t := range parts {
		if t.Selector == plan.Main {
			t.Selector = r.mainSelector()
		}
		s := t.String()
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return plan.Union(out)
}

// mainSelector is the main target present in the layer, or the first one
// that is not a pseudo target.
func (r *render) mainSelector() string {
	var first string
	for _, sel := range r.u.config.MainTargets {
		if strings.HasPrefix(sel, ":") {
			continue
		}
		if first == "" {
			first = sel
		}
		if !r.opening {
			if _, err := r.u.matcher.FindBest(fragmentQuery(r.layer, r.opts.Origin), sel); err == nil {
				return sel
			}
		}
	}
	return cmp.Or(first, plan.Layer)
}

// fail rejects the job. A new overlay that never finished opening is removed.
func (r *render) fail(err error) {
	if !r.job.future.Reject(err) {
		return
	}
	r.hidePreview()
	if r.opening && r.layer != nil && r.layer.IsOpen() {
		if aerr := r.u.stack.Abort(r.layer, err); aerr != nil && !errors.Is(aerr, layer.ErrAlreadyClosing) {
			r.u.log.Printf("LIVELAYER: could not remove %s: %v", r.layer, aerr)
		}
	}
}
