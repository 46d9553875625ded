// Package livelayer updates fragments of a server-rendered page and manages a
// stack of overlay layers above it.
//
// An Up owns one page. Renders fetch HTML from the server (or take it from the
// caller), swap the targeted fragments while preserving kept elements, run
// compilers over the new content and restore focus. Overlays open above the
// root page, each with its own context, history visibility and outcome.
//
// All coordinator state lives on a single loop goroutine. Methods other than
// Do, Close and Metrics must be called on it:
//
//	u.Do(func() {
//		job = u.Render(livelayer.RenderOptions{URL: "/users", Target: ".list"})
//	})
//	result, err := job.Wait(ctx)
package livelayer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/compiler"
	"github.com/livefir/livelayer/history"
	"github.com/livefir/livelayer/internal/cache"
	"github.com/livefir/livelayer/internal/config"
	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/fragment"
	"github.com/livefir/livelayer/internal/keep"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/internal/loop"
	"github.com/livefir/livelayer/internal/metrics"
	"github.com/livefir/livelayer/internal/plan"
	"github.com/livefir/livelayer/internal/preflight"
	"github.com/livefir/livelayer/transport"
)

type preflightRequest = preflight.Request

var overlaps = preflight.Overlaps

// Up coordinates fragment updates and layers for one page.
type Up struct {
	loop        *loop.Loop
	doc         *dom.Document
	config      *config.Config
	log         *log.Logger
	onError     func(error)
	events      *event.Emitter
	stack       *layer.Stack
	matcher     *fragment.Matcher
	builder     *plan.Builder
	queue       *preflight.Coordinator
	debounce    *preflight.Debouncer
	transport   transport.Transport
	history     history.History
	compiler    Compiler
	destructors *compiler.Set
	tracker     *keep.Tracker
	animator    Animator
	cache       *cache.Cache
	metrics     *metrics.Collector
	watchers    map[*html.Node][]*watcher

	// restoring suppresses history pushes while reacting to back/forward
	restoring   bool
	stopHistory func()
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
}

// New parses page and starts its coordinator. Call Close to stop it.
func New(page string, opts ...Option) (*Up, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	doc, err := dom.ParseString(page)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	u := &Up{
		loop:        loop.New(),
		doc:         doc,
		config:      s.config,
		log:         s.logger,
		onError:     s.onError,
		matcher:     fragment.New(s.engine),
		animator:    s.animator,
		destructors: compiler.NewSet(),
		metrics:     metrics.NewCollector(),
		watchers:    make(map[*html.Node][]*watcher),
		done:        make(chan struct{}),
	}
	if u.onError == nil {
		u.onError = func(err error) {
			u.log.Printf("LIVELAYER: unhandled error: %v", err)
		}
	}
	u.builder = plan.NewBuilder(u.matcher)
	u.events = event.NewEmitter(u.report)
	u.events.On(event.Wildcard, func(e *event.Event) error {
		u.metrics.IncrementCustomCounter(e.Type)
		return nil
	})
	u.tracker = keep.NewTracker(u.report)
	u.debounce = preflight.NewDebouncer(u.loop)

	mws := s.middleware
	if s.config.Sanitize {
		mws = append(mws, transport.Sanitize(nil))
	}
	u.transport = transport.Chain(s.transport, mws...)

	size, ttl := 0, s.config.Cache.TTL
	if s.config.Cache.Enabled {
		size = s.config.Cache.Size
	}
	if s.cacheSet {
		size, ttl = s.cacheSize, s.cacheTTL
	}
	if size > 0 {
		u.cache = cache.New(size, ttl)
	}

	u.compiler = s.compiler
	if u.compiler == nil {
		reg := compiler.NewRegistry(s.engine)
		u.registerBuiltins(reg)
		u.compiler = reg
	}

	u.history = s.history
	if u.history == nil {
		u.history = history.NewMemory(s.location)
	}

	u.stack = layer.NewStack(u.loop, doc, u.stackHooks(), u.log)
	u.stack.Root().Location = s.location
	u.queue = preflight.New(u.loop, u.transport, u.queueHooks(), u.log)

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go func() {
		defer close(u.done)
		u.loop.Run(ctx)
	}()

	u.stopHistory = u.history.OnChange(func(c history.Change) {
		u.loop.Post(func() { u.historyChanged(c) })
	})

	if err := u.loop.Call(func() {
		u.destructors.Add(u.compiler.Compile(doc.Body(), nil, u.report))
	}); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

// Close stops the loop. Pending renders stay unsettled.
func (u *Up) Close() {
	u.closeOnce.Do(func() {
		u.stopHistory()
		u.cancel()
		<-u.done
	})
}

// Do runs fn on the loop and waits for it and the microtasks it queued. It
// must not be called from the loop itself.
func (u *Up) Do(fn func()) error {
	return u.loop.Call(fn)
}

// Metrics is a snapshot of the coordinator's counters.
type Metrics = metrics.Counters

// Metrics returns the current counters. Safe from any goroutine.
func (u *Up) Metrics() Metrics {
	return u.metrics.Snapshot()
}

// EventCounts returns how often each event type was emitted.
func (u *Up) EventCounts() map[string]int64 {
	return u.metrics.GetCustomCounters()
}

// Document returns the page the coordinator mutates.
func (u *Up) Document() *dom.Document {
	return u.doc
}

// HTML renders the whole page.
func (u *Up) HTML() string {
	return u.doc.HTML()
}

// Body returns the page's <body>.
func (u *Up) Body() *html.Node {
	return u.doc.Body()
}

// Title returns the page title.
func (u *Up) Title() string {
	return u.doc.Title()
}

// ActiveElement returns the focused element, or <body>.
func (u *Up) ActiveElement() *html.Node {
	return u.doc.ActiveElement()
}

// Focus moves focus to el as if the user had clicked (pointer) or tabbed
// (keyboard) to it.
func (u *Up) Focus(el *html.Node, input Input) bool {
	return u.doc.Focus(el, input == InputKeyboard)
}

// Query returns the elements matching sel in l, or in the current layer when
// l is nil.
func (u *Up) Query(l *Layer, sel string) ([]*html.Node, error) {
	if l == nil {
		l = u.stack.Current()
	}
	return u.matcher.FindAll(fragmentQuery(l, nil), sel)
}

// Track registers enter and leave observers for a kept element. They fire when
// a render moves the element to a different position.
func (u *Up) Track(el *html.Node, enter, leave func(el, parent *html.Node) error) (untrack func()) {
	return u.tracker.Track(el, keep.Observer{Enter: enter, Leave: leave})
}

// report hands a callback failure to the error handler on a later task.
func (u *Up) report(err error) {
	if err == nil {
		return
	}
	u.metrics.CallbackError()
	u.loop.Post(func() { u.onError(err) })
}

// onLoop wraps fn so it runs once on the loop no matter which goroutine calls it.
func (u *Up) onLoop(fn func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() { u.loop.Post(fn) })
	}
}

func (u *Up) stackHooks() layer.Hooks {
	hooks := layer.Hooks{
		Events: u.events,
		Report: u.report,
		Destroy: func(n *html.Node) {
			u.destroy(n)
		},
		AbortRequests: func(l *Layer) {
			u.queue.AbortLayer(l, aborted("%s closed", l))
		},
		RestoreLocation: u.restoreLocation,
		Opened: func(*Layer, int) {
			u.metrics.LayerOpened()
		},
		Closed: func(*Layer, layer.CloseKind) {
			u.metrics.LayerClosed()
		},
	}
	if u.animator != nil {
		hooks.Animate = func(l *Layer, done func()) {
			u.animator.Animate(l.Element(), closingAnimation(l.Animation), u.onLoop(done))
		}
	}
	return hooks
}

func (u *Up) queueHooks() preflight.Hooks {
	return preflight.Hooks{
		Load: func(req *transport.Request, members []*preflight.Request) {
			u.metrics.RequestSent(len(members))
			ev := event.New(EventRequestLoad, map[string]any{"request": req, "members": len(members)})
			u.emitOn(members[0].Layer, ev)
		},
		Loaded: func(req *transport.Request, resp *transport.Response, err error) {
			ev := event.New(EventRequestLoaded, map[string]any{"request": req, "response": resp, "error": err})
			u.emitOn(nil, ev)
		},
		Aborted: func(r *preflight.Request, reason error) {
			u.metrics.RequestAborted()
			ev := event.New(EventRequestAborted, map[string]any{"url": r.URL, "method": r.Method, "reason": reason})
			u.emitOn(r.Layer, ev)
		},
	}
}

// destroy runs the destructors below n and drops everything tracked for it.
func (u *Up) destroy(n *html.Node) {
	u.destructors.Destroy(n, u.report)
	dom.Walk(n, func(el *html.Node) bool {
		u.tracker.Forget(el)
		if ws, ok := u.watchers[el]; ok {
			for _, w := range ws {
				u.debounce.Cancel(w)
			}
			delete(u.watchers, el)
		}
		return true
	})
}

// restoreLocation shows the location of the new front layer after an overlay
// with visible history closed.
func (u *Up) restoreLocation(closed, front *Layer) {
	if u.restoring || front.Location == "" {
		return
	}
	if u.history.Current() != front.Location {
		u.history.Push(front.Location)
	}
	if front.Title != "" {
		u.doc.SetTitle(front.Title)
	}
}

// historyChanged reacts to back and forward navigation: overlays above the
// layer that shows the new location are closed. When no layer shows it the
// root page is reloaded.
func (u *Up) historyChanged(c history.Change) {
	u.restoring = true
	defer func() { u.restoring = false }()

	layers := u.stack.All()
	target := u.stack.Root()
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].History && layers[i].Location == c.Location {
			target = layers[i]
			break
		}
	}
	if !target.IsFront() {
		if err := u.stack.Peel(target, layer.PeelOptions{}); err != nil {
			u.log.Printf("LIVELAYER: could not restore %s: %v", c.Location, err)
			return
		}
	}
	if target.Title != "" {
		u.doc.SetTitle(target.Title)
	}
	if target.IsRoot() && target.Location != c.Location {
		u.log.Printf("LIVELAYER: restoring %s", c.Location)
		no := false
		u.Render(RenderOptions{URL: c.Location, Target: plan.Main, Layer: layer.Of(target), History: &no, Location: c.Location})
	}
}

func fragmentQuery(l *Layer, origin *html.Node) fragment.Query {
	return fragment.Query{Scope: l, Origin: origin}
}

// closingAnimation reverses an opening animation name.
func closingAnimation(name string) string {
	switch {
	case name == "":
		return ""
	case strings.Contains(name, "-from-"):
		return strings.Replace(name, "-from-", "-to-", 1)
	case strings.HasSuffix(name, "-in"):
		return strings.TrimSuffix(name, "-in") + "-out"
	}
	return name
}
