// Package preflight tracks the server round-trips of every layer. It aborts
// requests superseded by newer renders, merges validation requests for the
// same endpoint into one wire call, and debounces field watchers.
package preflight

import (
	"context"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/internal/loop"
	"github.com/livefir/livelayer/transport"
)

// State is the lifecycle of a request.
type State int

const (
	StateQueued State = iota
	StateLoading
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateLoading:
		return "loading"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Request is one caller's interest in a server response. Several requests may
// share one wire call.
type Request struct {
	Method string
	URL    string
	Layer  *layer.Layer
	// Targets are joined into the target header of the wire call.
	Targets []string
	// Scope holds the elements the response will replace. Used to find
	// overlapping requests.
	Scope []*html.Node
	// Validate lists field names for a validation request.
	Validate []string
	Header   http.Header
	Params   map[string][]string
	// Batch allows merging with other queued requests for the same endpoint.
	Batch bool
	// Done is called on the loop exactly once, with the response or the error.
	Done func(*transport.Response, error)

	id      string
	state   State
	wire    *call
	batched bool
}

// ID returns the request id assigned by Queue.
func (r *Request) ID() string { return r.id }

// State returns the current state.
func (r *Request) State() State { return r.state }

// Batched reports whether the request shared its wire call with others.
func (r *Request) Batched() bool { return r.batched }

type key struct {
	method string
	url    string
	layer  *layer.Layer
}

// call is one wire round-trip.
type call struct {
	key     key
	members []*Request
	state   State
	// held calls wait for a loading call with the same key to finish.
	held   bool
	cancel context.CancelFunc
}

// Hooks observe the queue.
type Hooks struct {
	Load    func(req *transport.Request, members []*Request)
	Loaded  func(req *transport.Request, resp *transport.Response, err error)
	Aborted func(r *Request, reason error)
	Batched func(r *Request)
}

// Coordinator owns the queue. All methods must be called on the loop.
type Coordinator struct {
	loop      *loop.Loop
	transport transport.Transport
	hooks     Hooks
	log       *log.Logger
	calls     []*call
}

// New creates a coordinator sending through t.
func New(l *loop.Loop, t transport.Transport, hooks Hooks, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{loop: l, transport: t, hooks: hooks, log: logger}
}

// Queue registers r. The wire call leaves on the next microtask so requests
// queued in the same tick can be merged.
func (c *Coordinator) Queue(r *Request) {
	r.id = uuid.NewString()
	r.state = StateQueued
	r.Method = strings.ToUpper(r.Method)
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	k := key{method: r.Method, url: r.URL, layer: r.Layer}

	if r.Batch {
		if existing := c.find(k, StateQueued); existing != nil && batchable(existing) {
			existing.members = append(existing.members, r)
			r.wire = existing
			c.log.Printf("LIVELAYER: batched %s %s into pending request (%d members)", r.Method, r.URL, len(existing.members))
			if c.hooks.Batched != nil {
				c.hooks.Batched(r)
			}
			return
		}
	}

	cl := &call{key: k, members: []*Request{r}, state: StateQueued}
	r.wire = cl
	c.calls = append(c.calls, cl)
	if r.Batch && c.find(k, StateLoading) != nil {
		cl.held = true
		return
	}
	c.loop.Defer(func() { c.send(cl) })
}

func batchable(cl *call) bool {
	for _, m := range cl.members {
		if !m.Batch {
			return false
		}
	}
	return true
}

func (c *Coordinator) find(k key, state State) *call {
	for _, cl := range c.calls {
		if cl.key == k && cl.state == state {
			return cl
		}
	}
	return nil
}

func (c *Coordinator) send(cl *call) {
	if cl.state != StateQueued || len(cl.members) == 0 {
		return
	}
	cl.state = StateLoading
	for _, m := range cl.members {
		m.state = StateLoading
		m.batched = len(cl.members) > 1
	}
	wire := c.wireRequest(cl)
	ctx, cancel := context.WithCancel(context.Background())
	cl.cancel = cancel

	if c.hooks.Load != nil {
		c.hooks.Load(wire, slices.Clone(cl.members))
	}
	go func() {
		resp, err := c.transport.Do(ctx, wire)
		c.loop.Post(func() { c.complete(cl, wire, resp, err) })
	}()
}

// wireRequest merges the members of cl. The newest member's parameters win
// since they carry the latest form state.
func (c *Coordinator) wireRequest(cl *call) *transport.Request {
	last := cl.members[len(cl.members)-1]
	header := http.Header{}
	for k, vs := range last.Header {
		header[k] = slices.Clone(vs)
	}

	var targets, names []string
	for _, m := range cl.members {
		for _, t := range m.Targets {
			if !slices.Contains(targets, t) {
				targets = append(targets, t)
			}
		}
		for _, n := range m.Validate {
			if !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
	}
	if len(targets) > 0 {
		header.Set(transport.HeaderTarget, strings.Join(targets, ", "))
	}
	if len(names) > 0 {
		header.Set(transport.HeaderValidate, strings.Join(names, " "))
	}
	header.Set(transport.HeaderVersion, transport.ProtocolVersion)

	id := last.id
	header.Set(transport.HeaderRequestID, id)
	return &transport.Request{
		ID:     id,
		Method: cl.key.method,
		URL:    cl.key.url,
		Header: header,
		Params: last.Params,
	}
}

func (c *Coordinator) complete(cl *call, wire *transport.Request, resp *transport.Response, err error) {
	if cl.state != StateLoading {
		return
	}
	cl.state = StateCompleted
	cl.cancel()
	c.remove(cl)

	members := cl.members
	for _, m := range members {
		m.state = StateCompleted
	}
	if c.hooks.Loaded != nil {
		c.hooks.Loaded(wire, resp, err)
	}
	for _, m := range members {
		if m.Done != nil {
			m.Done(resp, err)
		}
	}
	c.flush(cl.key)
}

// flush releases calls that waited for a loading call with key k.
func (c *Coordinator) flush(k key) {
	for _, cl := range c.calls {
		if cl.key == k && cl.held && cl.state == StateQueued {
			cl.held = false
			c.loop.Defer(func() { c.send(cl) })
		}
	}
}

func (c *Coordinator) remove(cl *call) {
	c.calls = slices.DeleteFunc(c.calls, func(x *call) bool { return x == cl })
}

// Abort rejects every queued or loading request matching pred with reason.
// States flip and Done callbacks run before Abort returns. A wire call is
// canceled once all of its members are aborted. It returns the number of
// aborted requests.
func (c *Coordinator) Abort(pred func(*Request) bool, reason error) int {
	var aborted []*Request
	for _, cl := range slices.Clone(c.calls) {
		kept := cl.members[:0]
		for _, m := range cl.members {
			if pred(m) {
				m.state = StateAborted
				aborted = append(aborted, m)
			} else {
				kept = append(kept, m)
			}
		}
		cl.members = kept
		if len(kept) > 0 {
			continue
		}
		wasLoading := cl.state == StateLoading
		cl.state = StateAborted
		if cl.cancel != nil {
			cl.cancel()
		}
		c.remove(cl)
		if wasLoading {
			c.flush(cl.key)
		}
	}

	for _, m := range aborted {
		c.log.Printf("LIVELAYER: aborted %s %s: %v", m.Method, m.URL, reason)
		if c.hooks.Aborted != nil {
			c.hooks.Aborted(m, reason)
		}
		if m.Done != nil {
			m.Done(nil, reason)
		}
	}
	return len(aborted)
}

// AbortLayer aborts the requests of l and of every layer stacked above it.
func (c *Coordinator) AbortLayer(l *layer.Layer, reason error) int {
	return c.Abort(func(r *Request) bool {
		return r.Layer == l || l.Contains(r.Layer)
	}, reason)
}

// AbortOverlapping aborts requests in l whose scope overlaps scope.
func (c *Coordinator) AbortOverlapping(l *layer.Layer, scope []*html.Node, reason error) int {
	return c.Abort(func(r *Request) bool {
		return r.Layer == l && Overlaps(r.Scope, scope)
	}, reason)
}

// Overlaps reports whether any element of a contains or is contained by any
// element of b.
func Overlaps(a, b []*html.Node) bool {
	for _, x := range a {
		for _, y := range b {
			if dom.Contains(x, y) || dom.Contains(y, x) {
				return true
			}
		}
	}
	return false
}

// Pending returns the requests that are queued or loading.
func (c *Coordinator) Pending() []*Request {
	var out []*Request
	for _, cl := range c.calls {
		out = append(out, cl.members...)
	}
	return out
}

