package livelayer

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/selector"
	"github.com/livefir/livelayer/transport"
)

// fakeServer answers wire calls from a handler and records them. Closing over
// a gate holds responses until the test releases them.
type fakeServer struct {
	mu       sync.Mutex
	requests []*transport.Request
	gate     chan struct{}
	handle   func(req *transport.Request) *transport.Response
}

func (s *fakeServer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	resp := s.handle(req)
	if resp.URL == "" {
		resp.URL = req.URL
	}
	if resp.Method == "" {
		resp.Method = req.Method
	}
	return resp, nil
}

func (s *fakeServer) Requests() []*transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Request(nil), s.requests...)
}

func respond(status int, body string, header ...string) *transport.Response {
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Set(header[i], header[i+1])
	}
	return &transport.Response{Status: status, Header: h, Body: body}
}

func serve(body string) *fakeServer {
	return &fakeServer{handle: func(*transport.Request) *transport.Response {
		return respond(http.StatusOK, body)
	}}
}

func newUp(t *testing.T, page string, srv transport.Transport, opts ...Option) *Up {
	t.Helper()
	base := []Option{WithLogger(log.New(io.Discard, "", 0))}
	if srv != nil {
		base = append(base, WithTransport(srv))
	}
	u, err := New(page, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(u.Close)
	return u
}

func do(t *testing.T, u *Up, fn func()) {
	t.Helper()
	require.NoError(t, u.Do(fn))
}

func wait(t *testing.T, job *Job) (*RenderResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "render did not settle")
	return res, err
}

func waitOutcome(t *testing.T, l *Layer) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := l.Outcome().Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "layer did not close")
	return v, err
}

// queryDoc matches sel against the whole page, across layers. Call on the loop.
func queryDoc(t *testing.T, u *Up, sel string) []*html.Node {
	t.Helper()
	matches, err := selector.NewCascadia().MatchAll(u.Document().Element(), sel)
	require.NoError(t, err)
	return matches
}

func text(t *testing.T, u *Up, sel string) string {
	t.Helper()
	var out string
	do(t, u, func() {
		matches := queryDoc(t, u, sel)
		require.Len(t, matches, 1, sel)
		out = dom.Text(matches[0])
	})
	return out
}

const page = `<!DOCTYPE html>
<html><head><title>Home</title></head>
<body>
<main>
<div class="a">old a</div>
<div class="b">old b</div>
</main>
<div class="errors">none</div>
</body></html>`

func TestOpenLayerIsSynchronous(t *testing.T) {
	u := newUp(t, page, nil)

	var job *Job
	var count int
	do(t, u, func() {
		job = u.OpenLayer(RenderOptions{Fragment: `<div class="x">hi</div>`})
		count = u.Count()
	})
	assert.Equal(t, 2, count)
	require.NotNil(t, job.Layer())

	res, err := wait(t, job)
	require.NoError(t, err)
	assert.Same(t, job.Layer(), res.Layer)

	do(t, u, func() {
		matches := queryDoc(t, u, ".x")
		require.Len(t, matches, 1)
		assert.True(t, dom.Contains(res.Layer.Element(), matches[0]))
		assert.True(t, res.Layer.IsOpen())
		assert.Equal(t, "open", res.Layer.State().String())
		assert.Same(t, res.Layer.Element(), u.ActiveElement())
	})
	assert.Equal(t, int64(1), u.Metrics().LayersOpened)
	assert.Equal(t, int64(1), u.Metrics().StackDepth)
}

func TestRenderSkipsTargetsMissingFromResponse(t *testing.T) {
	srv := serve(`<div class="a">new a</div>`)
	u := newUp(t, page, srv)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{URL: "/ab", Target: ".a, .b"})
	})
	res, err := wait(t, job)
	require.NoError(t, err)

	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "new a", dom.Text(res.Fragments[0]))
	assert.Equal(t, []string{".b"}, res.Missing)
	assert.Equal(t, "old b", text(t, u, ".b"))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ".a, .b", reqs[0].Header.Get(transport.HeaderTarget))
	assert.Equal(t, transport.ProtocolVersion, reqs[0].Header.Get(transport.HeaderVersion))
	assert.Equal(t, "root", reqs[0].Header.Get(transport.HeaderMode))
}

func TestRenderAllOrNothing(t *testing.T) {
	srv := serve(`<div class="b">new b</div>`)
	u := newUp(t, page, srv)

	var before string
	var job *Job
	do(t, u, func() {
		before = u.HTML()
		job = u.Render(RenderOptions{URL: "/a", Target: ".a, .b", All: true})
	})
	_, err := wait(t, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	var notFound *TargetNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.True(t, notFound.InSource)
	assert.Equal(t, []string{".a"}, notFound.Targets)

	do(t, u, func() {
		assert.Equal(t, before, u.HTML())
	})
}

func TestRenderFailTargetUpdatesAndRejects(t *testing.T) {
	srv := &fakeServer{handle: func(*transport.Request) *transport.Response {
		return respond(http.StatusUnprocessableEntity, `<div class="errors">name is taken</div>`)
	}}
	u := newUp(t, page, srv)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{URL: "/users", Method: "post", Target: ".a", FailTarget: ".errors"})
	})
	_, err := wait(t, job)

	var failed *RenderFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusUnprocessableEntity, failed.Status)
	require.NotNil(t, failed.Result)
	require.Len(t, failed.Result.Fragments, 1)
	assert.Equal(t, "name is taken", text(t, u, ".errors"))
	assert.Equal(t, "old a", text(t, u, ".a"))
	assert.Equal(t, ".errors", srv.Requests()[0].Header.Get(transport.HeaderFailTarget))
	assert.Equal(t, "POST", srv.Requests()[0].Method)
}

func TestRenderFallback(t *testing.T) {
	srv := serve(`<main><p class="notice">moved</p></main>`)
	u := newUp(t, page, srv)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{URL: "/x", Target: ".missing", Fallback: "main"})
	})
	res, err := wait(t, job)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Target)
	assert.Equal(t, "moved", text(t, u, ".notice"))
}

func TestRenderInvalidOptions(t *testing.T) {
	u := newUp(t, page, nil)

	tests := []struct {
		name string
		opts RenderOptions
	}{
		{"no source", RenderOptions{Target: ".a"}},
		{"two sources", RenderOptions{URL: "/a", Fragment: `<div class="a"></div>`}},
		{"bad method", RenderOptions{URL: "/a", Method: "BREW"}},
		{"bad abort", RenderOptions{URL: "/a", Abort: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var job *Job
			do(t, u, func() { job = u.Render(tt.opts) })
			_, err := wait(t, job)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestRenderContentAndFragment(t *testing.T) {
	u := newUp(t, page, nil)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{Target: ".a", Content: "<b>bold</b> a"})
	})
	res, err := wait(t, job)
	require.NoError(t, err)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "bold a", text(t, u, ".a"))

	do(t, u, func() {
		job = u.Render(RenderOptions{Fragment: `<div class="b">fresh b</div>`})
	})
	res, err = wait(t, job)
	require.NoError(t, err)
	assert.Equal(t, "fresh b", text(t, u, ".b"))
	assert.Equal(t, ".b", res.Target)
}

func TestAbortOverlappingRender(t *testing.T) {
	gate := make(chan struct{})
	srv := &fakeServer{gate: gate, handle: func(req *transport.Request) *transport.Response {
		return respond(http.StatusOK, `<div class="a">from `+req.URL+`</div>`)
	}}
	u := newUp(t, page, srv)

	var first, second *Job
	do(t, u, func() {
		first = u.Render(RenderOptions{URL: "/first", Target: ".a"})
		second = u.Render(RenderOptions{URL: "/second", Target: ".a"})

		_, err, ok := first.Result()
		assert.True(t, ok, "first render must reject before the second is sent")
		assert.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, "aborted", first.RequestState())
	})
	close(gate)

	_, err := wait(t, second)
	require.NoError(t, err)
	assert.Equal(t, "from /second", text(t, u, ".a"))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/second", reqs[0].URL)
	assert.Equal(t, int64(1), u.Metrics().RequestsAborted)
}

func TestAbortByCaller(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv := &fakeServer{gate: gate, handle: func(*transport.Request) *transport.Response {
		return respond(http.StatusOK, `<div class="b">b</div>`)
	}}
	u := newUp(t, page, srv)

	var job *Job
	var aborted int
	do(t, u, func() {
		job = u.Render(RenderOptions{URL: "/b", Target: ".b"})
		aborted = u.Abort(AbortOptions{Target: "main"})
	})
	assert.Equal(t, 1, aborted)
	_, err := wait(t, job)
	var ae *AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "aborted by caller", ae.Reason)
}

func TestFragmentLoadedCanBePrevented(t *testing.T) {
	u := newUp(t, page, serve(`<div class="a">new</div>`))

	var job *Job
	do(t, u, func() {
		u.On(EventFragmentLoaded, func(e *Event) error {
			e.PreventDefault()
			return nil
		})
		job = u.Render(RenderOptions{URL: "/a", Target: ".a"})
	})
	_, err := wait(t, job)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "old a", text(t, u, ".a"))
}

func TestServerEventsAndContext(t *testing.T) {
	srv := &fakeServer{handle: func(*transport.Request) *transport.Response {
		return respond(http.StatusOK, `<div class="a">saved</div>`,
			transport.HeaderEvents, `[{"type":"user:saved","id":7}]`,
			transport.HeaderContext, `{"step":2,"draft":null}`,
		)
	}}
	u := newUp(t, page, srv)

	var got []*Event
	var job *Job
	do(t, u, func() {
		u.CurrentLayer().Context["draft"] = true
		u.On("user:saved", func(e *Event) error {
			got = append(got, e)
			return nil
		})
		job = u.Render(RenderOptions{URL: "/save", Target: ".a"})
	})
	res, err := wait(t, job)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	do(t, u, func() {
		require.Len(t, got, 1)
		assert.Equal(t, float64(7), got[0].Props["id"])
		ctx := u.CurrentLayer().Context
		assert.Equal(t, float64(2), ctx["step"])
		assert.NotContains(t, ctx, "draft")
	})
}

func TestResponseCache(t *testing.T) {
	srv := serve(`<div class="a">cached</div>`)
	u := newUp(t, page, srv)

	for range 2 {
		var job *Job
		do(t, u, func() {
			job = u.Render(RenderOptions{URL: "/cached", Target: ".a", Cache: true})
		})
		_, err := wait(t, job)
		require.NoError(t, err)
	}
	assert.Len(t, srv.Requests(), 1)
	assert.Equal(t, int64(1), u.Metrics().CacheHits)
}

func TestResponsesAreCachedOnlyWhenAsked(t *testing.T) {
	srv := serve(`<div class="a">fresh</div>`)
	u := newUp(t, page, srv)

	for _, cache := range []bool{false, true, true} {
		var job *Job
		do(t, u, func() {
			job = u.Render(RenderOptions{URL: "/fresh", Target: ".a", Cache: cache})
		})
		_, err := wait(t, job)
		require.NoError(t, err)
	}
	assert.Len(t, srv.Requests(), 2, "an uncached render must not fill the cache")
	assert.Equal(t, int64(1), u.Metrics().CacheHits)
}

func TestHungryElementsFollowRenders(t *testing.T) {
	const hungryPage = `<html><body>
<div id="flash" up-hungry>nothing</div>
<main><div class="a">a</div></main>
</body></html>`
	srv := serve(`<div id="flash" up-hungry>saved!</div><div class="a">new a</div>`)
	u := newUp(t, hungryPage, srv)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{URL: "/a", Target: ".a"})
	})
	res, err := wait(t, job)
	require.NoError(t, err)
	assert.Len(t, res.Fragments, 1, "hungry updates are not reported as fragments")
	assert.Equal(t, "saved!", text(t, u, "#flash"))
}

func TestPreviewIsRevertedOnAbort(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv := &fakeServer{gate: gate, handle: func(*transport.Request) *transport.Response {
		return respond(http.StatusOK, `<div class="b">b</div>`)
	}}
	u := newUp(t, page, srv)

	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{
			URL:         "/b",
			Target:      ".b",
			Placeholder: `<span class="spinner">loading</span>`,
			Preview: func(p *Preview) {
				p.SetAttr(queryDoc(t, u, "main")[0], "aria-busy", "true")
			},
		})
	})
	assert.Equal(t, "loading", text(t, u, ".b"))
	do(t, u, func() {
		b := queryDoc(t, u, ".b")[0]
		assert.True(t, dom.HasClass(b, "up-loading"))
		assert.Equal(t, "true", dom.Attr(queryDoc(t, u, "main")[0], "aria-busy"))
		u.Abort(AbortOptions{Target: ".b"})
	})

	_, err := wait(t, job)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "old b", text(t, u, ".b"))
	do(t, u, func() {
		assert.False(t, dom.HasClass(queryDoc(t, u, ".b")[0], "up-loading"))
		assert.Empty(t, queryDoc(t, u, "main[aria-busy]"))
		assert.Empty(t, queryDoc(t, u, ".spinner"))
	})
}
