package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set(HeaderTitle, "Echo")
		fmt.Fprintf(w, "<p>%s %s target=%s</p>", r.Method, r.Form.Get("q"), r.Header.Get(HeaderTarget))
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/echo?q=moved", http.StatusSeeOther)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<p>not here</p>", http.StatusNotFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDo(t *testing.T) {
	srv := echoServer(t)
	h := NewHTTP(srv.Client())

	tests := []struct {
		name       string
		req        Request
		wantStatus int
		wantBody   string
		wantMethod string
	}{
		{
			name:       "get with params",
			req:        Request{Method: "get", URL: srv.URL + "/echo", Params: url.Values{"q": {"go"}}, Header: http.Header{HeaderTarget: {".a"}}},
			wantStatus: http.StatusOK,
			wantBody:   "<p>GET go target=.a</p>",
			wantMethod: http.MethodGet,
		},
		{
			name:       "post form",
			req:        Request{Method: http.MethodPost, URL: srv.URL + "/echo", Params: url.Values{"q": {"form"}}},
			wantStatus: http.StatusOK,
			wantBody:   "<p>POST form target=</p>",
			wantMethod: http.MethodPost,
		},
		{
			name:       "redirected post becomes get",
			req:        Request{Method: http.MethodPost, URL: srv.URL + "/redirect"},
			wantStatus: http.StatusOK,
			wantBody:   "<p>GET moved target=</p>",
			wantMethod: http.MethodGet,
		},
		{
			name:       "error status is not an error",
			req:        Request{URL: srv.URL + "/missing"},
			wantStatus: http.StatusNotFound,
			wantBody:   "<p>not here</p>\n",
			wantMethod: http.MethodGet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.Do(context.Background(), &tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantBody, resp.Body)
			assert.Equal(t, tt.wantMethod, resp.Method)
		})
	}
}

func TestHTTPRedirectReportsFinalURL(t *testing.T) {
	srv := echoServer(t)
	resp, err := NewHTTP(srv.Client()).Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/redirect"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/echo?q=moved", resp.URL)
	assert.Equal(t, "Echo", resp.Header.Get(HeaderTitle))
}

func TestHTTPCancel(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTP(srv.Client()).Do(ctx, &Request{URL: srv.URL + "/slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketBridgeRoundTrip(t *testing.T) {
	upstream := echoServer(t)
	bridge := httptest.NewServer(NewWebSocketBridge(NewHTTP(upstream.Client())))
	t.Cleanup(bridge.Close)

	ctx := context.Background()
	ws, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(bridge.URL, "http"))
	require.NoError(t, err)
	defer ws.Close()

	results := make(chan string, 3)
	for _, q := range []string{"one", "two", "three"} {
		go func(q string) {
			resp, err := ws.Do(ctx, &Request{Method: http.MethodGet, URL: upstream.URL + "/echo", Params: url.Values{"q": {q}}})
			if err != nil {
				results <- err.Error()
				return
			}
			results <- resp.Body
		}(q)
	}
	var bodies []string
	for range 3 {
		bodies = append(bodies, <-results)
	}
	assert.ElementsMatch(t, []string{
		"<p>GET one target=</p>",
		"<p>GET two target=</p>",
		"<p>GET three target=</p>",
	}, bodies)
}

func TestWebSocketCancel(t *testing.T) {
	upstream := echoServer(t)
	bridge := httptest.NewServer(NewWebSocketBridge(NewHTTP(upstream.Client())))
	t.Cleanup(bridge.Close)

	ws, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(bridge.URL, "http"))
	require.NoError(t, err)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ws.Do(ctx, &Request{Method: http.MethodGet, URL: upstream.URL + "/slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridgeRejectsPlainHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	NewWebSocketBridge(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestSanitize(t *testing.T) {
	raw := Func(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: 200, Body: req.URL}, nil
	})
	tr := Chain(raw, Sanitize(nil))

	resp, err := tr.Do(context.Background(), &Request{URL: `<div class="a" up-keep onclick="steal()">hi<script>alert(1)</script></div>`})
	require.NoError(t, err)
	assert.NotContains(t, resp.Body, "script")
	assert.NotContains(t, resp.Body, "onclick")
	assert.Contains(t, resp.Body, `class="a"`)
	assert.Contains(t, resp.Body, "up-keep")

	resp, err = tr.Do(context.Background(), &Request{URL: `<!DOCTYPE html><html><head><title>T &amp; C</title><script>x()</script></head><body><main><form><input name="q" required></form></main></body></html>`})
	require.NoError(t, err)
	assert.Contains(t, resp.Body, "<title>T &amp; C</title>")
	assert.Contains(t, resp.Body, `<input name="q"`)
	assert.NotContains(t, resp.Body, "x()")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Transport) Transport {
			return Func(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next.Do(ctx, req)
			})
		}
	}
	base := Func(func(ctx context.Context, req *Request) (*Response, error) {
		order = append(order, "base")
		return &Response{Status: 204}, nil
	})
	resp, err := Chain(base, mw("outer"), mw("inner")).Do(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}
