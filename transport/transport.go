// Package transport carries render requests to the server. The coordinator only
// depends on the Transport interface; HTTP and WebSocket implementations and
// response middleware live here.
package transport

import (
	"context"
	"net/http"
	"net/url"
)

// Protocol headers exchanged with the server.
const (
	HeaderVersion        = "X-Up-Version"
	HeaderTarget         = "X-Up-Target"
	HeaderFailTarget     = "X-Up-Fail-Target"
	HeaderMode           = "X-Up-Mode"
	HeaderFailMode       = "X-Up-Fail-Mode"
	HeaderContext        = "X-Up-Context"
	HeaderFailContext    = "X-Up-Fail-Context"
	HeaderValidate       = "X-Up-Validate"
	HeaderOriginMode     = "X-Up-Origin-Mode"
	HeaderEvents         = "X-Up-Events"
	HeaderLocation       = "X-Up-Location"
	HeaderTitle          = "X-Up-Title"
	HeaderMethod         = "X-Up-Method"
	HeaderAcceptLayer    = "X-Up-Accept-Layer"
	HeaderDismissLayer   = "X-Up-Dismiss-Layer"
	HeaderRequestID      = "X-Up-Request-Id"
	ProtocolVersion      = "3.0"
	DefaultContentType   = "application/x-www-form-urlencoded"
	websocketSubprotocol = "livelayer.v1"
)

// Request is one wire call.
type Request struct {
	ID     string
	Method string
	URL    string
	Header http.Header
	Params url.Values
}

// Response is what the server answered.
type Response struct {
	Status int
	Header http.Header
	Body   string
	// URL is the final location after redirects.
	URL    string
	Method string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Transport performs requests. Implementations must return promptly once ctx
// is canceled.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a transport.
type Middleware func(Transport) Transport

// Chain applies middleware so the first one is outermost.
func Chain(t Transport, mws ...Middleware) Transport {
	for i := len(mws) - 1; i >= 0; i-- {
		t = mws[i](t)
	}
	return t
}
