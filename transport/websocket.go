package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned for requests pending when the socket closes.
var ErrConnectionClosed = errors.New("websocket connection closed")

// frame is the JSON message exchanged over the socket. Requests carry Method
// and URL, responses carry Status, Cancel aborts a pending request.
type frame struct {
	ID     string      `json:"id"`
	Method string      `json:"method,omitempty"`
	URL    string      `json:"url,omitempty"`
	Header http.Header `json:"header,omitempty"`
	Params url.Values  `json:"params,omitempty"`
	Status int         `json:"status,omitempty"`
	Body   string      `json:"body,omitempty"`
	Error  string      `json:"error,omitempty"`
	Cancel bool        `json:"cancel,omitempty"`
}

// WebSocket multiplexes requests over one connection.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
	done    chan struct{}
}

// DialWebSocket connects to a bridge endpoint.
func DialWebSocket(ctx context.Context, endpoint string) (*WebSocket, error) {
	dialer := websocket.Dialer{Subprotocols: []string{websocketSubprotocol}}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	ws := &WebSocket{
		conn:    conn,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
	go ws.readLoop()
	return ws, nil
}

func (ws *WebSocket) readLoop() {
	defer ws.shutdown()
	for {
		var f frame
		if err := ws.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("TRANSPORT: websocket read failed: %v", err)
			}
			return
		}
		ws.mu.Lock()
		ch, ok := ws.pending[f.ID]
		delete(ws.pending, f.ID)
		ws.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (ws *WebSocket) shutdown() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}
	ws.closed = true
	close(ws.done)
	for id, ch := range ws.pending {
		close(ch)
		delete(ws.pending, id)
	}
}

func (ws *WebSocket) write(f frame) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.conn.WriteJSON(f)
}

// Do sends req and waits for the matching response frame.
func (ws *WebSocket) Do(ctx context.Context, req *Request) (*Response, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ch := make(chan frame, 1)

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	ws.pending[id] = ch
	ws.mu.Unlock()

	err := ws.write(frame{ID: id, Method: req.Method, URL: req.URL, Header: req.Header, Params: req.Params})
	if err != nil {
		ws.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if f.Error != "" {
			return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL, f.Error)
		}
		return &Response{Status: f.Status, Header: f.Header, Body: f.Body, URL: f.URL, Method: f.Method}, nil
	case <-ctx.Done():
		ws.forget(id)
		_ = ws.write(frame{ID: id, Cancel: true})
		return nil, ctx.Err()
	}
}

func (ws *WebSocket) forget(id string) {
	ws.mu.Lock()
	delete(ws.pending, id)
	ws.mu.Unlock()
}

// Close closes the connection and fails pending requests.
func (ws *WebSocket) Close() error {
	ws.writeMu.Lock()
	_ = ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.writeMu.Unlock()
	err := ws.conn.Close()
	<-ws.done
	return err
}

// BridgeOption configures NewWebSocketBridge.
type BridgeOption func(*bridge)

// WithUpgrader replaces the default upgrader, which accepts any origin.
func WithUpgrader(u *websocket.Upgrader) BridgeOption {
	return func(b *bridge) { b.upgrader = u }
}

// WithBridgeLogger sets the logger for connection events.
func WithBridgeLogger(l *log.Logger) BridgeOption {
	return func(b *bridge) { b.log = l }
}

type bridge struct {
	upstream Transport
	upgrader *websocket.Upgrader
	log      *log.Logger
}

// NewWebSocketBridge serves WebSocket clients by forwarding each request frame
// to upstream. Requests on one connection run concurrently and can be
// canceled by the client.
func NewWebSocketBridge(upstream Transport, opts ...BridgeOption) http.Handler {
	b := &bridge{
		upstream: upstream,
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{websocketSubprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		log: log.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Printf("TRANSPORT: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	b.log.Printf("TRANSPORT: bridge client connected from %s", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		writeMu  sync.Mutex
		mu       sync.Mutex
		inflight = make(map[string]context.CancelFunc)
		wg       sync.WaitGroup
	)
	defer wg.Wait()

	reply := func(f frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(f); err != nil {
			b.log.Printf("TRANSPORT: failed to write response %s: %v", f.ID, err)
		}
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Printf("TRANSPORT: websocket error: %v", err)
			}
			cancel()
			return
		}
		if f.Cancel {
			mu.Lock()
			if stop, ok := inflight[f.ID]; ok {
				stop()
			}
			mu.Unlock()
			continue
		}

		reqCtx, stop := context.WithCancel(ctx)
		mu.Lock()
		inflight[f.ID] = stop
		mu.Unlock()

		wg.Add(1)
		go func(f frame) {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(inflight, f.ID)
				mu.Unlock()
				stop()
			}()

			resp, err := b.upstream.Do(reqCtx, &Request{ID: f.ID, Method: f.Method, URL: f.URL, Header: f.Header, Params: f.Params})
			if reqCtx.Err() != nil {
				return
			}
			if err != nil {
				reply(frame{ID: f.ID, Error: err.Error()})
				return
			}
			reply(frame{ID: f.ID, Status: resp.Status, Header: resp.Header, Body: resp.Body, URL: resp.URL, Method: resp.Method})
		}(f)
	}
}
