package livelayer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/transport"
)

// serverEvents parses the X-Up-Events header: a JSON array of objects with a
// "type" key. An optional "layer" key names the layer the event is emitted on
// and is returned in refs. Remaining keys become event props.
func serverEvents(h http.Header) (events []*event.Event, refs map[*event.Event]layer.Ref, err error) {
	raw := h.Get(transport.HeaderEvents)
	if raw == "" {
		return nil, nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, nil, fmt.Errorf("invalid %s header: %w", transport.HeaderEvents, err)
	}
	events = make([]*event.Event, 0, len(items))
	for _, props := range items {
		typ, _ := props["type"].(string)
		if typ == "" {
			return nil, nil, fmt.Errorf("invalid %s header: event without type", transport.HeaderEvents)
		}
		delete(props, "type")
		ev := event.New(typ, props)
		if v, ok := props["layer"]; ok {
			delete(props, "layer")
			switch v := v.(type) {
			case string:
				if refs == nil {
					refs = make(map[*event.Event]layer.Ref)
				}
				refs[ev] = layer.ParseRef(v)
			case float64:
				if refs == nil {
					refs = make(map[*event.Event]layer.Ref)
				}
				refs[ev] = layer.Index(int(v))
			}
		}
		events = append(events, ev)
	}
	return events, refs, nil
}

// serverContext parses X-Up-Context into a patch for the layer context. Null
// values delete keys.
func serverContext(h http.Header) (map[string]any, error) {
	raw := h.Get(transport.HeaderContext)
	if raw == "" {
		return nil, nil
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", transport.HeaderContext, err)
	}
	return patch, nil
}

// jsonHeader decodes a header holding a JSON value. Values that are not JSON
// are returned as strings. ok is false when the header is absent.
func jsonHeader(h http.Header, key string) (value any, ok bool) {
	vs, present := h[http.CanonicalHeaderKey(key)]
	if !present || len(vs) == 0 {
		return nil, false
	}
	return attrValue(vs[0], nil), true
}

func encodeContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	return string(b)
}

// attrValue decodes an attribute or header holding a JSON value. Anything
// that is not valid JSON is taken as a plain string; empty values yield def.
func attrValue(v string, def any) any {
	if v == "" {
		return def
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

// requestHeaders describes the render to the server.
func (r *render) requestHeaders() http.Header {
	h := http.Header{}
	for k, vs := range r.opts.Headers {
		h[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	failLayer := r.layer
	if r.opening && r.layer.Parent() != nil {
		failLayer = r.layer.Parent()
	}
	h.Set(transport.HeaderMode, string(r.layer.Mode))
	h.Set(transport.HeaderFailMode, string(failLayer.Mode))
	if ctx := encodeContext(r.layer.Context); ctx != "" {
		h.Set(transport.HeaderContext, ctx)
	}
	if ctx := encodeContext(failLayer.Context); ctx != "" {
		h.Set(transport.HeaderFailContext, ctx)
	}
	h.Set(transport.HeaderFailTarget, r.headerTarget(r.failTarget))
	if r.opts.Origin != nil {
		if l := r.u.stack.Of(r.opts.Origin); l != nil {
			h.Set(transport.HeaderOriginMode, string(l.Mode))
		}
	}
	return h
}
