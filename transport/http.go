package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP sends requests with a net/http client.
type HTTP struct {
	Client *http.Client
}

// NewHTTP creates an HTTP transport. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Client: client}
}

// Do sends req. GET parameters go into the query string, everything else is
// form encoded. Non-2xx responses are returned without an error.
func (h *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := req.URL
	var body io.Reader
	if len(req.Params) > 0 {
		if method == http.MethodGet || method == http.MethodHead {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + req.Params.Encode()
		} else {
			body = strings.NewReader(req.Params.Encode())
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", DefaultContentType)
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	respMethod := method
	if m := resp.Header.Get(HeaderMethod); m != "" {
		respMethod = strings.ToUpper(m)
	} else if final != target && method != http.MethodGet {
		// redirected form submissions are followed with GET
		respMethod = http.MethodGet
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   string(data),
		URL:    final,
		Method: respMethod,
	}, nil
}
