package transport

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var documentPattern = regexp.MustCompile(`(?i)^\s*(<!--.*?-->\s*)*(<!doctype|<html)`)

// DefaultPolicy allows user-generated-content markup plus the forms and
// up-* attributes fragments rely on. Scripts and inline handlers are removed.
func DefaultPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("main", "section", "header", "footer", "nav", "article", "aside",
		"form", "fieldset", "legend", "label", "input", "select", "option", "textarea", "button")
	p.AllowAttrs("id", "class", "role", "tabindex", "hidden", "title").Globally()
	p.AllowAttrs("name", "value", "type", "placeholder", "required", "pattern", "minlength",
		"maxlength", "disabled", "checked", "selected", "multiple", "for", "action", "method").Globally()
	p.AllowAttrs(
		"up-id", "up-keep", "up-hungry", "up-if-layer", "up-main", "up-target", "up-fail-target",
		"up-layer", "up-mode", "up-method", "up-history", "up-transition", "up-dismiss", "up-accept",
		"up-accept-location", "up-dismiss-location", "up-accept-event", "up-dismiss-event",
		"up-context", "up-form-group", "up-validate", "up-watch", "up-watch-delay",
		"up-dismissable", "up-size", "up-class", "up-animation", "up-focus", "up-cache",
	).Globally()
	p.AllowDataAttributes()
	return p
}

// Sanitize cleans the HTML of every response body with policy. Full documents
// keep their <title> and <body> wrapper so the page title still reaches the
// coordinator.
func Sanitize(policy *bluemonday.Policy) Middleware {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return func(next Transport) Transport {
		return Func(func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next.Do(ctx, req)
			if err != nil || resp == nil {
				return resp, err
			}
			clean := *resp
			clean.Body = sanitizeBody(policy, resp.Body)
			return &clean, nil
		})
	}
}

var (
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	bodyPattern  = regexp.MustCompile(`(?is)<body[^>]*>(.*)</body>`)
)

func sanitizeBody(policy *bluemonday.Policy, body string) string {
	if !documentPattern.MatchString(body) {
		return policy.Sanitize(body)
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head>")
	if m := titlePattern.FindStringSubmatch(body); m != nil {
		b.WriteString("<title>")
		b.WriteString(bluemonday.StrictPolicy().Sanitize(m[1]))
		b.WriteString("</title>")
	}
	b.WriteString("</head><body>")
	inner := body
	if m := bodyPattern.FindStringSubmatch(body); m != nil {
		inner = m[1]
	}
	b.WriteString(policy.Sanitize(inner))
	b.WriteString("</body></html>")
	return b.String()
}

// Logging logs every request with its status and duration.
func Logging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Transport) Transport {
		return Func(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next.Do(ctx, req)
			switch {
			case err != nil:
				logger.Printf("TRANSPORT: %s %s failed after %v: %v", req.Method, req.URL, time.Since(start), err)
			default:
				logger.Printf("TRANSPORT: %s %s -> %d in %v", req.Method, req.URL, resp.Status, time.Since(start))
			}
			return resp, err
		})
	}
}
