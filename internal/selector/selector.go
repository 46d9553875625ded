// Package selector resolves CSS selectors against element trees. It wraps the
// cascadia engine and adds the conventions the coordinator relies on: comma
// unions, the :origin back-reference and derivation of a selector for an element.
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
)

// Engine matches selectors. Scopes are searched inclusively: the scope element
// itself is a candidate.
type Engine interface {
	Match(scope *html.Node, selector string) (*html.Node, error)
	MatchAll(scope *html.Node, selector string) ([]*html.Node, error)
	Matches(n *html.Node, selector string) (bool, error)
}

// Cascadia is the default Engine. Compiled selectors are cached.
type Cascadia struct {
	mu    sync.Mutex
	cache map[string]cascadia.Matcher
}

// NewCascadia creates the default engine.
func NewCascadia() *Cascadia {
	return &Cascadia{cache: make(map[string]cascadia.Matcher)}
}

func (c *Cascadia) compile(selector string) (cascadia.Matcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sel, ok := c.cache[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	c.cache[selector] = sel
	return sel, nil
}

// MatchAll returns every element in scope matching selector, in document order.
func (c *Cascadia) MatchAll(scope *html.Node, selector string) ([]*html.Node, error) {
	sel, err := c.compile(selector)
	if err != nil {
		return nil, err
	}
	var out []*html.Node
	dom.Walk(scope, func(n *html.Node) bool {
		if sel.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out, nil
}

// Match returns the first element in scope matching selector, or nil.
func (c *Cascadia) Match(scope *html.Node, selector string) (*html.Node, error) {
	sel, err := c.compile(selector)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	dom.Walk(scope, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if sel.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found, nil
}

// Matches reports whether n itself matches selector.
func (c *Cascadia) Matches(n *html.Node, selector string) (bool, error) {
	sel, err := c.compile(selector)
	if err != nil {
		return false, err
	}
	return dom.IsElement(n) && sel.Match(n), nil
}

// Split breaks a comma union into its parts, ignoring commas nested in
// parentheses, brackets or quotes. Empty parts are dropped.
func Split(union string) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, r := range union {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, union[start:i])
			start = i + 1
		}
	}
	parts = append(parts, union[start:])

	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OriginAttribute marks the element a selector's :origin refers to while it is resolved.
const OriginAttribute = "up-origin-mark"

var originSeq atomic.Int64

// HasOrigin reports whether selector refers to the origin element.
func HasOrigin(selector string) bool {
	_, found := replaceOrigin(selector, "")
	return found
}

// replaceOrigin replaces :origin and & with repl. Quoted strings are copied
// unchanged.
func replaceOrigin(selector, repl string) (string, bool) {
	var (
		b     strings.Builder
		quote byte
		found bool
	)
	for i := 0; i < len(selector); {
		c := selector[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(selector) {
				b.WriteString(selector[i : i+2])
				i += 2
				continue
			}
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '&':
			b.WriteString(repl)
			found = true
			i++
			continue
		case strings.HasPrefix(selector[i:], ":origin") && !wordByte(selector, i+len(":origin")):
			b.WriteString(repl)
			found = true
			i += len(":origin")
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), found
}

func wordByte(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	c := s[i]
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// BindOrigin rewrites :origin (or &) into an attribute selector and marks origin
// with that attribute. The returned release func removes the mark. Without an
// origin the selector is returned unchanged and ok is false.
func BindOrigin(selector string, origin *html.Node) (bound string, release func(), ok bool) {
	if !HasOrigin(selector) || origin == nil {
		return selector, func() {}, false
	}
	mark := strconv.FormatInt(originSeq.Add(1), 10)
	dom.SetAttr(origin, OriginAttribute, mark)
	bound, _ = replaceOrigin(selector, fmt.Sprintf(`[%s="%s"]`, OriginAttribute, mark))
	return bound, func() { dom.RemoveAttr(origin, OriginAttribute) }, true
}

// ForSource rewrites :origin (or &) into a selector derived from origin, so a
// target bound to the triggering element can be looked up in a server response.
func ForSource(selector string, origin *html.Node) string {
	if origin == nil || !HasOrigin(selector) {
		return selector
	}
	out, _ := replaceOrigin(selector, Derive(origin))
	return out
}

var identifierPattern = regexp.MustCompile(`^-?[_a-zA-Z][_a-zA-Z0-9-]*$`)

func attrSelector(tag, key, val string) string {
	return fmt.Sprintf(`%s[%s=%s]`, tag, key, strconv.Quote(val))
}

// Derive builds a selector that is likely to identify el in both the current
// page and a server response: up-id, then id, then name, then classes, then tag.
func Derive(el *html.Node) string {
	if v := dom.Attr(el, "up-id"); v != "" {
		return attrSelector("", "up-id", v)
	}
	if id := dom.Attr(el, "id"); id != "" {
		if identifierPattern.MatchString(id) {
			return "#" + id
		}
		return attrSelector("", "id", id)
	}
	if name := dom.Attr(el, "name"); name != "" {
		return attrSelector(el.Data, "name", name)
	}
	var classes []string
	for _, c := range strings.Fields(dom.Attr(el, "class")) {
		if strings.HasPrefix(c, "up-") || !identifierPattern.MatchString(c) {
			continue
		}
		classes = append(classes, "."+c)
	}
	if len(classes) > 0 {
		return strings.Join(classes, "")
	}
	return el.Data
}
