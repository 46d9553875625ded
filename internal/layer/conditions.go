package layer

import (
	"net/url"
	"regexp"
	"strings"
)

// Pattern matches locations against space-separated alternatives such as
// "/users/:id /users/new /admin/*". A named segment captures one path segment.
// Alternatives without a query part ignore the location's query string.
type Pattern struct {
	alternatives []alternative
}

type alternative struct {
	re        *regexp.Regexp
	withQuery bool
}

var segmentPattern = regexp.MustCompile(`\*|:[a-zA-Z_][a-zA-Z0-9_]*`)

// CompilePattern parses a pattern string. An empty string matches nothing.
func CompilePattern(s string) *Pattern {
	p := &Pattern{}
	for _, alt := range strings.Fields(s) {
		alt = normalizeLocation(alt, strings.Contains(alt, "?"))
		var b strings.Builder
		b.WriteString("^")
		last := 0
		for _, loc := range segmentPattern.FindAllStringIndex(alt, -1) {
			b.WriteString(regexp.QuoteMeta(alt[last:loc[0]]))
			token := alt[loc[0]:loc[1]]
			if token == "*" {
				b.WriteString(".*")
			} else {
				b.WriteString("(?P<" + token[1:] + ">[^/?#]+)")
			}
			last = loc[1]
		}
		b.WriteString(regexp.QuoteMeta(alt[last:]))
		b.WriteString("$")
		p.alternatives = append(p.alternatives, alternative{
			re:        regexp.MustCompile(b.String()),
			withQuery: strings.Contains(alt, "?"),
		})
	}
	return p
}

// Match reports whether location matches and returns named captures.
func (p *Pattern) Match(location string) (map[string]string, bool) {
	for _, alt := range p.alternatives {
		m := alt.re.FindStringSubmatch(normalizeLocation(location, alt.withQuery))
		if m == nil {
			continue
		}
		params := make(map[string]string)
		for i, name := range alt.re.SubexpNames() {
			if name != "" {
				params[name] = m[i]
			}
		}
		return params, true
	}
	return nil, false
}

// normalizeLocation drops scheme, host and fragment, and trailing slashes.
func normalizeLocation(location string, withQuery bool) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if withQuery && u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// LocationOutcome checks the accept and dismiss location conditions. The
// captured parameters become the close value.
func (c Conditions) LocationOutcome(location string) (CloseKind, any, bool) {
	if location == "" {
		return "", nil, false
	}
	if c.AcceptLocation != "" {
		if params, ok := CompilePattern(c.AcceptLocation).Match(location); ok {
			return CloseAccept, locationValue(location, params), true
		}
	}
	if c.DismissLocation != "" {
		if params, ok := CompilePattern(c.DismissLocation).Match(location); ok {
			return CloseDismiss, locationValue(location, params), true
		}
	}
	return "", nil, false
}

func locationValue(location string, params map[string]string) map[string]any {
	v := map[string]any{"location": location}
	for k, p := range params {
		v[k] = p
	}
	return v
}

// EventOutcome checks the accept and dismiss event conditions.
func (c Conditions) EventOutcome(typ string) (CloseKind, bool) {
	if containsField(c.AcceptEvent, typ) {
		return CloseAccept, true
	}
	if containsField(c.DismissEvent, typ) {
		return CloseDismiss, true
	}
	return "", false
}

func containsField(list, s string) bool {
	for _, f := range strings.Fields(list) {
		if f == s {
			return true
		}
	}
	return false
}

// Empty reports whether no condition is configured.
func (c Conditions) Empty() bool {
	return c == Conditions{}
}
