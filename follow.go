package livelayer

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/layer"
)

// followable reports whether a click on n should be handled as a fragment
// update instead of a full page load.
func followable(n *html.Node) bool {
	if n.DataAtom != atom.A || !dom.HasAttr(n, "href") {
		return false
	}
	for _, attr := range []string{"up-follow", "up-target", "up-layer", "up-mode"} {
		if dom.HasAttr(n, attr) {
			return true
		}
	}
	return false
}

// Follow renders the destination of a link, configured by its up-* attributes.
func (u *Up) Follow(link *html.Node) *Job {
	opts := renderAttributes(link)
	opts.URL = dom.Attr(link, "href")
	opts.Method = strings.ToUpper(dom.Attr(link, "up-method"))
	if opts.Method == "" || opts.Method == http.MethodGet {
		opts.Cache = dom.Attr(link, "up-cache") != "false"
	}
	return u.Render(opts)
}

// Submit sends a form through a render. Native constraints are checked first:
// a form that fails them returns a *ConstraintError and no request is made.
// button is the submit button that was used, or nil.
func (u *Up) Submit(form *html.Node, button *html.Node) (*Job, error) {
	if !isForm(form) {
		return nil, fmt.Errorf("%w: %s is not a form", ErrInvalidOptions, form.Data)
	}
	novalidate := dom.HasAttr(form, "novalidate") || (button != nil && dom.HasAttr(button, "formnovalidate"))
	if !novalidate {
		if violations := checkConstraints(form); len(violations) > 0 {
			u.log.Printf("LIVELAYER: %s not submitted, %d constraint violations", formAction(u, form, button), len(violations))
			return nil, &ConstraintError{Fields: violations}
		}
	}

	opts := renderAttributes(form)
	opts.URL = formAction(u, form, button)
	opts.Method = formMethod(form, button)
	opts.Params = serializeForm(form, button)
	opts.Origin = form
	if button != nil {
		opts.Origin = button
	}
	return u.Render(opts), nil
}

// renderAttributes reads the up-* attributes shared by links and forms.
func renderAttributes(el *html.Node) RenderOptions {
	opts := RenderOptions{
		Origin:      el,
		Target:      dom.Attr(el, "up-target"),
		FailTarget:  dom.Attr(el, "up-fail-target"),
		Fallback:    dom.Attr(el, "up-fallback"),
		Mode:        Mode(dom.Attr(el, "up-mode")),
		Transition:  dom.Attr(el, "up-transition"),
		Focus:       dom.Attr(el, "up-focus"),
		Size:        dom.Attr(el, "up-size"),
		Class:       dom.Attr(el, "up-class"),
		Animation:   dom.Attr(el, "up-animation"),
		Placeholder: dom.Attr(el, "up-placeholder"),
		Abort:       dom.Attr(el, "up-abort"),
		Conditions: layer.Conditions{
			AcceptLocation:  dom.Attr(el, "up-accept-location"),
			DismissLocation: dom.Attr(el, "up-dismiss-location"),
			AcceptEvent:     dom.Attr(el, "up-accept-event"),
			DismissEvent:    dom.Attr(el, "up-dismiss-event"),
			AcceptSelector:  dom.Attr(el, "up-accept-selector"),
			DismissSelector: dom.Attr(el, "up-dismiss-selector"),
		},
		PeelAccept: dom.Attr(el, "up-peel") == "accept",
		SkipHungry: dom.Attr(el, "up-use-hungry") == "false",
	}
	if ref := dom.Attr(el, "up-layer"); ref != "" {
		opts.Layer = layer.ParseRef(ref)
	}
	if v, ok := boolAttr(el, "up-history"); ok {
		opts.History = &v
	}
	if v, ok := boolAttr(el, "up-peel"); ok {
		opts.Peel = &v
	}
	if v, ok := boolAttr(el, "up-all"); ok {
		opts.All = v
	}
	if ctx, ok := attrValue(dom.Attr(el, "up-context"), nil).(map[string]any); ok {
		opts.Context = ctx
	}
	for _, d := range strings.FieldsFunc(dom.Attr(el, "up-dismissable"), func(r rune) bool {
		return r == ' ' || r == ','
	}) {
		opts.Dismissable = append(opts.Dismissable, layer.Dismissable(d))
	}
	return opts
}

// boolAttr parses a boolean attribute. A present attribute without a value
// is true.
func boolAttr(el *html.Node, key string) (value, ok bool) {
	v, present := dom.LookupAttr(el, key)
	if !present {
		return false, false
	}
	if v == "" {
		return true, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// formFields returns the submittable controls of form in document order.
func formFields(form *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(form, func(n *html.Node) bool {
		switch n.DataAtom {
		case atom.Input, atom.Select, atom.Textarea, atom.Button:
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// serializeForm collects the name/value pairs a browser would submit. Only the
// submit button that was used contributes its value.
func serializeForm(form, button *html.Node) url.Values {
	values := url.Values{}
	for _, f := range formFields(form) {
		name := dom.Attr(f, "name")
		if name == "" || dom.IsDisabled(f) {
			continue
		}
		if f.DataAtom == atom.Button || isButtonInput(f) {
			if f == button {
				values.Add(name, dom.Attr(f, "value"))
			}
			continue
		}
		switch {
		case f.DataAtom == atom.Select:
			for _, v := range selectValues(f) {
				values.Add(name, v)
			}
		case isCheckable(f):
			if dom.HasAttr(f, "checked") {
				values.Add(name, fieldValue(f))
			}
		case strings.EqualFold(dom.Attr(f, "type"), "file"):
		default:
			values.Add(name, fieldValue(f))
		}
	}
	return values
}

func isButtonInput(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return false
	}
	switch strings.ToLower(dom.Attr(n, "type")) {
	case "submit", "button", "reset", "image":
		return true
	}
	return false
}

// checkConstraints evaluates required, pattern, minlength and maxlength.
func checkConstraints(form *html.Node) []FieldViolation {
	var out []FieldViolation
	for _, f := range formFields(form) {
		if dom.IsDisabled(f) || f.DataAtom == atom.Button || isButtonInput(f) {
			continue
		}
		name := dom.Attr(f, "name")
		value := fieldValue(f)

		if dom.HasAttr(f, "required") && value == "" {
			out = append(out, FieldViolation{Name: name, Constraint: "required", Message: "is required"})
			continue
		}
		if value == "" {
			continue
		}
		if p, ok := dom.LookupAttr(f, "pattern"); ok && p != "" {
			re, err := regexp.Compile("^(?:" + p + ")$")
			if err == nil && !re.MatchString(value) {
				out = append(out, FieldViolation{Name: name, Constraint: "pattern", Message: "does not match the requested format"})
				continue
			}
		}
		n := utf8.RuneCountInString(value)
		if limit, ok := intAttr(f, "minlength"); ok && n < limit {
			out = append(out, FieldViolation{Name: name, Constraint: "minlength", Message: fmt.Sprintf("must be at least %d characters", limit)})
			continue
		}
		if limit, ok := intAttr(f, "maxlength"); ok && n > limit {
			out = append(out, FieldViolation{Name: name, Constraint: "maxlength", Message: fmt.Sprintf("must be at most %d characters", limit)})
		}
	}
	return out
}

func intAttr(el *html.Node, key string) (int, bool) {
	v, ok := dom.LookupAttr(el, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
