package livelayer

import (
	"cmp"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/livelayer/compiler"
	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/layer"
	"github.com/livefir/livelayer/internal/selector"
)

// ValidateOptions tune Validate.
type ValidateOptions struct {
	// Target overrides the fragment to update. Defaults to the field's group.
	Target string
	// URL overrides the form action.
	URL    string
	Params url.Values
	// NoBatch sends the request on its own even when batching is enabled.
	NoBatch bool
}

// Validate asks the server to re-render the group of field with the current
// form state. Validations of one form issued in the same tick share one
// request whose X-Up-Validate header names every field, in call order.
func (u *Up) Validate(field *html.Node, opts ValidateOptions) *Job {
	form := dom.Closest(field, isForm)
	if form == nil {
		return rejectedJob(u, fmt.Errorf("%w: %s is not inside a form", ErrInvalidOptions, selector.Derive(field)))
	}

	target := cmp.Or(opts.Target, dom.Attr(field, "up-validate"), groupTarget(field, form))
	params := serializeForm(form, nil)
	for k, vs := range opts.Params {
		params[k] = append(params[k], vs...)
	}
	var names []string
	if name := dom.Attr(field, "name"); name != "" {
		names = append(names, name)
	}

	no := false
	return u.Render(RenderOptions{
		URL:      cmp.Or(opts.URL, dom.Attr(form, "up-validate-url"), formAction(u, form, nil)),
		Method:   formMethod(form, nil),
		Params:   params,
		Target:   target,
		Layer:    layer.ElementRef(field),
		Origin:   field,
		Validate: names,
		Batch:    !opts.NoBatch && dom.Attr(form, "up-batch") != "false",
		Abort:    "none",
		History:  &no,
		Focus:    "keep",
	})
}

func rejectedJob(u *Up, err error) *Job {
	j := newJob(u.loop)
	j.future.Reject(err)
	return j
}

// groupTarget derives a selector for the form group around field. Groups
// without an identifying attribute are qualified by the field itself.
func groupTarget(field, form *html.Node) string {
	group := dom.Closest(field, func(n *html.Node) bool {
		if !dom.Contains(form, n) {
			return false
		}
		return dom.HasAttr(n, "up-form-group") || n.DataAtom == atom.Fieldset || n.DataAtom == atom.Label
	})
	if group == nil {
		group = form
	}
	sel := selector.Derive(group)
	for _, attr := range []string{"up-id", "id", "name"} {
		if dom.Attr(group, attr) != "" {
			return sel
		}
	}
	return sel + ":has(:origin)"
}

// WatchOptions tune Watch.
type WatchOptions struct {
	// Delay debounces changes. Every change restarts the wait.
	Delay time.Duration
	// Callback receives the changed field and its value. Defaults to
	// validating the field.
	Callback func(field *html.Node, value string) error
}

type watcher struct {
	el       *html.Node
	delay    time.Duration
	callback func(field *html.Node, value string) error
	changed  *html.Node
}

// Watch observes value changes of field, or of every field inside it when it
// is a form or container. The callback runs on the loop after the delay has
// passed since the last change. Watchers stop when their element is destroyed.
func (u *Up) Watch(el *html.Node, opts WatchOptions) (stop func()) {
	w := &watcher{el: el, delay: opts.Delay, callback: opts.Callback}
	if w.callback == nil {
		w.callback = func(field *html.Node, _ string) error {
			u.Validate(field, ValidateOptions{})
			return nil
		}
	}
	u.watchers[el] = append(u.watchers[el], w)
	return func() {
		u.debounce.Cancel(w)
		ws := u.watchers[el]
		for i, x := range ws {
			if x == w {
				u.watchers[el] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		if len(u.watchers[el]) == 0 {
			delete(u.watchers, el)
		}
	}
}

// SetValue changes the value of a form field as if the user had typed or
// picked it, then notifies watchers of the field and of its containers.
func (u *Up) SetValue(field *html.Node, value string) {
	switch {
	case field.DataAtom == atom.Textarea:
		dom.SetText(field, value)
	case field.DataAtom == atom.Select:
		for _, opt := range options(field) {
			if optionValue(opt) == value {
				dom.SetAttr(opt, "selected", "")
			} else {
				dom.RemoveAttr(opt, "selected")
			}
		}
	case isCheckable(field):
		if value == "" {
			dom.RemoveAttr(field, "checked")
		} else {
			dom.SetAttr(field, "checked", "")
		}
	default:
		dom.SetAttr(field, "value", value)
	}
	u.changed(field)
}

func (u *Up) changed(field *html.Node) {
	for n := field; n != nil; n = n.Parent {
		for _, w := range u.watchers[n] {
			w.changed = field
			u.debounce.Debounce(w, w.delay, func() { u.fire(w) })
		}
	}
}

func (u *Up) fire(w *watcher) {
	field := w.changed
	if field == nil || !u.doc.Attached(field) {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			u.report(&PanicError{Value: v})
		}
	}()
	if err := w.callback(field, fieldValue(field)); err != nil {
		u.report(fmt.Errorf("watch callback for %s: %w", selector.Derive(field), err))
	}
}

// registerBuiltins wires the attributes the coordinator handles itself.
func (u *Up) registerBuiltins(reg *compiler.Registry) {
	reg.Register("[up-validate]", func(el *html.Node) (compiler.Destructor, error) {
		stop := u.Watch(el, WatchOptions{
			Delay: u.config.ValidateDelay,
			Callback: func(field *html.Node, _ string) error {
				opts := ValidateOptions{}
				if field == el {
					opts.Target = dom.Attr(el, "up-validate")
				}
				u.Validate(field, opts)
				return nil
			},
		})
		return func() error {
			stop()
			return nil
		}, nil
	})
}

func isForm(n *html.Node) bool { return n.DataAtom == atom.Form }

func isCheckable(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return false
	}
	t := strings.ToLower(dom.Attr(n, "type"))
	return t == "checkbox" || t == "radio"
}

func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(sel, func(n *html.Node) bool {
		if n.DataAtom == atom.Option {
			out = append(out, n)
		}
		return true
	})
	return out
}

func optionValue(opt *html.Node) string {
	if v, ok := dom.LookupAttr(opt, "value"); ok {
		return v
	}
	return strings.TrimSpace(dom.Text(opt))
}

// fieldValue is the value a field would submit, empty for unchecked boxes.
func fieldValue(field *html.Node) string {
	switch {
	case field.DataAtom == atom.Textarea:
		return dom.Text(field)
	case field.DataAtom == atom.Select:
		vals := selectValues(field)
		if len(vals) == 0 {
			return ""
		}
		return vals[0]
	case isCheckable(field):
		if !dom.HasAttr(field, "checked") {
			return ""
		}
		return cmp.Or(dom.Attr(field, "value"), "on")
	}
	return dom.Attr(field, "value")
}

func selectValues(sel *html.Node) []string {
	opts := options(sel)
	var out []string
	for _, opt := range opts {
		if dom.HasAttr(opt, "selected") && !dom.IsDisabled(opt) {
			out = append(out, optionValue(opt))
		}
	}
	if len(out) == 0 && !dom.HasAttr(sel, "multiple") && len(opts) > 0 {
		out = append(out, optionValue(opts[0]))
	}
	return out
}

// formAction is the URL a form submits to.
func formAction(u *Up, form, button *html.Node) string {
	if button != nil {
		if a := dom.Attr(button, "formaction"); a != "" {
			return a
		}
	}
	if a := dom.Attr(form, "action"); a != "" {
		return a
	}
	if l := u.stack.Of(form); l != nil && l.Location != "" {
		return l.Location
	}
	return u.stack.Root().Location
}

func formMethod(form, button *html.Node) string {
	m := dom.Attr(form, "method")
	if button != nil {
		m = cmp.Or(dom.Attr(button, "formmethod"), m)
	}
	m = cmp.Or(dom.Attr(form, "up-method"), m)
	return strings.ToUpper(cmp.Or(m, http.MethodGet))
}
