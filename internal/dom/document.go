package dom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tdewolff/minify/v2"
	mhtml "github.com/tdewolff/minify/v2/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Viewport is the restorable interaction state of one element.
type Viewport struct {
	ScrollTop      int
	ScrollLeft     int
	SelectionStart int
	SelectionEnd   int
	HasSelection   bool
}

// Document is a parsed page plus the focus and viewport state that survives
// between renders.
type Document struct {
	Root *html.Node

	active       *html.Node
	focusVisible bool
	viewports    map[*html.Node]Viewport
}

// Parse reads a full HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &Document{Root: root, viewports: make(map[*html.Node]Viewport)}, nil
}

// ParseString reads a full HTML document from a string.
func ParseString(source string) (*Document, error) {
	return Parse(strings.NewReader(source))
}

func (d *Document) findTag(a atom.Atom) *html.Node {
	var found *html.Node
	Walk(d.Root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// Element returns the <html> element.
func (d *Document) Element() *html.Node {
	return d.findTag(atom.Html)
}

// Body returns the <body> element.
func (d *Document) Body() *html.Node {
	return d.findTag(atom.Body)
}

// Head returns the <head> element.
func (d *Document) Head() *html.Node {
	return d.findTag(atom.Head)
}

// Title returns the text of the <title> element.
func (d *Document) Title() string {
	if t := d.findTag(atom.Title); t != nil {
		return Text(t)
	}
	return ""
}

// SetTitle updates or creates the <title> element.
func (d *Document) SetTitle(title string) {
	t := d.findTag(atom.Title)
	if t == nil {
		head := d.Head()
		if head == nil {
			return
		}
		t = NewElement("title")
		AppendChild(head, t)
	}
	SetText(t, title)
}

// Attached reports whether n is part of the live document.
func (d *Document) Attached(n *html.Node) bool {
	return n != nil && Contains(d.Root, n)
}

// ActiveElement returns the focused element, or <body> when focus was lost.
func (d *Document) ActiveElement() *html.Node {
	if d.active != nil && d.Attached(d.active) {
		return d.active
	}
	return d.Body()
}

// FocusVisible reports whether the current focus should show a focus ring.
func (d *Document) FocusVisible() bool {
	return d.focusVisible
}

// Focus moves focus to n. Detached nodes cannot be focused.
func (d *Document) Focus(n *html.Node, visible bool) bool {
	if !d.Attached(n) {
		return false
	}
	d.active = n
	d.focusVisible = visible
	return true
}

// Blur clears focus back to the body.
func (d *Document) Blur() {
	d.active = nil
	d.focusVisible = false
}

// Viewport returns the stored viewport of n.
func (d *Document) Viewport(n *html.Node) Viewport {
	return d.viewports[n]
}

// SetViewport stores the viewport of n.
func (d *Document) SetViewport(n *html.Node, v Viewport) {
	if d.viewports == nil {
		d.viewports = make(map[*html.Node]Viewport)
	}
	d.viewports[n] = v
}

// SetScroll records a scroll position for n.
func (d *Document) SetScroll(n *html.Node, top, left int) {
	v := d.viewports[n]
	v.ScrollTop, v.ScrollLeft = top, left
	d.SetViewport(n, v)
}

// SetSelection records a text selection range for n.
func (d *Document) SetSelection(n *html.Node, start, end int) {
	v := d.viewports[n]
	v.SelectionStart, v.SelectionEnd, v.HasSelection = start, end, true
	d.SetViewport(n, v)
}

// Forget drops stored state for n and its descendants.
func (d *Document) Forget(n *html.Node) {
	Walk(n, func(el *html.Node) bool {
		delete(d.viewports, el)
		if d.active == el {
			d.active = nil
		}
		return true
	})
}

// HTML renders the whole document.
func (d *Document) HTML() string {
	return OuterHTML(d.Root)
}

var (
	minifier     *minify.M
	minifierOnce sync.Once
)

func getMinifier() *minify.M {
	minifierOnce.Do(func() {
		minifier = minify.New()
		minifier.Add("text/html", &mhtml.Minifier{KeepDocumentTags: true, KeepEndTags: true, KeepQuotes: true})
	})
	return minifier
}

// Minify compacts rendered HTML. Unparseable input is returned unchanged.
func Minify(source string) string {
	out, err := getMinifier().String("text/html", source)
	if err != nil {
		return source
	}
	return out
}
