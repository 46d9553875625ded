// Package dom is the headless element tree the coordinator mutates. It is a thin
// layer over golang.org/x/net/html nodes plus the interaction state (focus,
// scroll, selection) a browser keeps next to its document.
package dom

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var documentPattern = regexp.MustCompile(`(?i)^\s*(<!--.*?-->\s*)*(<!doctype|<html)`)

// ParseFragment parses server HTML into a detached tree. Full documents keep their
// html/head/body structure; anything else is parsed in body context so table rows
// and list items survive. The returned node is always a DocumentNode container.
func ParseFragment(source string) (*html.Node, error) {
	if documentPattern.MatchString(source) {
		doc, err := html.Parse(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("failed to parse document: %w", err)
		}
		return doc, nil
	}

	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(source), context)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}
	container := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	return container, nil
}

// NewElement creates a detached element.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// CloneShallow copies an element's tag and attributes without children.
func CloneShallow(n *html.Node) *html.Node {
	attrs := make([]html.Attribute, len(n.Attr))
	copy(attrs, n.Attr)
	return &html.Node{Type: n.Type, Data: n.Data, DataAtom: n.DataAtom, Namespace: n.Namespace, Attr: attrs}
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// LookupAttr returns the attribute value and whether it is present.
func LookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Attr returns the attribute value or "".
func Attr(n *html.Node, key string) string {
	v, _ := LookupAttr(n, key)
	return v
}

// HasAttr reports whether the attribute is present.
func HasAttr(n *html.Node, key string) bool {
	_, ok := LookupAttr(n, key)
	return ok
}

// SetAttr sets or replaces an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// HasClass reports whether the class attribute contains name.
func HasClass(n *html.Node, name string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == name {
			return true
		}
	}
	return false
}

// AddClass appends a class name when missing.
func AddClass(n *html.Node, name string) {
	if HasClass(n, name) {
		return
	}
	classes := strings.TrimSpace(Attr(n, "class") + " " + name)
	SetAttr(n, "class", classes)
}

// RemoveClass drops a class name.
func RemoveClass(n *html.Node, name string) {
	var kept []string
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c != name {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// Detach removes n from its parent. Detached nodes are left untouched.
func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// AppendChild moves n to the end of parent.
func AppendChild(parent, n *html.Node) {
	Detach(n)
	parent.AppendChild(n)
}

// InsertBefore moves n before ref inside parent. A nil ref appends.
func InsertBefore(parent, n, ref *html.Node) {
	Detach(n)
	parent.InsertBefore(n, ref)
}

// ReplaceWith puts replacement where old was and detaches old.
func ReplaceWith(old, replacement *html.Node) {
	parent := old.Parent
	if parent == nil {
		return
	}
	InsertBefore(parent, replacement, old)
	parent.RemoveChild(old)
}

// ReplaceChildren detaches every child of n and appends the given nodes.
// The detached children are returned in order.
func ReplaceChildren(n *html.Node, children ...*html.Node) []*html.Node {
	var old []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		old = append(old, c)
		c = next
	}
	for _, c := range children {
		AppendChild(n, c)
	}
	return old
}

// ChildNodes returns all direct children of n.
func ChildNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// Children returns the element children of n.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// FirstElementChild returns the first element child of n or nil.
func FirstElementChild(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// ParentElement returns the closest element ancestor of n.
func ParentElement(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

// Contains reports whether ancestor is n or one of n's ancestors.
func Contains(ancestor, n *html.Node) bool {
	if ancestor == nil {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Closest returns the nearest inclusive ancestor element satisfying pred.
func Closest(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && pred(p) {
			return p
		}
	}
	return nil
}

// Walk visits n and its element descendants in document order. Returning false
// from fn skips the visited element's subtree.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		if !fn(n) {
			return
		}
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Elements returns n (when it is an element) and all element descendants.
func Elements(n *html.Node) []*html.Node {
	var out []*html.Node
	Walk(n, func(el *html.Node) bool {
		out = append(out, el)
		return true
	})
	return out
}

// Index returns the position of n among its parent's element children, or -1.
func Index(n *html.Node) int {
	if n.Parent == nil {
		return -1
	}
	i := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c == n {
			return i
		}
		if c.Type == html.ElementNode {
			i++
		}
	}
	return -1
}

// Path returns the element-child indexes leading from root down to n.
// ok is false when n is not inside root.
func Path(root, n *html.Node) (path []int, ok bool) {
	for p := n; p != root; p = p.Parent {
		if p == nil {
			return nil, false
		}
		idx := Index(p)
		if idx < 0 {
			return nil, false
		}
		path = append(path, idx)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

// Follow walks an element-index path from root. Returns nil when it leads nowhere.
func Follow(root *html.Node, path []int) *html.Node {
	n := root
	for _, idx := range path {
		children := Children(n)
		if idx >= len(children) {
			return nil
		}
		n = children[idx]
	}
	return n
}

// OuterHTML renders n including its own tag.
func OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	if n.Type == html.DocumentNode {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&buf, c)
		}
		return buf.String()
	}
	_ = html.Render(&buf, n)
	return buf.String()
}

// InnerHTML renders the children of n.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// Text returns the concatenated text content of n.
func Text(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

// SetText replaces all children of n with a single text node.
func SetText(n *html.Node, text string) {
	ReplaceChildren(n, &html.Node{Type: html.TextNode, Data: text})
}

// IsDisabled reports whether a form control is disabled directly or through a
// disabled fieldset.
func IsDisabled(n *html.Node) bool {
	if HasAttr(n, "disabled") {
		return true
	}
	return Closest(n.Parent, func(p *html.Node) bool {
		return p.Data == "fieldset" && HasAttr(p, "disabled")
	}) != nil
}

// IsFocusable reports whether n can receive focus without a tabindex change.
func IsFocusable(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	if HasAttr(n, "tabindex") {
		return !IsDisabled(n)
	}
	switch n.Data {
	case "a", "area":
		return HasAttr(n, "href")
	case "button", "input", "select", "textarea":
		return !IsDisabled(n)
	}
	return false
}
