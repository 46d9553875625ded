package dom

import (
	"slices"
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func findID(root *html.Node, id string) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if Attr(n, "id") == id {
			found = n
		}
		return found == nil
	})
	return found
}

func TestParseFragment(t *testing.T) {
	tests := []struct {
		name   string
		source string
		first  string
	}{
		{"element", `<div id="a">x</div>`, "div"},
		{"table row", `<tr><td>1</td></tr>`, "tr"},
		{"list item", `<li>one</li><li>two</li>`, "li"},
		{"document", `<!DOCTYPE html><html><body><p>x</p></body></html>`, "html"},
		{"commented document", "<!-- hi -->\n<html><body></body></html>", "html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := ParseFragment(tt.source)
			if err != nil {
				t.Fatalf("ParseFragment() error = %v", err)
			}
			if root.Type != html.DocumentNode {
				t.Errorf("root type = %v, want DocumentNode", root.Type)
			}
			first := FirstElementChild(root)
			if first == nil || first.Data != tt.first {
				t.Errorf("first element = %v, want %s", first, tt.first)
			}
		})
	}
}

func TestAttributesAndClasses(t *testing.T) {
	n := NewElement("div")
	SetAttr(n, "class", "a b")
	AddClass(n, "c")
	AddClass(n, "a")
	RemoveClass(n, "b")

	if got := Attr(n, "class"); got != "a c" {
		t.Errorf("class = %q, want %q", got, "a c")
	}
	if !HasClass(n, "c") || HasClass(n, "b") {
		t.Errorf("HasClass mismatch for %q", Attr(n, "class"))
	}
	SetAttr(n, "class", "z")
	if len(n.Attr) != 1 {
		t.Errorf("SetAttr duplicated attribute: %v", n.Attr)
	}
	RemoveAttr(n, "class")
	if HasAttr(n, "class") {
		t.Error("RemoveAttr left class in place")
	}
}

func TestPathAndFollow(t *testing.T) {
	root, err := ParseFragment(`<section><p>a</p>text<div><span id="t"></span></div></section>`)
	if err != nil {
		t.Fatal(err)
	}
	target := findID(root, "t")

	path, ok := Path(root, target)
	if !ok {
		t.Fatal("Path() ok = false")
	}
	if want := []int{0, 1, 0}; !slices.Equal(path, want) {
		t.Errorf("Path() = %v, want %v", path, want)
	}
	if got := Follow(root, path); got != target {
		t.Errorf("Follow() = %v, want target", got)
	}
	if got := Follow(root, []int{0, 5}); got != nil {
		t.Errorf("Follow() past the end = %v, want nil", got)
	}
	if _, ok := Path(NewElement("div"), target); ok {
		t.Error("Path() outside root should fail")
	}
}

func TestReplaceChildren(t *testing.T) {
	root, _ := ParseFragment(`<ul id="list"><li>1</li><li>2</li></ul>`)
	list := findID(root, "list")
	item := NewElement("li")
	SetText(item, "3")

	old := ReplaceChildren(list, item)
	if len(old) != 2 {
		t.Errorf("ReplaceChildren returned %d nodes, want 2", len(old))
	}
	if got := InnerHTML(list); got != "<li>3</li>" {
		t.Errorf("InnerHTML = %q", got)
	}
	if old[0].Parent != nil {
		t.Error("old children stay attached")
	}
}

func TestDocumentFocus(t *testing.T) {
	doc, err := ParseString(`<html><head><title>T</title></head><body><input id="q"><button id="b" disabled></button></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	input := findID(doc.Root, "q")

	if got := doc.ActiveElement(); got != doc.Body() {
		t.Errorf("ActiveElement() = %v, want body", got)
	}
	if !doc.Focus(input, true) {
		t.Fatal("Focus() = false")
	}
	if doc.ActiveElement() != input || !doc.FocusVisible() {
		t.Error("focus not recorded")
	}

	doc.SetScroll(input, 10, 0)
	doc.SetSelection(input, 1, 3)
	v := doc.Viewport(input)
	if v.ScrollTop != 10 || v.SelectionStart != 1 || v.SelectionEnd != 3 || !v.HasSelection {
		t.Errorf("Viewport() = %+v", v)
	}

	Detach(input)
	if doc.Focus(input, false) {
		t.Error("detached element accepted focus")
	}
	doc.Forget(input)
	if doc.ActiveElement() != doc.Body() {
		t.Error("Forget() kept a detached active element")
	}
	if IsFocusable(findID(doc.Root, "b")) {
		t.Error("disabled button is focusable")
	}
}

func TestTitle(t *testing.T) {
	doc, _ := ParseString(`<html><head><title>Old</title></head><body></body></html>`)
	doc.SetTitle("New")
	if doc.Title() != "New" {
		t.Errorf("Title() = %q, want New", doc.Title())
	}
	if !strings.Contains(doc.HTML(), "<title>New</title>") {
		t.Errorf("HTML() = %s", doc.HTML())
	}
}

func TestMinify(t *testing.T) {
	got := Minify("<div>\n    <p>  hello  </p>\n</div>")
	if strings.Contains(got, "\n") {
		t.Errorf("Minify() kept newlines: %q", got)
	}
	if !strings.Contains(got, "hello") {
		t.Errorf("Minify() lost text: %q", got)
	}
}
