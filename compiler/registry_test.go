package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
)

func fragment(t *testing.T, source string) *html.Node {
	t.Helper()
	n, err := dom.ParseFragment(source)
	require.NoError(t, err)
	return dom.FirstElementChild(n)
}

func TestCompileOrder(t *testing.T) {
	root := fragment(t, `<div id="root"><span class="a" id="a1"></span><p><span class="a" id="a2"></span></p><b class="b" id="b1"></b></div>`)

	var calls []string
	r := NewRegistry(nil)
	r.Register(".b", func(el *html.Node) (Destructor, error) {
		calls = append(calls, "b:"+dom.Attr(el, "id"))
		return nil, nil
	})
	r.Register(".a", func(el *html.Node) (Destructor, error) {
		calls = append(calls, "a:"+dom.Attr(el, "id"))
		return func() error { return nil }, nil
	})

	bindings := r.Compile(root, nil, func(err error) { t.Fatalf("unexpected error: %v", err) })

	assert.Equal(t, []string{"b:b1", "a:a1", "a:a2"}, calls)
	assert.Len(t, bindings, 2, "only compilers returning destructors produce bindings")
}

func TestCompileSkipsKeptSubtrees(t *testing.T) {
	root := fragment(t, `<div><section up-keep><i class="x" id="inside"></i></section><i class="x" id="outside"></i></div>`)

	var compiled []string
	r := NewRegistry(nil)
	r.Register(".x", func(el *html.Node) (Destructor, error) {
		compiled = append(compiled, dom.Attr(el, "id"))
		return nil, nil
	})

	r.Compile(root, func(n *html.Node) bool { return dom.HasAttr(n, "up-keep") }, func(error) {})
	assert.Equal(t, []string{"outside"}, compiled)
}

func TestCompileFailuresAreIsolated(t *testing.T) {
	root := fragment(t, `<div><i class="x" id="one"></i><i class="x" id="two"></i></div>`)

	var compiled []string
	var reported []error
	r := NewRegistry(nil)
	r.Register(".x", func(el *html.Node) (Destructor, error) {
		if dom.Attr(el, "id") == "one" {
			panic("boom")
		}
		compiled = append(compiled, dom.Attr(el, "id"))
		return nil, nil
	})
	r.Register("[", func(el *html.Node) (Destructor, error) { return nil, nil })

	r.Compile(root, nil, func(err error) { reported = append(reported, err) })

	assert.Equal(t, []string{"two"}, compiled)
	require.Len(t, reported, 2)
	var cerr *Error
	require.ErrorAs(t, reported[0], &cerr)
	assert.Equal(t, "compile", cerr.Phase)
	assert.Contains(t, cerr.Error(), "boom")
}

func TestSetDestroysOnce(t *testing.T) {
	root := fragment(t, `<div id="root"><i id="one"></i><i id="two"></i></div>`)
	one := dom.FirstElementChild(root)
	two := one.NextSibling

	var ran []string
	var reported []error
	s := NewSet()
	s.Add([]Binding{
		{Element: one, Destroy: func() error { ran = append(ran, "one"); return errors.New("fail") }},
		{Element: two, Destroy: func() error { ran = append(ran, "two"); return nil }},
	})
	require.True(t, s.Has(one))

	n := s.Destroy(root, func(err error) { reported = append(reported, err) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"one", "two"}, ran, "a failing destructor does not stop its siblings")
	require.Len(t, reported, 1)
	assert.Equal(t, "destructor", reported[0].(*Error).Phase)

	assert.Equal(t, 0, s.Destroy(root, nil), "destructors run at most once")
	assert.Equal(t, 0, s.Len())
}

func TestSetDestroyOnlyInsideRoot(t *testing.T) {
	root := fragment(t, `<div><p id="gone"></p><p id="stays"></p></div>`)
	gone := dom.FirstElementChild(root)
	stays := gone.NextSibling

	s := NewSet()
	s.Add([]Binding{
		{Element: gone, Destroy: func() error { return nil }},
		{Element: stays, Destroy: func() error { return nil }},
	})

	assert.Equal(t, 1, s.Destroy(gone, nil))
	assert.True(t, s.Has(stays))
}
