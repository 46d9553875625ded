package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKeywords(t *testing.T) {
	f := newFixture(t)
	root := f.stack.Root()
	a := f.open(t, OpenOptions{Mode: ModeModal})
	b := f.open(t, OpenOptions{Mode: ModeDrawer})
	c := f.open(t, OpenOptions{Mode: ModePopup})

	tests := []struct {
		ref  string
		base *Layer
		want []*Layer
	}{
		{"current", nil, []*Layer{c}},
		{"root", nil, []*Layer{root}},
		{"front", a, []*Layer{c}},
		{"parent", b, []*Layer{a}},
		{"child", a, []*Layer{b}},
		{"closest", b, []*Layer{b, a, root}},
		{"ancestor", b, []*Layer{a, root}},
		{"descendant", a, []*Layer{b, c}},
		{"subtree", b, []*Layer{b, c}},
		{"overlay", nil, []*Layer{c, b, a}},
		{"any", a, []*Layer{a, c, b, root}},
		{"1", nil, []*Layer{a}},
		{"parent root", b, []*Layer{a, root}},
		{"0, current", nil, []*Layer{root, c}},
		{"7", nil, nil},
		{"parent", root, nil},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := f.stack.Resolve(ParseRef(tt.ref), LookupOptions{Base: tt.base})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveFromOrigin(t *testing.T) {
	f := newFixture(t)
	f.open(t, OpenOptions{})
	opener := f.byID("opener")

	got, err := f.stack.Get(Keyword(KeywordOrigin), LookupOptions{Origin: opener})
	require.NoError(t, err)
	assert.Same(t, f.stack.Root(), got)

	got, err = f.stack.Get(Keyword(KeywordCurrent), LookupOptions{Origin: opener})
	require.NoError(t, err)
	assert.Same(t, f.stack.Root(), got, "relative keywords use the origin's layer")

	_, err = f.stack.Resolve(Keyword(KeywordOrigin), LookupOptions{})
	var unknown *UnknownRefError
	assert.ErrorAs(t, err, &unknown)
}

func TestResolveSkipsClosedLayers(t *testing.T) {
	f := newFixture(t)
	l := f.open(t, OpenOptions{})
	require.NoError(t, f.stack.Dismiss(l, nil, CloseOptions{}))

	got, err := f.stack.Resolve(Of(l), LookupOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.stack.Get(Of(l), LookupOptions{})
	assert.ErrorIs(t, err, ErrLayerNotFound)
}

func TestResolveUnknownKeyword(t *testing.T) {
	f := newFixture(t)
	_, err := f.stack.Resolve(ParseRef("sideways"), LookupOptions{})
	var unknown *UnknownRefError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "sideways", unknown.Keyword)
}

func TestParseRef(t *testing.T) {
	assert.True(t, ParseRef("").IsZero())
	assert.True(t, ParseRef("new").IsNew())
	assert.False(t, ParseRef("root").IsNew())
	assert.Equal(t, "parent 0", ParseRef("parent,0").String())
}
