package layer

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/loop"
)

const testPage = `<!DOCTYPE html><html><head><title>Home</title></head>
<body><main id="main"><a id="opener" href="/x">open</a></main></body></html>`

type fixture struct {
	doc    *dom.Document
	stack  *Stack
	events *event.Emitter
	log    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc, err := dom.ParseString(testPage)
	require.NoError(t, err)
	f := &fixture{doc: doc}
	f.events = event.NewEmitter(func(err error) { t.Logf("listener error: %v", err) })
	f.events.On(event.Wildcard, func(e *event.Event) error {
		l := e.Layer.(*Layer)
		f.log = append(f.log, e.Type+"@"+string(l.Mode)+":"+l.ID[:4])
		return nil
	})
	f.stack = NewStack(loop.New(), doc, Hooks{Events: f.events}, nil)
	return f
}

func (f *fixture) open(t *testing.T, opts OpenOptions) *Layer {
	t.Helper()
	l, err := f.stack.Open(opts)
	require.NoError(t, err)
	f.stack.Attach(l)
	f.stack.MarkOpened(l)
	return l
}

func (f *fixture) byID(id string) *html.Node {
	var found *html.Node
	dom.Walk(f.doc.Root, func(n *html.Node) bool {
		if dom.Attr(n, "id") == id {
			found = n
		}
		return found == nil
	})
	return found
}

func TestOpenIsSynchronous(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 1, f.stack.Count())

	l, err := f.stack.Open(OpenOptions{Mode: ModeDrawer})
	require.NoError(t, err)

	assert.Equal(t, 2, f.stack.Count(), "count changes before any content arrives")
	assert.Equal(t, StateOpening, l.State())
	assert.Same(t, l, f.stack.Front())
	assert.Same(t, l, f.stack.Current())
	assert.Equal(t, 1, l.Index())
	assert.Same(t, f.stack.Root(), l.Parent())

	f.stack.Attach(l)
	f.stack.MarkOpened(l)
	assert.Equal(t, StateOpen, l.State())
	require.Len(t, f.log, 2)
	assert.Contains(t, f.log[0], EventOpen+"@drawer")
	assert.Contains(t, f.log[1], EventOpened+"@drawer")
	assert.Equal(t, "up-drawer", l.Element().Data)
	assert.True(t, f.doc.Attached(l.Content()))
}

func TestAcceptThenDismissSettlesOnce(t *testing.T) {
	f := newFixture(t)
	l := f.open(t, OpenOptions{})
	f.log = nil

	require.NoError(t, f.stack.Accept(l, "yes", CloseOptions{}))
	assert.ErrorIs(t, f.stack.Dismiss(l, "no", CloseOptions{}), ErrAlreadyClosing)
	assert.ErrorIs(t, f.stack.Accept(l, "again", CloseOptions{}), ErrAlreadyClosing)

	v, err, ok := l.Outcome().Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
	assert.Equal(t, StateClosed, l.State())
	assert.Equal(t, 1, f.stack.Count())
	assert.False(t, f.doc.Attached(l.Element()))

	require.Len(t, f.log, 2)
	assert.Contains(t, f.log[0], EventAccept+"@")
	assert.Contains(t, f.log[1], EventAccepted+"@")
}

func TestDismissRejectsOutcome(t *testing.T) {
	f := newFixture(t)
	l := f.open(t, OpenOptions{})

	require.NoError(t, f.stack.Dismiss(l, 42, CloseOptions{}))
	_, err, ok := l.Outcome().Result()
	require.True(t, ok)
	var dismissed *DismissError
	require.ErrorAs(t, err, &dismissed)
	assert.Equal(t, 42, dismissed.Value)
	assert.ErrorIs(t, err, ErrDismissed)
}

func TestCloseCanBePrevented(t *testing.T) {
	f := newFixture(t)
	l := f.open(t, OpenOptions{})
	l.On(EventDismiss, func(e *event.Event) error {
		e.PreventDefault()
		return nil
	})

	assert.ErrorIs(t, f.stack.Dismiss(l, nil, CloseOptions{}), ErrClosePrevented)
	assert.Equal(t, StateOpen, l.State())
	assert.False(t, l.Outcome().Settled())

	require.NoError(t, f.stack.Dismiss(l, nil, CloseOptions{Force: true}))
	assert.True(t, l.IsClosed())
}

func TestListenerMayChangeCloseValue(t *testing.T) {
	f := newFixture(t)
	l := f.open(t, OpenOptions{})
	l.On(EventAccept, func(e *event.Event) error {
		e.Value = "rewritten"
		return nil
	})
	require.NoError(t, f.stack.Accept(l, "original", CloseOptions{}))
	v, _, _ := l.Outcome().Result()
	assert.Equal(t, "rewritten", v)
}

func TestRootCannotClose(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.stack.Accept(f.stack.Root(), nil, CloseOptions{}), ErrRootLayer)
	assert.ErrorIs(t, f.stack.Dismiss(f.stack.Root(), nil, CloseOptions{}), ErrRootLayer)
	assert.Equal(t, 1, f.stack.Count())
}

func TestClosingParentClosesDescendantsFirst(t *testing.T) {
	f := newFixture(t)
	first := f.open(t, OpenOptions{Mode: ModeModal})
	second := f.open(t, OpenOptions{Mode: ModePopup})
	f.log = nil

	require.NoError(t, f.stack.Accept(first, "done", CloseOptions{}))

	assert.True(t, second.IsClosed())
	assert.True(t, first.IsClosed())
	require.Len(t, f.log, 4)
	assert.Contains(t, f.log[0], EventAccept+"@modal")
	assert.Contains(t, f.log[1], EventDismiss+"@popup")
	assert.Contains(t, f.log[2], EventDismissed+"@popup")
	assert.Contains(t, f.log[3], EventAccepted+"@modal")

	_, err, _ := second.Outcome().Result()
	var dismissed *DismissError
	require.ErrorAs(t, err, &dismissed)
	assert.Equal(t, PeelValue, dismissed.Value)
}

func TestPeelCannotBePrevented(t *testing.T) {
	gofakeit.Seed(7)
	for round := 0; round < 25; round++ {
		f := newFixture(t)
		n := gofakeit.Number(1, 6)
		for i := 0; i < n; i++ {
			l := f.open(t, OpenOptions{Mode: ModeModal})
			l.On(EventDismiss, func(e *event.Event) error {
				e.PreventDefault()
				return nil
			})
		}
		f.events.On(EventDismiss, func(e *event.Event) error {
			e.PreventDefault()
			return nil
		})
		k := gofakeit.Number(0, n)
		base := f.stack.At(k)

		_, err := f.stack.Open(OpenOptions{Base: base})
		require.NoError(t, err)
		assert.Equal(t, k+2, f.stack.Count(), "stack of %d peeled to base %d", n+1, k)
		assert.Same(t, base, f.stack.Front().Parent())
	}
}

func TestPeelAccept(t *testing.T) {
	f := newFixture(t)
	overlay := f.open(t, OpenOptions{})

	_, err := f.stack.Open(OpenOptions{Base: f.stack.Root(), PeelAccept: true})
	require.NoError(t, err)

	v, err, ok := overlay.Outcome().Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, PeelValue, v)
}

func TestPeelWhilePeelingIsRefused(t *testing.T) {
	f := newFixture(t)
	f.open(t, OpenOptions{})
	f.open(t, OpenOptions{})

	var nested error
	f.events.On(EventDismissed, func(e *event.Event) error {
		if nested == nil {
			nested = f.stack.Peel(f.stack.Root(), PeelOptions{})
		}
		return nil
	})

	require.NoError(t, f.stack.Peel(f.stack.Root(), PeelOptions{}))
	assert.ErrorIs(t, nested, ErrAlreadyClosing)
	assert.Equal(t, 1, f.stack.Count())
	assert.False(t, f.stack.Peeling())
}

func TestFocusReturnsToOrigin(t *testing.T) {
	tests := []struct {
		name    string
		input   Input
		visible bool
	}{
		{"keyboard shows ring", InputKeyboard, true},
		{"pointer hides ring", InputPointer, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opener := f.byID("opener")
			l := f.open(t, OpenOptions{Origin: opener})
			f.doc.Focus(l.Element(), false)

			require.NoError(t, f.stack.Dismiss(l, nil, CloseOptions{Input: tt.input}))
			assert.Same(t, opener, f.doc.ActiveElement())
			assert.Equal(t, tt.visible, f.doc.FocusVisible())
		})
	}
}

func TestAbortRejectsWithReasonWithoutEvents(t *testing.T) {
	f := newFixture(t)
	l, err := f.stack.Open(OpenOptions{})
	require.NoError(t, err)
	f.log = nil

	reason := assert.AnError
	require.NoError(t, f.stack.Abort(l, reason))
	_, got, _ := l.Outcome().Result()
	assert.ErrorIs(t, got, reason)
	assert.Empty(t, f.log)
	assert.Equal(t, 1, f.stack.Count())
}

func TestAsCurrentOverride(t *testing.T) {
	f := newFixture(t)
	overlay := f.open(t, OpenOptions{})
	root := f.stack.Root()

	var inside *Layer
	f.stack.AsCurrent(root, func() { inside = f.stack.Current() })
	assert.Same(t, root, inside)
	assert.Same(t, overlay, f.stack.Current())

	f.stack.AsCurrent(overlay, func() {
		require.NoError(t, f.stack.Dismiss(overlay, nil, CloseOptions{}))
		assert.Same(t, root, f.stack.Current(), "closed override falls back to front")
	})
}

func TestOwnsExcludesNestedOverlays(t *testing.T) {
	f := newFixture(t)
	overlay := f.open(t, OpenOptions{})
	inner := dom.NewElement("p")
	dom.AppendChild(overlay.Content(), inner)

	assert.True(t, overlay.Owns(inner))
	assert.False(t, f.stack.Root().Owns(inner))
	assert.True(t, f.stack.Root().Owns(f.byID("main")))
	assert.Same(t, overlay, f.stack.Of(inner))
}

func TestContextInheritance(t *testing.T) {
	f := newFixture(t)
	f.stack.Root().Context["lang"] = "en"

	plain := f.open(t, OpenOptions{Context: map[string]any{"step": 1}})
	assert.Equal(t, map[string]any{"step": 1}, plain.Context)

	inherited := f.open(t, OpenOptions{InheritContext: true, Context: map[string]any{"step": 2}})
	assert.Equal(t, map[string]any{"step": 2}, inherited.Context, "inherits from its base, the first overlay")

	inherited.MergeContext(map[string]any{"step": nil, "done": true})
	assert.Equal(t, map[string]any{"done": true}, inherited.Context)
}
