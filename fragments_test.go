package livelayer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/livefir/livelayer/compiler"
	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/selector"
)

const formPage = `<html><body><main>
<div class="box"><p>draft</p><input id="q" up-keep value="typed"></div>
</main></body></html>`

// countingRegistry counts compiles and destructor runs of #q.
func countingRegistry() (*compiler.Registry, *int, *int) {
	compiled, destroyed := 0, 0
	reg := compiler.NewRegistry(selector.NewCascadia())
	reg.Register("#q", func(*html.Node) (compiler.Destructor, error) {
		compiled++
		return func() error {
			destroyed++
			return nil
		}, nil
	})
	return reg, &compiled, &destroyed
}

func renderBox(t *testing.T, u *Up, body string) *RenderResult {
	t.Helper()
	var job *Job
	do(t, u, func() {
		job = u.Render(RenderOptions{Fragment: body})
	})
	res, err := wait(t, job)
	require.NoError(t, err)
	return res
}

func TestKeptElementSurvivesSwap(t *testing.T) {
	reg, compiled, destroyed := countingRegistry()
	u := newUp(t, formPage, nil, WithCompiler(reg))

	var before *html.Node
	do(t, u, func() {
		before = queryDoc(t, u, "#q")[0]
		assert.Equal(t, 1, *compiled)
	})

	renderBox(t, u, `<div class="box"><p>saved</p><input id="q" up-keep value="server"></div>`)

	do(t, u, func() {
		after := queryDoc(t, u, "#q")
		require.Len(t, after, 1)
		assert.Same(t, before, after[0])
		assert.Equal(t, "typed", dom.Attr(after[0], "value"))
		assert.Equal(t, 1, *compiled, "kept elements are not compiled again")
		assert.Zero(t, *destroyed, "kept elements are not destroyed")
	})
	assert.Equal(t, "saved", text(t, u, ".box p"))
	assert.Equal(t, int64(1), u.Metrics().ElementsKept)
	assert.Equal(t, int64(1), u.EventCounts()[EventFragmentKept])
}

func TestKeepCanBePrevented(t *testing.T) {
	reg, compiled, destroyed := countingRegistry()
	u := newUp(t, formPage, nil, WithCompiler(reg))

	var before *html.Node
	do(t, u, func() {
		before = queryDoc(t, u, "#q")[0]
		u.On(EventFragmentKeep, func(e *Event) error {
			e.PreventDefault()
			return nil
		})
	})

	renderBox(t, u, `<div class="box"><input id="q" up-keep value="server"></div>`)

	do(t, u, func() {
		after := queryDoc(t, u, "#q")
		require.Len(t, after, 1)
		assert.NotSame(t, before, after[0])
		assert.Equal(t, "server", dom.Attr(after[0], "value"))
		assert.Equal(t, 2, *compiled)
		assert.Equal(t, 1, *destroyed)
	})
}

func TestKeepRequiresMatchingCandidate(t *testing.T) {
	u := newUp(t, formPage, nil)

	// the new tree has a textarea where the input was
	renderBox(t, u, `<div class="box"><p>x</p><textarea id="q"></textarea></div>`)

	do(t, u, func() {
		els := queryDoc(t, u, "#q")
		require.Len(t, els, 1)
		assert.Equal(t, "textarea", els[0].Data)
	})
	assert.Zero(t, u.Metrics().ElementsKept)
}

func TestKeptTargetStaysInPlace(t *testing.T) {
	const keptPage = `<html><body><main><div id="box" up-keep>old</div></main></body></html>`
	tests := []struct {
		name string
		opts RenderOptions
	}{
		{name: "outer swap", opts: RenderOptions{Fragment: `<div id="box" up-keep>new</div>`}},
		{name: "content swap", opts: RenderOptions{Document: `<div id="box" up-keep>new</div>`, Target: "#box:content"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUp(t, keptPage, nil)

			var before *html.Node
			var job *Job
			do(t, u, func() {
				before = queryDoc(t, u, "#box")[0]
				job = u.Render(tt.opts)
			})
			res, err := wait(t, job)
			require.NoError(t, err)

			do(t, u, func() {
				after := queryDoc(t, u, "#box")
				require.Len(t, after, 1)
				assert.Same(t, before, after[0])
				assert.True(t, u.Document().Attached(before))
				assert.Equal(t, "main", before.Parent.Data)
				assert.Equal(t, []*html.Node{before}, res.Fragments)
			})
			assert.Equal(t, "old", text(t, u, "#box"))
			assert.Equal(t, int64(1), u.Metrics().ElementsKept)
		})
	}
}

func TestTrackedElementIsNotifiedWhenItMoves(t *testing.T) {
	tests := []struct {
		name  string
		page  string
		track string
		opts  RenderOptions
		want  []string
	}{
		{
			name:  "new parent",
			page:  formPage,
			track: "#q",
			opts:  RenderOptions{Fragment: `<div class="box"><p>x</p><input id="q" up-keep></div>`},
			want:  []string{"leave box", "enter box"},
		},
		{
			name:  "same parent and position",
			page:  formPage,
			track: "#q",
			opts:  RenderOptions{Document: `<div class="box"><p>x</p><input id="q" up-keep></div>`, Target: ".box:content"},
		},
		{
			name:  "kept target",
			page:  `<html><body><main class="main"><div id="box" up-keep>old</div></main></body></html>`,
			track: "#box",
			opts:  RenderOptions{Fragment: `<div id="box" up-keep>new</div>`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUp(t, tt.page, nil)

			var calls []string
			var job *Job
			do(t, u, func() {
				el := queryDoc(t, u, tt.track)[0]
				u.Track(el,
					func(_, parent *html.Node) error {
						calls = append(calls, "enter "+dom.Attr(parent, "class"))
						return nil
					},
					func(_, parent *html.Node) error {
						calls = append(calls, "leave "+dom.Attr(parent, "class"))
						return nil
					})
				job = u.Render(tt.opts)
			})
			_, err := wait(t, job)
			require.NoError(t, err)

			do(t, u, func() {
				assert.Equal(t, tt.want, calls)
				assert.Len(t, queryDoc(t, u, tt.track), 1)
			})
		})
	}
}

func TestCompilerPanicIsReported(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	reg := compiler.NewRegistry(selector.NewCascadia())
	reg.Register(".boom", func(*html.Node) (compiler.Destructor, error) {
		panic("kaboom")
	})
	reported := make(chan struct{}, 1)
	u := newUp(t, page, nil, WithCompiler(reg), WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		reported <- struct{}{}
	}))

	res := renderBox(t, u, `<div class="a"><span class="boom">x</span></div>`)
	assert.Len(t, res.Fragments, 1)
	<-reported

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	var cerr *compiler.Error
	require.True(t, errors.As(errs[0], &cerr))
	assert.Equal(t, ".boom", cerr.Selector)
	assert.Contains(t, cerr.Error(), "kaboom")
	assert.Equal(t, int64(1), u.Metrics().CallbackErrors)
}

func TestFocusFollowsSwappedInput(t *testing.T) {
	const focusPage = `<html><body><main>
<div class="a"><input name="email" value="a@b"></div>
</main></body></html>`
	u := newUp(t, focusPage, nil)

	do(t, u, func() {
		input := queryDoc(t, u, "input")[0]
		require.True(t, u.Focus(input, InputKeyboard))
	})

	renderBox(t, u, `<div class="a"><p>hint</p><input name="email" value="c@d"></div>`)

	do(t, u, func() {
		active := u.ActiveElement()
		assert.Equal(t, "input", active.Data)
		assert.Equal(t, "c@d", dom.Attr(active, "value"))
	})
}

func TestFocusOptions(t *testing.T) {
	tests := []struct {
		focus string
		want  string
	}{
		{focus: "target", want: "a"},
		{focus: ".a button", want: "button"},
		{focus: "layer", want: "body"},
	}
	for _, tt := range tests {
		t.Run(tt.focus, func(t *testing.T) {
			u := newUp(t, page, nil)
			var job *Job
			do(t, u, func() {
				job = u.Render(RenderOptions{
					Fragment: `<div class="a"><button>go</button></div>`,
					Focus:    tt.focus,
				})
			})
			_, err := wait(t, job)
			require.NoError(t, err)
			do(t, u, func() {
				active := u.ActiveElement()
				got := active.Data
				if dom.HasClass(active, "a") {
					got = "a"
				}
				assert.Equal(t, tt.want, got)
			})
		})
	}
}
