// Package plan turns a target union and a parsed response into the ordered
// list of swaps a render performs.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/livelayer/internal/dom"
	"github.com/livefir/livelayer/internal/fragment"
	"github.com/livefir/livelayer/internal/selector"
)

// MissingError lists targets that could not be resolved.
type MissingError struct {
	Targets []string
	// InSource is true when the targets exist on the page but not in the response.
	InSource bool
}

func (e *MissingError) Error() string {
	where := "page"
	if e.InSource {
		where = "response"
	}
	return fmt.Sprintf("could not find %s in %s", strings.Join(e.Targets, ", "), where)
}

func (e *MissingError) Unwrap() error { return fragment.ErrNotFound }

// Step swaps one old element for one new element.
type Step struct {
	Selector   string
	Old        *html.Node
	New        *html.Node
	Placement  Placement
	Transition string
	// Hungry marks steps added for elements that were not targeted.
	Hungry bool
	// Fragment is the element reported to the caller once the step is applied.
	Fragment *html.Node
}

// Plan is the result of a successful build.
type Plan struct {
	Steps []Step
	// Missing lists targets dropped because the response lacked them.
	Missing []string
	// None is set when the target was :none and nothing should be swapped.
	None bool
}

// Request is the input to Build.
type Request struct {
	Target string
	// Layer is the layer the targets are resolved in.
	Layer fragment.Scope
	// LayerContent is the element :layer refers to.
	LayerContent *html.Node
	// Opening fills LayerContent with the first target found in Source.
	Opening bool
	Origin  *html.Node
	// Source is the parsed response.
	Source *html.Node
	// All makes the plan fail when any target is missing from the response.
	All bool
	// MainTargets are tried in order for :main.
	MainTargets []string
	// Hungry elements are updated when Source contains a match for them.
	Hungry     []*html.Node
	Transition string
}

// Builder computes plans.
type Builder struct {
	Matcher *fragment.Matcher
}

// NewBuilder creates a builder over m.
func NewBuilder(m *fragment.Matcher) *Builder {
	return &Builder{Matcher: m}
}

// Build resolves req into a plan. It never touches either tree.
func (b *Builder) Build(req Request) (*Plan, error) {
	targets := ParseTargets(req.Target)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: empty target", fragment.ErrNotFound)
	}
	if onlyNone(targets) {
		return &Plan{None: true}, nil
	}
	if req.Opening {
		p, err := b.buildOpening(req, targets)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, b.hungrySteps(req, p.Steps)...)
		return p, nil
	}

	p := &Plan{}
	var missingOld, missingNew []string
	for _, t := range targets {
		if t.Selector == None {
			continue
		}
		step, err := b.resolve(req, t, p.Steps)
		switch {
		case err == nil && step == nil:
			// covered by an earlier step
		case err == nil:
			p.Steps = append(p.Steps, *step)
		case t.Optional:
		case errors.Is(err, errMissingInSource):
			missingNew = append(missingNew, t.String())
		default:
			missingOld = append(missingOld, t.String())
		}
	}

	if len(missingOld) > 0 {
		return nil, &MissingError{Targets: missingOld}
	}
	if len(missingNew) > 0 && (req.All || len(p.Steps) == 0) {
		return nil, &MissingError{Targets: missingNew, InSource: true}
	}
	if len(p.Steps) == 0 {
		return nil, &MissingError{Targets: []string{req.Target}}
	}
	p.Missing = missingNew

	p.Steps = append(p.Steps, b.hungrySteps(req, p.Steps)...)
	return p, nil
}

var errMissingInSource = errors.New("missing in source")

// resolve finds the old and new element for one target. A nil step with a nil
// error means the target is already covered by an earlier step.
func (b *Builder) resolve(req Request, t Target, earlier []Step) (*Step, error) {
	if t.Selector == Main {
		return b.resolveMain(req, t, earlier)
	}
	if t.Selector == Layer {
		if req.LayerContent == nil {
			return nil, fragment.ErrNotFound
		}
		return &Step{
			Selector:   Layer,
			Old:        req.LayerContent,
			New:        sourceBody(req.Source),
			Placement:  PlacementContent,
			Transition: req.Transition,
			Fragment:   req.LayerContent,
		}, nil
	}

	old, err := b.Matcher.FindBest(fragment.Query{Scope: req.Layer, Origin: req.Origin}, t.Selector)
	if err != nil {
		return nil, err
	}
	for _, s := range earlier {
		if dom.Contains(s.Old, old) || dom.Contains(old, s.Old) {
			return nil, nil
		}
	}
	fresh, err := b.Matcher.FindFirst(fragment.Query{Root: req.Source}, selector.ForSource(t.Selector, req.Origin))
	if err != nil {
		return nil, errMissingInSource
	}

	step := &Step{
		Selector:   t.String(),
		Old:        old,
		New:        fresh,
		Placement:  t.Placement,
		Transition: req.Transition,
		Fragment:   fresh,
	}
	if t.Placement != PlacementSwap {
		step.Fragment = old
	}
	return step, nil
}

// resolveMain uses the first main target present on the page and in the response.
func (b *Builder) resolveMain(req Request, t Target, earlier []Step) (*Step, error) {
	var firstErr error
	for _, sel := range req.MainTargets {
		mt := Target{Selector: sel, Placement: t.Placement, Optional: t.Optional}
		step, err := b.resolve(req, mt, earlier)
		if err == nil {
			if step != nil {
				step.Selector = mt.String()
			}
			return step, nil
		}
		if firstErr == nil || errors.Is(err, errMissingInSource) {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fragment.ErrNotFound
	}
	return nil, firstErr
}

func (b *Builder) buildOpening(req Request, targets []Target) (*Plan, error) {
	var tried []string
	for _, t := range expandMain(targets, req.MainTargets) {
		if t.Selector == None {
			continue
		}
		tried = append(tried, t.String())
		if t.Selector == Layer {
			return &Plan{Steps: []Step{{
				Selector:  Layer,
				Old:       req.LayerContent,
				New:       sourceBody(req.Source),
				Placement: PlacementContent,
				Fragment:  req.LayerContent,
			}}}, nil
		}
		fresh, err := b.Matcher.FindFirst(fragment.Query{Root: req.Source}, selector.ForSource(t.Selector, req.Origin))
		if err != nil {
			continue
		}
		return &Plan{Steps: []Step{{
			Selector:   t.String(),
			Old:        req.LayerContent,
			New:        fresh,
			Placement:  PlacementInto,
			Transition: req.Transition,
			Fragment:   fresh,
		}}}, nil
	}
	return nil, &MissingError{Targets: tried, InSource: true}
}

func (b *Builder) hungrySteps(req Request, steps []Step) []Step {
	var out []Step
	covered := func(old, fresh *html.Node) bool {
		for _, s := range slices.Concat(steps, out) {
			if dom.Contains(s.Old, old) || dom.Contains(old, s.Old) {
				return true
			}
			if s.New != nil && dom.Contains(s.New, fresh) {
				return true
			}
		}
		return false
	}
	for _, h := range req.Hungry {
		sel := selector.Derive(h)
		fresh, err := b.Matcher.FindFirst(fragment.Query{Root: req.Source}, sel)
		if err != nil || covered(h, fresh) {
			continue
		}
		out = append(out, Step{
			Selector:  sel,
			Old:       h,
			New:       fresh,
			Placement: PlacementSwap,
			Hungry:    true,
			Fragment:  fresh,
		})
	}
	return out
}

func expandMain(targets []Target, main []string) []Target {
	var out []Target
	for _, t := range targets {
		if t.Selector != Main {
			out = append(out, t)
			continue
		}
		for _, sel := range main {
			out = append(out, Target{Selector: sel, Placement: t.Placement, Optional: t.Optional})
		}
	}
	return out
}

func onlyNone(targets []Target) bool {
	for _, t := range targets {
		if t.Selector != None {
			return false
		}
	}
	return true
}

// sourceBody returns the element whose children form the response content.
func sourceBody(source *html.Node) *html.Node {
	var body *html.Node
	dom.Walk(source, func(n *html.Node) bool {
		if body != nil {
			return false
		}
		if n.DataAtom == atom.Body {
			body = n
			return false
		}
		return true
	})
	if body != nil {
		return body
	}
	return source
}
