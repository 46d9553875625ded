package layer

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

type refKind int

const (
	refCurrent refKind = iota
	refIndex
	refKeyword
	refElement
	refLayer
	refList
)

// Ref is a reference to one or more layers: an index, a keyword, an element,
// a layer, or an ordered list of those. The zero Ref means "current".
type Ref struct {
	kind    refKind
	index   int
	keyword string
	element *html.Node
	layer   *Layer
	refs    []Ref
}

// Keywords understood by Resolve.
const (
	KeywordCurrent    = "current"
	KeywordRoot       = "root"
	KeywordFront      = "front"
	KeywordParent     = "parent"
	KeywordChild      = "child"
	KeywordClosest    = "closest"
	KeywordAncestor   = "ancestor"
	KeywordDescendant = "descendant"
	KeywordSubtree    = "subtree"
	KeywordOverlay    = "overlay"
	KeywordAny        = "any"
	KeywordOrigin     = "origin"
	KeywordNew        = "new"
)

// Index refers to the layer at position i.
func Index(i int) Ref { return Ref{kind: refIndex, index: i} }

// Keyword refers to layers relative to the base layer.
func Keyword(k string) Ref { return Ref{kind: refKeyword, keyword: k} }

// ElementRef refers to the layer owning n.
func ElementRef(n *html.Node) Ref { return Ref{kind: refElement, element: n} }

// Of refers to l itself.
func Of(l *Layer) Ref { return Ref{kind: refLayer, layer: l} }

// Refs combines references; results keep their order and are deduplicated.
func Refs(refs ...Ref) Ref { return Ref{kind: refList, refs: refs} }

// ParseRef reads a space or comma separated list of keywords and indexes,
// e.g. "parent root" or "0, current".
func ParseRef(s string) Ref {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return Ref{}
	}
	refs := make([]Ref, 0, len(fields))
	for _, f := range fields {
		if i, err := strconv.Atoi(f); err == nil {
			refs = append(refs, Index(i))
		} else {
			refs = append(refs, Keyword(f))
		}
	}
	if len(refs) == 1 {
		return refs[0]
	}
	return Refs(refs...)
}

// IsNew reports whether the reference asks for a layer that does not exist yet.
func (r Ref) IsNew() bool {
	return r.kind == refKeyword && r.keyword == KeywordNew
}

// IsZero reports whether r is the zero reference.
func (r Ref) IsZero() bool { return r.kind == refCurrent }

func (r Ref) String() string {
	switch r.kind {
	case refIndex:
		return strconv.Itoa(r.index)
	case refKeyword:
		return r.keyword
	case refElement:
		return "element"
	case refLayer:
		return "layer"
	case refList:
		parts := make([]string, len(r.refs))
		for i, x := range r.refs {
			parts[i] = x.String()
		}
		return strings.Join(parts, " ")
	}
	return KeywordCurrent
}

// LookupOptions give the context a reference is resolved in.
type LookupOptions struct {
	// Base overrides the layer relative keywords are resolved against.
	Base *Layer
	// Origin is the element that triggered the lookup.
	Origin *html.Node
}

// UnknownRefError reports an unsupported keyword.
type UnknownRefError struct {
	Keyword string
}

func (e *UnknownRefError) Error() string {
	return fmt.Sprintf("unknown layer reference %q", e.Keyword)
}

// Resolve returns the open layers r refers to, in preference order.
func (s *Stack) Resolve(r Ref, opts LookupOptions) ([]*Layer, error) {
	base := opts.Base
	if base == nil && opts.Origin != nil {
		base = s.Of(opts.Origin)
	}
	if base == nil || base.IsClosed() {
		base = s.Current()
	}

	var out []*Layer
	if err := s.resolveInto(&out, r, base, opts); err != nil {
		return nil, err
	}
	result := out[:0]
	for _, l := range out {
		if !l.IsClosed() && !slices.Contains(result, l) {
			result = append(result, l)
		}
	}
	return result, nil
}

func (s *Stack) resolveInto(out *[]*Layer, r Ref, base *Layer, opts LookupOptions) error {
	switch r.kind {
	case refCurrent:
		*out = append(*out, base)
	case refIndex:
		if l := s.At(r.index); l != nil {
			*out = append(*out, l)
		}
	case refElement:
		if l := s.Of(r.element); l != nil {
			*out = append(*out, l)
		}
	case refLayer:
		if r.layer != nil {
			*out = append(*out, r.layer)
		}
	case refList:
		for _, x := range r.refs {
			if err := s.resolveInto(out, x, base, opts); err != nil {
				return err
			}
		}
	case refKeyword:
		return s.resolveKeyword(out, r.keyword, base, opts)
	}
	return nil
}

func (s *Stack) resolveKeyword(out *[]*Layer, keyword string, base *Layer, opts LookupOptions) error {
	switch keyword {
	case KeywordCurrent:
		*out = append(*out, base)
	case KeywordRoot:
		*out = append(*out, s.Root())
	case KeywordFront:
		*out = append(*out, s.Front())
	case KeywordParent:
		if p := base.Parent(); p != nil {
			*out = append(*out, p)
		}
	case KeywordChild:
		if c := base.Child(); c != nil {
			*out = append(*out, c)
		}
	case KeywordClosest:
		*out = append(*out, base)
		*out = append(*out, base.Ancestors()...)
	case KeywordAncestor:
		*out = append(*out, base.Ancestors()...)
	case KeywordDescendant:
		*out = append(*out, base.Descendants()...)
	case KeywordSubtree:
		*out = append(*out, base)
		*out = append(*out, base.Descendants()...)
	case KeywordOverlay:
		for i := len(s.layers) - 1; i > 0; i-- {
			*out = append(*out, s.layers[i])
		}
	case KeywordAny:
		*out = append(*out, base)
		for i := len(s.layers) - 1; i >= 0; i-- {
			*out = append(*out, s.layers[i])
		}
	case KeywordOrigin:
		if opts.Origin == nil {
			return &UnknownRefError{Keyword: "origin (no origin element given)"}
		}
		if l := s.Of(opts.Origin); l != nil {
			*out = append(*out, l)
		}
	case KeywordNew:
		// resolved by the caller, which opens a layer
	default:
		return &UnknownRefError{Keyword: keyword}
	}
	return nil
}

// Get resolves r to its first layer.
func (s *Stack) Get(r Ref, opts LookupOptions) (*Layer, error) {
	layers, err := s.Resolve(r, opts)
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, r)
	}
	return layers[0], nil
}
