package plan

import (
	"strings"

	"github.com/livefir/livelayer/internal/selector"
)

// Pseudo targets understood by the builder.
const (
	Main  = ":main"
	Layer = ":layer"
	None  = ":none"
)

// Placement says how a new element is inserted relative to the old one.
type Placement string

const (
	// PlacementSwap replaces the old element.
	PlacementSwap Placement = "swap"
	// PlacementContent replaces the old element's children with the new one's.
	PlacementContent Placement = "content"
	// PlacementBefore prepends the new element's children.
	PlacementBefore Placement = "before"
	// PlacementAfter appends the new element's children.
	PlacementAfter Placement = "after"
	// PlacementInto makes the new element the only child of the old one. Used
	// to fill a layer that is being opened.
	PlacementInto Placement = "into"
)

var suffixes = map[string]Placement{
	":content": PlacementContent,
	":before":  PlacementBefore,
	":after":   PlacementAfter,
}

// Target is one part of a target union.
type Target struct {
	Selector  string
	Placement Placement
	Optional  bool
}

func (t Target) String() string {
	s := t.Selector
	if t.Placement != PlacementSwap && t.Placement != PlacementInto {
		s += ":" + string(t.Placement)
	}
	if t.Optional {
		s += ":maybe"
	}
	return s
}

// ParseTargets splits a union into targets. Duplicates collapse to their first
// occurrence, and the :maybe, :content, :before and :after suffixes are
// stripped into the target's fields.
func ParseTargets(union string) []Target {
	var (
		out  []Target
		seen = make(map[string]bool)
	)
	for _, part := range selector.Split(union) {
		if seen[part] {
			continue
		}
		seen[part] = true

		t := Target{Selector: part, Placement: PlacementSwap}
		for changed := true; changed; {
			changed = false
			if s, ok := strings.CutSuffix(t.Selector, ":maybe"); ok {
				t.Selector, t.Optional, changed = strings.TrimSpace(s), true, true
			}
			for suffix, placement := range suffixes {
				if s, ok := strings.CutSuffix(t.Selector, suffix); ok && s != "" {
					t.Selector, t.Placement, changed = strings.TrimSpace(s), placement, true
				}
			}
		}
		out = append(out, t)
	}
	return out
}

// Union joins selectors back into one union string.
func Union(selectors []string) string {
	return strings.Join(selectors, ", ")
}
