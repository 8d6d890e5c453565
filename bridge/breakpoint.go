package bridge

import (
	"fmt"
	"sort"
)

// WildcardSelector pauses on every canonical event regardless of category
// or name.
const WildcardSelector = "*"

// categoryKeywords maps selector keywords to the category they cover.
var categoryKeywords = map[string]EventCategory{
	"tool":     CategoryToolCall,
	"handoff":  CategoryHandoff,
	"approval": CategoryApproval,
}

// BreakpointSpec is the caller-facing breakpoint configuration: either the
// wildcard sentinel or a set of selectors. Each selector is a category
// keyword ("tool", "handoff", "approval") matching every event of that
// category, or a bare name matching events whose name equals it exactly.
// Selectors combine by union. The zero value matches nothing.
//
// A BreakpointSpec is immutable after construction and safe for concurrent
// use.
type BreakpointSpec struct {
	wildcard  bool
	selectors map[string]struct{}
}

// NewBreakpointSpec builds a spec from selector strings. A single "*"
// selector produces the wildcard spec. Empty selector strings are rejected.
// No selectors produces a spec that never pauses.
func NewBreakpointSpec(selectors ...string) (*BreakpointSpec, error) {
	spec := &BreakpointSpec{selectors: make(map[string]struct{}, len(selectors))}
	for _, sel := range selectors {
		if sel == "" {
			return nil, fmt.Errorf("breakpoint selector cannot be empty")
		}
		if sel == WildcardSelector {
			spec.wildcard = true
			continue
		}
		spec.selectors[sel] = struct{}{}
	}
	return spec, nil
}

// WildcardSpec returns a spec that pauses on every canonical event.
func WildcardSpec() *BreakpointSpec {
	return &BreakpointSpec{wildcard: true}
}

// IsWildcard reports whether the spec is the wildcard sentinel.
func (s *BreakpointSpec) IsWildcard() bool {
	return s != nil && s.wildcard
}

// Empty reports whether the spec can never pause execution.
func (s *BreakpointSpec) Empty() bool {
	return s == nil || (!s.wildcard && len(s.selectors) == 0)
}

// Selectors returns the configured selectors in sorted order, for logging.
func (s *BreakpointSpec) Selectors() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.selectors)+1)
	if s.wildcard {
		out = append(out, WildcardSelector)
	}
	for sel := range s.selectors {
		out = append(out, sel)
	}
	sort.Strings(out)
	return out
}

// ShouldPause reports whether the event should suspend execution. Events of
// CategoryNone never pause. Otherwise the wildcard pauses everything, a
// category keyword selector pauses every event of that category, and a name
// selector pauses events whose non-empty name equals it exactly.
func (s *BreakpointSpec) ShouldPause(ev CanonicalEvent) bool {
	if s == nil || ev.Category == CategoryNone {
		return false
	}
	if s.wildcard {
		return true
	}
	for sel := range s.selectors {
		if category, ok := categoryKeywords[sel]; ok && category == ev.Category {
			return true
		}
		if ev.Name != "" && sel == ev.Name {
			return true
		}
	}
	return false
}
