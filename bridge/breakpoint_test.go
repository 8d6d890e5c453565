package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewBreakpointSpec(t *testing.T) {
	t.Run("rejects empty selector", func(t *testing.T) {
		_, err := NewBreakpointSpec("tool", "")
		require.Error(t, err)
	})

	t.Run("wildcard selector", func(t *testing.T) {
		spec, err := NewBreakpointSpec("*")
		require.NoError(t, err)
		assert.True(t, spec.IsWildcard())
		assert.False(t, spec.Empty())
	})

	t.Run("no selectors matches nothing", func(t *testing.T) {
		spec, err := NewBreakpointSpec()
		require.NoError(t, err)
		assert.True(t, spec.Empty())
		assert.False(t, spec.ShouldPause(CanonicalEvent{Category: CategoryToolCall, Name: "anything"}))
	})

	t.Run("selectors are sorted for logging", func(t *testing.T) {
		spec, err := NewBreakpointSpec("tool", "calculate_sum", "*")
		require.NoError(t, err)
		assert.Equal(t, []string{"*", "calculate_sum", "tool"}, spec.Selectors())
	})
}

func TestShouldPause(t *testing.T) {
	toolEvent := CanonicalEvent{Category: CategoryToolCall, Name: "calculate_sum"}
	handoffEvent := CanonicalEvent{Category: CategoryHandoff, Name: "french_agent"}
	approvalEvent := CanonicalEvent{Category: CategoryApproval, Name: "prod-db"}

	tests := []struct {
		name      string
		selectors []string
		event     CanonicalEvent
		want      bool
	}{
		{"category keyword matches its category", []string{"tool"}, toolEvent, true},
		{"category keyword rejects other categories", []string{"tool"}, handoffEvent, false},
		{"exact name match", []string{"french_agent"}, handoffEvent, true},
		{"name match is category agnostic", []string{"calculate_sum"}, toolEvent, true},
		{"name mismatch", []string{"spanish_agent"}, handoffEvent, false},
		{"union of selectors", []string{"approval", "french_agent"}, handoffEvent, true},
		{"union second arm", []string{"approval", "french_agent"}, approvalEvent, true},
		{"union miss", []string{"approval", "french_agent"}, toolEvent, false},
		{"wildcard matches everything", []string{"*"}, toolEvent, true},
		{"name selector never matches empty name", []string{"calculate_sum"}, CanonicalEvent{Category: CategoryToolCall}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewBreakpointSpec(tt.selectors...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.ShouldPause(tt.event))
		})
	}
}

func TestShouldPauseNoneCategory(t *testing.T) {
	ev := CanonicalEvent{Category: CategoryNone, Name: "calculate_sum"}

	spec := WildcardSpec()
	assert.False(t, spec.ShouldPause(ev), "wildcard must not pause on unclassified events")

	named, err := NewBreakpointSpec("calculate_sum")
	require.NoError(t, err)
	assert.False(t, named.ShouldPause(ev))
}

func TestShouldPauseNilSpec(t *testing.T) {
	var spec *BreakpointSpec
	assert.True(t, spec.Empty())
	assert.False(t, spec.ShouldPause(CanonicalEvent{Category: CategoryToolCall, Name: "x"}))
}

// Adding selectors can only widen the matched set: any event paused by a
// spec is still paused by every superset of that spec.
func TestShouldPauseMonotonic(t *testing.T) {
	categories := []EventCategory{CategoryToolCall, CategoryHandoff, CategoryApproval}
	keywords := []string{"tool", "handoff", "approval"}

	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z_]{1,12}`), 0, 4).Draw(t, "names")
		base := append([]string{}, names...)
		if rapid.Bool().Draw(t, "keyword") {
			base = append(base, rapid.SampledFrom(keywords).Draw(t, "kw"))
		}

		extra := rapid.SliceOfN(rapid.StringMatching(`[a-z_]{1,12}`), 1, 3).Draw(t, "extra")
		wider := append(append([]string{}, base...), extra...)

		specA, err := NewBreakpointSpec(base...)
		require.NoError(t, err)
		specB, err := NewBreakpointSpec(wider...)
		require.NoError(t, err)

		ev := CanonicalEvent{
			Category: rapid.SampledFrom(categories).Draw(t, "category"),
			Name:     rapid.StringMatching(`[a-z_]{0,12}`).Draw(t, "event_name"),
		}

		if specA.ShouldPause(ev) {
			assert.True(t, specB.ShouldPause(ev),
				"selectors %v pause %+v but superset %v does not", base, ev, wider)
		}
	})
}

// A category keyword already covers every event of its category, so name
// selectors added on top of it are redundant for those events: the keyword
// alone and the widened spec decide every event of that category the same
// way.
func TestShouldPauseRedundantNamesNoEffect(t *testing.T) {
	t.Run("tool keyword absorbs tool names", func(t *testing.T) {
		narrow, err := NewBreakpointSpec("tool")
		require.NoError(t, err)
		wide, err := NewBreakpointSpec("tool", "calculate_sum")
		require.NoError(t, err)

		for _, name := range []string{"calculate_sum", "calculate_product", "lookup", ""} {
			ev := CanonicalEvent{Category: CategoryToolCall, Name: name}
			assert.Equal(t, narrow.ShouldPause(ev), wide.ShouldPause(ev),
				"tool event %q decided differently", name)
			assert.True(t, wide.ShouldPause(ev))
		}
	})

	t.Run("any keyword and covered events", func(t *testing.T) {
		keywords := []string{"tool", "handoff", "approval"}

		rapid.Check(t, func(t *rapid.T) {
			kw := rapid.SampledFrom(keywords).Draw(t, "kw")
			extra := rapid.SliceOfN(rapid.StringMatching(`[a-z_]{1,12}`), 1, 4).Draw(t, "extra")

			narrow, err := NewBreakpointSpec(kw)
			require.NoError(t, err)
			wide, err := NewBreakpointSpec(append([]string{kw}, extra...)...)
			require.NoError(t, err)

			ev := CanonicalEvent{
				Category: categoryKeywords[kw],
				Name:     rapid.StringMatching(`[a-z_]{0,12}`).Draw(t, "event_name"),
			}

			if narrow.ShouldPause(ev) != wide.ShouldPause(ev) {
				t.Fatalf("event %+v decided differently by %v and %v",
					ev, narrow.Selectors(), wide.Selectors())
			}
			if !wide.ShouldPause(ev) {
				t.Fatalf("keyword %q failed to pause its own category event %+v", kw, ev)
			}
		})
	})
}
