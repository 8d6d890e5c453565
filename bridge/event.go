// Package bridge wraps an agent execution engine's event stream with
// breakpoint detection and durable suspend/resume.
//
// The bridge consumes engine events one at a time, classifies each into an
// engine-agnostic canonical form, matches it against the configured
// breakpoint selectors, and pauses the run at the matched action until an
// external resume signal arrives. Run state and the pending suspension are
// persisted so a restarted process can reconstruct a suspended run and
// re-enter the wait.
package bridge

// EventCategory is the canonical classification of an engine event.
type EventCategory string

const (
	CategoryToolCall EventCategory = "tool_call"
	CategoryHandoff  EventCategory = "handoff"
	CategoryApproval EventCategory = "approval"

	// CategoryNone marks events the matcher always rejects, including
	// unrecognized engine event tags.
	CategoryNone EventCategory = "none"
)

// RawEvent is a single tagged event from the underlying execution engine.
// Tag is the engine-native discriminant; Payload carries the engine's native
// fields and is used only for display, audit and name extraction.
type RawEvent struct {
	Tag     string         `json:"tag"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CanonicalEvent is the classifier output: an engine-agnostic view of a raw
// event. Name may be empty when the engine event carries no identifier, in
// which case only category selectors can match it.
type CanonicalEvent struct {
	Category EventCategory  `json:"category"`
	Name     string         `json:"name,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// categoryByTag maps engine-native event tags to canonical categories.
// This table is the only place engine event tag strings are referenced;
// new engine event types require an explicit entry here, never implicit
// pass-through.
var categoryByTag = map[string]EventCategory{
	"tool_call":        CategoryToolCall,
	"agent_handoff":    CategoryHandoff,
	"handoff":          CategoryHandoff,
	"approval_request": CategoryApproval,
	"input_required":   CategoryApproval,
}

// nameFieldsByCategory lists the payload fields consulted, in order, when
// extracting a canonical event's name.
var nameFieldsByCategory = map[EventCategory][]string{
	CategoryToolCall: {"tool_name", "name"},
	CategoryHandoff:  {"target_agent", "to_agent", "name"},
	CategoryApproval: {"resource", "tool_name", "name"},
}

// Classify maps a raw engine event to its canonical form. It is a pure
// function of the event's tag and payload and never fails: unrecognized tags
// classify to CategoryNone, missing name fields classify to an empty name.
func Classify(ev RawEvent) CanonicalEvent {
	category, ok := categoryByTag[ev.Tag]
	if !ok {
		return CanonicalEvent{Category: CategoryNone, Payload: ev.Payload}
	}

	var name string
	for _, field := range nameFieldsByCategory[category] {
		if v, ok := ev.Payload[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				name = s
				break
			}
		}
	}

	return CanonicalEvent{
		Category: category,
		Name:     name,
		Payload:  ev.Payload,
	}
}
