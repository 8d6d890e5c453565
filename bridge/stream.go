package bridge

// StreamEventKind discriminates events yielded in streaming mode.
type StreamEventKind string

const (
	// StreamMessage wraps agent conversation traffic: tool calls, tool
	// results, agent input/output.
	StreamMessage StreamEventKind = "message"

	// StreamState wraps every other engine event, for observability.
	StreamState StreamEventKind = "state"

	// StreamSuspended carries the suspension record when a breakpoint
	// fires. It is yielded before the run blocks, so the consumer can
	// trigger the resume.
	StreamSuspended StreamEventKind = "suspended"

	// StreamResult is the final event of a stream.
	StreamResult StreamEventKind = "result"
)

// messageTags lists engine tags surfaced as message events rather than
// state events.
var messageTags = map[string]struct{}{
	"tool_call":        {},
	"tool_call_result": {},
	"agent_input":      {},
	"agent_output":     {},
	"agent_stream":     {},
}

// StreamEvent is one item of a streaming execution: an observability event,
// a suspension, or the terminal result.
type StreamEvent struct {
	Kind       StreamEventKind   `json:"kind"`
	Node       string            `json:"node,omitempty"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Suspension *SuspensionRecord `json:"suspension,omitempty"`
	Result     *Result           `json:"result,omitempty"`
}

// Result is the terminal outcome of a run, or its suspended snapshot when
// observed mid-flight.
type Result struct {
	RunID  string         `json:"run_id"`
	Status RunStatus      `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Err    error          `json:"-"`
	Error  string         `json:"error,omitempty"`
}

func observabilityKind(tag string) StreamEventKind {
	if _, ok := messageTags[tag]; ok {
		return StreamMessage
	}
	return StreamState
}
