package bridge

import (
	"context"
)

// ResumeState carries resume information into an engine restart. Payload is
// the external response supplied with the resume signal, if any.
type ResumeState struct {
	Payload map[string]any
}

// Engine abstracts the external execution engine (an agent workflow runner).
// The bridge treats it as an opaque producer of tagged events: it is
// restartable only from the top, and the bridge never attempts to resume the
// engine's internal iterator mid-stream across a process restart.
type Engine interface {
	// Name identifies the engine for logging and schema purposes.
	Name() string

	// Start begins an execution and returns its event stream. A non-nil
	// resume indicates the run is continuing after a suspension that
	// outlived the original process; the engine replays from its own
	// persisted state with the resume payload as the pending external
	// response.
	Start(ctx context.Context, input map[string]any, resume *ResumeState) (EventStream, error)
}

// EventStream is an engine execution in progress.
type EventStream interface {
	// Next returns the next engine event in emission order, or io.EOF
	// when the stream is exhausted.
	Next(ctx context.Context) (RawEvent, error)

	// Output returns the engine's final output. Valid only after Next
	// has returned io.EOF.
	Output() (any, error)

	// Close releases engine resources. Safe to call at any point.
	Close() error
}

// PayloadReceiver is implemented by event streams that accept an external
// response mid-stream, delivered when an in-process suspension resumes with
// a payload.
type PayloadReceiver interface {
	Deliver(payload map[string]any) error
}
