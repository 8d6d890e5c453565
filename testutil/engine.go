// Package testutil provides test doubles and helpers shared by the
// package-level test suites. The scripted engine plays back a fixed event
// sequence, records resume payload deliveries, and supports error injection
// at any point of the run.
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/BaSui01/runbridge/bridge"
)

// ScriptedEngine is a deterministic bridge.Engine for tests. Each Start
// call plays the configured script from the top, which mirrors an engine
// that rebuilds its state on cross-process resume.
type ScriptedEngine struct {
	mu sync.Mutex

	name   string
	events []bridge.RawEvent
	output any

	startErr  error
	streamErr error
	errAfter  int // inject streamErr after N events; 0 means at the first Next

	starts    []StartCall
	delivered []map[string]any
}

// StartCall records a single Start invocation.
type StartCall struct {
	Input  map[string]any
	Resume *bridge.ResumeState
}

// NewScriptedEngine creates an engine that emits no events and returns a
// nil output.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{name: "scripted"}
}

// WithName sets the engine name.
func (e *ScriptedEngine) WithName(name string) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = name
	return e
}

// WithEvents sets the event script played back by every Start.
func (e *ScriptedEngine) WithEvents(events ...bridge.RawEvent) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = events
	return e
}

// WithOutput sets the final output returned after the script is exhausted.
func (e *ScriptedEngine) WithOutput(output any) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = output
	return e
}

// WithStartError makes Start fail before producing a stream.
func (e *ScriptedEngine) WithStartError(err error) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
	return e
}

// WithStreamError makes the stream fail after n events have been emitted.
func (e *ScriptedEngine) WithStreamError(err error, n int) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamErr = err
	e.errAfter = n
	return e
}

// Starts returns every recorded Start invocation.
func (e *ScriptedEngine) Starts() []StartCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StartCall, len(e.starts))
	copy(out, e.starts)
	return out
}

// Delivered returns every resume payload handed back through Deliver, in
// order.
func (e *ScriptedEngine) Delivered() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]any, len(e.delivered))
	copy(out, e.delivered)
	return out
}

// Name implements bridge.Engine.
func (e *ScriptedEngine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Start implements bridge.Engine. The returned stream also implements
// bridge.PayloadReceiver so resume payloads are captured.
func (e *ScriptedEngine) Start(ctx context.Context, input map[string]any, resume *bridge.ResumeState) (bridge.EventStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, StartCall{Input: input, Resume: resume})
	if e.startErr != nil {
		return nil, e.startErr
	}
	return &scriptedStream{engine: e}, nil
}

type scriptedStream struct {
	engine *ScriptedEngine
	pos    int
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (bridge.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return bridge.RawEvent{}, err
	}
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.engine.streamErr != nil && s.pos >= s.engine.errAfter {
		return bridge.RawEvent{}, s.engine.streamErr
	}
	if s.pos >= len(s.engine.events) {
		return bridge.RawEvent{}, io.EOF
	}
	ev := s.engine.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Output() (any, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.engine.output, nil
}

func (s *scriptedStream) Deliver(payload map[string]any) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.engine.delivered = append(s.engine.delivered, payload)
	return nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
