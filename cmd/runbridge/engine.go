package main

import (
	"context"
	"io"
	"sync"

	"github.com/BaSui01/runbridge/bridge"
)

// loopbackEngine is the engine the standalone binary serves. It turns each
// run's input into a small deterministic event sequence so breakpoints,
// suspension, and resume can be exercised end to end without a real agent
// runtime behind the server. Deployments embedding the bridge as a library
// construct bridge.NewManager with their own Engine instead.
//
// Input shape:
//
//	{"tool": "<name>", "args": {...}}   emits one tool_call event
//	{"handoff": "<agent>"}              emits one handoff event
//	anything else                       emits no breakpoint candidates
//
// The final output echoes the input, merged with every payload delivered on
// resume.
type loopbackEngine struct{}

func (loopbackEngine) Name() string { return "loopback" }

func (loopbackEngine) Start(ctx context.Context, input map[string]any, resume *bridge.ResumeState) (bridge.EventStream, error) {
	events := []bridge.RawEvent{
		{Tag: "node_enter", Payload: map[string]any{"node": "loopback"}},
	}
	if tool, ok := input["tool"].(string); ok && tool != "" {
		payload := map[string]any{"tool_name": tool}
		if args, ok := input["args"].(map[string]any); ok {
			payload["args"] = args
		}
		events = append(events, bridge.RawEvent{Tag: "tool_call", Payload: payload})
	}
	if target, ok := input["handoff"].(string); ok && target != "" {
		events = append(events, bridge.RawEvent{Tag: "handoff", Payload: map[string]any{"target_agent": target}})
	}

	output := make(map[string]any, len(input))
	for k, v := range input {
		output[k] = v
	}
	if resume != nil {
		for k, v := range resume.Payload {
			output[k] = v
		}
	}

	return &loopbackStream{events: events, output: output}, nil
}

type loopbackStream struct {
	mu     sync.Mutex
	events []bridge.RawEvent
	next   int
	output map[string]any
}

func (s *loopbackStream) Next(ctx context.Context) (bridge.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return bridge.RawEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.events) {
		return bridge.RawEvent{}, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *loopbackStream) Output() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, nil
}

// Deliver merges a resume payload into the run's echoed output.
func (s *loopbackStream) Deliver(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range payload {
		s.output[k] = v
	}
	return nil
}

func (s *loopbackStream) Close() error { return nil }
