package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/runbridge/bridge"
)

// TestContext returns a context with a 30 second timeout, cancelled at test
// cleanup.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// WaitFor polls condition until it holds or the timeout expires.
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel receives one value from ch or gives up after timeout.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// MustJSON marshals v, panicking on failure.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON unmarshals s into T, panicking on failure.
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// ToolCallEvent builds a raw tool call event for the scripted engine.
func ToolCallEvent(toolName string, args map[string]any) bridge.RawEvent {
	payload := map[string]any{"tool_name": toolName}
	for k, v := range args {
		payload[k] = v
	}
	return bridge.RawEvent{Tag: "tool_call", Payload: payload}
}

// HandoffEvent builds a raw agent handoff event.
func HandoffEvent(targetAgent string) bridge.RawEvent {
	return bridge.RawEvent{Tag: "agent_handoff", Payload: map[string]any{"target_agent": targetAgent}}
}

// ApprovalEvent builds a raw approval request event.
func ApprovalEvent(resource string) bridge.RawEvent {
	return bridge.RawEvent{Tag: "approval_request", Payload: map[string]any{"resource": resource}}
}

// OutputEvent builds a raw agent output event, which classifies to none and
// never matches a breakpoint.
func OutputEvent(content string) bridge.RawEvent {
	return bridge.RawEvent{Tag: "agent_output", Payload: map[string]any{"content": content}}
}

// CollectStream drains a driver stream until the terminal result, returning
// the observability events and the result separately. It fails the test if
// the stream closes without a result or does not finish within timeout.
func CollectStream(t *testing.T, ch <-chan bridge.StreamEvent, timeout time.Duration) ([]bridge.StreamEvent, *bridge.Result) {
	t.Helper()
	var events []bridge.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed without a result event")
			}
			if ev.Kind == bridge.StreamResult {
				return events, ev.Result
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not finish within %v", timeout)
		}
	}
}
