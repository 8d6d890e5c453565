// Package api defines the HTTP surface of runbridge: request and response
// types shared by the handlers and their clients.
package api

import (
	"encoding/json"
	"time"
)

// StartRunRequest starts a new run.
type StartRunRequest struct {
	// Input is the engine's initial input object.
	Input map[string]any `json:"input,omitempty"`
	// Breakpoints overrides the server's default selectors for this run.
	// "*" pauses on everything; "tool", "handoff" and "approval" pause on
	// whole categories; any other string matches an action name exactly.
	Breakpoints []string `json:"breakpoints,omitempty"`
}

// StartRunResponse carries the ID of the launched run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// RunView is the external representation of a run.
type RunView struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SuspensionView describes a run's pending suspension.
type SuspensionView struct {
	RunID          string         `json:"run_id"`
	Category       string         `json:"category"`
	Name           string         `json:"name,omitempty"`
	Phase          string         `json:"phase"`
	CapturedState  map[string]any `json:"captured_state,omitempty"`
	NextCandidates []string       `json:"next_candidates,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ResumeRequest resumes a suspended run. Payload is handed to the engine
// verbatim; it must be a JSON object when present.
type ResumeRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamFrame is one websocket message on a run's event stream.
type StreamFrame struct {
	// Kind is "message", "state", "suspended" or "result".
	Kind       string          `json:"kind"`
	Node       string          `json:"node,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Suspension *SuspensionView `json:"suspension,omitempty"`
	Result     *RunView        `json:"result,omitempty"`
}
