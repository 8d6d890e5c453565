package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/runbridge/store"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one execution of an agent, identified by an opaque stable run ID.
// The execution driver owns the Run for its lifetime; it is persisted on
// every transition so a new process can reconstruct it.
type Run struct {
	ID        string         `json:"id"`
	Status    RunStatus      `json:"status"`
	Input     map[string]any `json:"input,omitempty"`
	Selectors []string       `json:"selectors,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// runState is the restart-relevant part of a Run, carried in the record's
// state blob so a fresh process can replay the run with the same engine
// input and breakpoint selectors it was started with.
type runState struct {
	Input     map[string]any `json:"input,omitempty"`
	Selectors []string       `json:"selectors,omitempty"`
}

// NewRunID generates an opaque run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

func (r *Run) record() (*store.RunRecord, error) {
	var output []byte
	if r.Output != nil {
		data, err := json.Marshal(r.Output)
		if err != nil {
			return nil, err
		}
		output = data
	}
	var state []byte
	if r.Input != nil || len(r.Selectors) > 0 {
		data, err := json.Marshal(runState{Input: r.Input, Selectors: r.Selectors})
		if err != nil {
			return nil, err
		}
		state = data
	}
	return &store.RunRecord{
		RunID:     r.ID,
		Status:    string(r.Status),
		StateBlob: state,
		Output:    output,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func runFromRecord(rec *store.RunRecord) (*Run, error) {
	run := &Run{
		ID:        rec.RunID,
		Status:    RunStatus(rec.Status),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.StateBlob) > 0 {
		var state runState
		if err := json.Unmarshal(rec.StateBlob, &state); err != nil {
			return nil, err
		}
		run.Input = state.Input
		run.Selectors = state.Selectors
	}
	if len(rec.Output) > 0 {
		if err := json.Unmarshal(rec.Output, &run.Output); err != nil {
			return nil, err
		}
	}
	return run, nil
}
