package bridge

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrRunNotFound is returned when no run exists for the given ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrAlreadySuspended is returned when a suspension is requested for a
	// run that already has one pending. A run has at most one outstanding
	// suspension at any time.
	ErrAlreadySuspended = errors.New("run already has a pending suspension")

	// ErrMalformedResume is returned when a resume payload cannot be
	// decoded. The run remains suspended; the caller may retry.
	ErrMalformedResume = errors.New("malformed resume payload")

	// ErrRunCancelled marks a run terminated by an external cancellation
	// request.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunDetached marks a run whose driver was detached by a manager
	// shutdown. Unlike cancellation it is not terminal: durable state is
	// left untouched so another process can recover the run.
	ErrRunDetached = errors.New("run detached")
)

// PersistenceError wraps a state store failure. A failed persist aborts the
// state transition it was part of, so in-memory and durable state never
// diverge.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// EngineError wraps a failure raised by the underlying execution engine
// while producing events or output. The run fails; no automatic retry.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine failure: %v", e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// SerializationError wraps a failure converting the engine's final output to
// the declared output contract. The run fails and the raw output is
// discarded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("output serialization failure: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
