package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/internal/metrics"
	"github.com/BaSui01/runbridge/store"
)

// Driver consumes the execution engine's event stream, classifies and
// matches each event, and drives the suspend controller. It owns the Run
// record for the duration of the execution: every state transition is
// persisted before control returns to the caller.
//
// A Driver handles a single run; multiple runs execute concurrently in
// separate Drivers sharing one Store and one SuspendController. Within a
// run, events are processed strictly one at a time in engine emission
// order.
type Driver struct {
	engine  Engine
	store   store.Store
	ctrl    *SuspendController
	spec    *BreakpointSpec
	runID   string
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	// RunID identifies the run. When empty a fresh ID is generated. A
	// pre-existing ID whose run is SUSPENDED in the store triggers
	// crash recovery: the driver re-enters the wait state.
	RunID string

	// Breakpoints selects the events that pause execution. Nil or empty
	// means the run never suspends.
	Breakpoints *BreakpointSpec

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// NewDriver creates an execution driver for one run.
func NewDriver(engine Engine, st store.Store, ctrl *SuspendController, opts DriverOptions) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}
	if ctrl == nil {
		ctrl = NewSuspendController(st, logger)
	}
	return &Driver{
		engine:  engine,
		store:   st,
		ctrl:    ctrl,
		spec:    opts.Breakpoints,
		runID:   runID,
		logger:  logger.With(zap.String("component", "driver"), zap.String("run_id", runID)),
		metrics: opts.Metrics,
		tracer:  otel.Tracer("runbridge/bridge"),
	}
}

// RunID returns the run identifier the driver owns.
func (d *Driver) RunID() string { return d.runID }

// Controller returns the suspend controller, the caller's handle for
// triggering resume and cancellation.
func (d *Driver) Controller() *SuspendController { return d.ctrl }

// Execute runs the engine to a terminal state, blocking through any
// suspensions until an external resume arrives. The returned Result always
// reflects the last persisted run status; err is non-nil when the run
// failed.
func (d *Driver) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	res := d.run(ctx, input, nil)
	return res, res.Err
}

// Stream runs the engine and yields observability events, suspension
// records and the terminal result on the returned channel. The channel is
// closed when the run reaches a terminal state. A StreamSuspended event is
// yielded before the run blocks, so the consumer holds everything needed to
// trigger the resume.
func (d *Driver) Stream(ctx context.Context, input map[string]any) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		emit := func(ev StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		res := d.run(ctx, input, emit)
		emit(StreamEvent{Kind: StreamResult, Result: res})
	}()
	return out
}

// run is the core loop shared by Execute and Stream. emit may be nil in
// blocking mode.
func (d *Driver) run(ctx context.Context, input map[string]any, emit func(StreamEvent)) *Result {
	ctx, span := d.tracer.Start(ctx, "bridge.run",
		trace.WithAttributes(
			attribute.String("run.id", d.runID),
			attribute.String("engine", d.engine.Name()),
		))
	defer span.End()

	run, resume, terminal := d.initRun(ctx, input, emit)
	if terminal != nil {
		return terminal
	}

	// An explicit input wins; otherwise replay the one the run was
	// originally started with, so recovery restarts the engine faithfully.
	if input == nil {
		input = run.Input
	}

	stream, err := d.engine.Start(ctx, input, resume)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrRunDetached) {
			return d.detach(run.Status)
		}
		return d.fail(ctx, run, &EngineError{Err: err})
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(context.Cause(ctx), ErrRunDetached) {
					return d.detach(StatusRunning)
				}
				return d.fail(ctx, run, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err()))
			}
			return d.fail(ctx, run, &EngineError{Err: err})
		}

		canonical := Classify(ev)
		d.metrics.RecordEvent(string(canonical.Category))
		if canonical.Category == CategoryNone {
			// Unrecognized tags are never fatal; log and continue.
			d.logger.Debug("event classified to none", zap.String("tag", ev.Tag))
		}

		if emit != nil {
			emit(StreamEvent{
				Kind:    observabilityKind(ev.Tag),
				Node:    ev.Tag,
				Payload: ev.Payload,
			})
		}

		if !d.spec.ShouldPause(canonical) {
			continue
		}

		payload, err := d.suspend(ctx, canonical, emit)
		if err != nil {
			if errors.Is(err, ErrRunDetached) {
				return d.detach(StatusSuspended)
			}
			if errors.Is(context.Cause(ctx), ErrRunDetached) {
				return d.detach(run.Status)
			}
			return d.fail(ctx, run, err)
		}
		if payload != nil {
			if pr, ok := stream.(PayloadReceiver); ok {
				if err := pr.Deliver(payload); err != nil {
					return d.fail(ctx, run, &EngineError{Err: err})
				}
			}
		}
		run.Status = StatusRunning
	}

	rawOutput, err := stream.Output()
	if err != nil {
		return d.fail(ctx, run, &EngineError{Err: err})
	}
	output, err := normalizeOutput(rawOutput)
	if err != nil {
		return d.fail(ctx, run, &SerializationError{Err: err})
	}

	run.Status = StatusCompleted
	run.Output = output
	run.Error = ""
	run.UpdatedAt = time.Now().UTC()
	if err := d.saveRun(ctx, run); err != nil {
		// The store rejected the final write: the run's durable state is
		// unchanged and the caller gets the persistence failure.
		d.logger.Error("failed to persist completion", zap.Error(err))
		return &Result{RunID: d.runID, Status: StatusFailed, Err: err, Error: err.Error()}
	}

	d.metrics.RecordRunCompleted()
	d.logger.Info("run completed")
	return &Result{RunID: d.runID, Status: StatusCompleted, Output: output}
}

// initRun loads or creates the run record. For a run found SUSPENDED it
// performs crash recovery: the persisted suspension is surfaced again and
// the driver re-enters the wait state without replaying events processed
// before the original suspension. The third return value is non-nil when no
// engine execution should start (terminal run, or a failure during init).
func (d *Driver) initRun(ctx context.Context, input map[string]any, emit func(StreamEvent)) (*Run, *ResumeState, *Result) {
	rec, err := d.store.LoadRun(ctx, d.runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		perr := &PersistenceError{Op: "load run", Err: err}
		return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: perr, Error: perr.Error()}
	}

	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		run := &Run{
			ID:        d.runID,
			Status:    StatusRunning,
			Input:     input,
			Selectors: d.spec.Selectors(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.saveRun(ctx, run); err != nil {
			return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: err, Error: err.Error()}
		}
		d.metrics.RecordRunStarted()
		d.logger.Info("run created")
		return run, nil, nil
	}

	run, err := runFromRecord(rec)
	if err != nil {
		perr := &PersistenceError{Op: "decode run", Err: err}
		return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: perr, Error: perr.Error()}
	}

	// The run carries the selectors it was started with; they take
	// precedence over whatever this process was configured with, so a
	// restart pauses at the same points the original process would have.
	if len(run.Selectors) > 0 {
		spec, serr := NewBreakpointSpec(run.Selectors...)
		if serr != nil {
			d.logger.Warn("ignoring undecodable persisted selectors", zap.Error(serr))
		} else {
			d.spec = spec
		}
	}

	switch run.Status {
	case StatusCompleted:
		return nil, nil, &Result{RunID: d.runID, Status: StatusCompleted, Output: run.Output}
	case StatusFailed:
		ferr := errors.New(run.Error)
		return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: ferr, Error: run.Error}
	case StatusSuspended:
		return d.recover(ctx, run, emit)
	default:
		// A RUNNING record from a previous process that died mid-run:
		// restart from the top.
		d.logger.Warn("found stale running record, restarting run")
		run.UpdatedAt = time.Now().UTC()
		if err := d.saveRun(ctx, run); err != nil {
			return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: err, Error: err.Error()}
		}
		return run, nil, nil
	}
}

// recover re-enters the wait state for a run suspended by a previous
// process.
func (d *Driver) recover(ctx context.Context, run *Run, emit func(StreamEvent)) (*Run, *ResumeState, *Result) {
	bp, err := d.store.LoadBreakpoint(ctx, d.runID)
	if errors.Is(err, store.ErrNotFound) {
		// Status says suspended but the record is gone; treat the
		// suspension as already resumed and restart the engine.
		d.logger.Warn("suspended run has no breakpoint record, restarting")
		run.Status = StatusRunning
		run.UpdatedAt = time.Now().UTC()
		if serr := d.saveRun(ctx, run); serr != nil {
			return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: serr, Error: serr.Error()}
		}
		return run, &ResumeState{}, nil
	}
	if err != nil {
		perr := &PersistenceError{Op: "load breakpoint", Err: err}
		return nil, nil, &Result{RunID: d.runID, Status: StatusFailed, Err: perr, Error: perr.Error()}
	}

	rec := suspensionFromRecord(bp)
	d.logger.Info("recovered suspended run",
		zap.String("category", string(rec.Category)),
		zap.String("name", rec.Name),
	)
	if emit != nil {
		emit(StreamEvent{Kind: StreamSuspended, Suspension: rec})
	}

	// The suspension was counted by the process that created it, not by
	// this one; the gauge must rise before the matching end decrements it.
	d.metrics.RecordSuspensionRecovered()

	start := time.Now()
	payload, err := d.ctrl.Await(ctx, d.runID)
	if err != nil {
		d.metrics.RecordSuspensionEnd()
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrRunDetached) {
				return nil, nil, d.detach(StatusSuspended)
			}
			err = fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
		}
		res := d.fail(ctx, run, err)
		return nil, nil, res
	}
	d.metrics.RecordResume(time.Since(start))

	run.Status = StatusRunning
	return run, &ResumeState{Payload: payload}, nil
}

// suspend persists the suspension for a matched event and blocks until
// resumed.
func (d *Driver) suspend(ctx context.Context, ev CanonicalEvent, emit func(StreamEvent)) (map[string]any, error) {
	rec := &SuspensionRecord{
		RunID:          d.runID,
		Category:       ev.Category,
		Name:           ev.Name,
		Phase:          PhaseBefore,
		CapturedState:  ev.Payload,
		NextCandidates: candidatesFromPayload(ev.Payload),
		CreatedAt:      time.Now().UTC(),
	}

	ctx, span := d.tracer.Start(ctx, "bridge.suspend",
		trace.WithAttributes(
			attribute.String("breakpoint.category", string(ev.Category)),
			attribute.String("breakpoint.name", ev.Name),
		))
	defer span.End()

	w, err := d.ctrl.Begin(ctx, rec)
	if err != nil {
		return nil, err
	}

	// Announced only after Begin, so an observer that resumes immediately
	// finds a registered waiter.
	if emit != nil {
		emit(StreamEvent{Kind: StreamSuspended, Suspension: rec})
	}
	d.metrics.RecordSuspension(string(ev.Category))

	start := time.Now()
	payload, err := w.Wait(ctx)
	if err != nil {
		d.metrics.RecordSuspensionEnd()
		if ctx.Err() != nil && !errors.Is(err, ErrRunCancelled) {
			if errors.Is(context.Cause(ctx), ErrRunDetached) {
				return nil, ErrRunDetached
			}
			return nil, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
		}
		return nil, err
	}
	d.metrics.RecordResume(time.Since(start))
	return payload, nil
}

// detach exits the driver without writing any state. The run's durable
// record keeps whatever status was last persisted, so a suspended run stays
// SUSPENDED with its breakpoint intact and can be recovered by the next
// process.
func (d *Driver) detach(status RunStatus) *Result {
	d.logger.Info("run detached", zap.String("status", string(status)))
	return &Result{RunID: d.runID, Status: status, Err: ErrRunDetached, Error: ErrRunDetached.Error()}
}

// fail moves the run to FAILED, discarding any partial output. The failure
// is persisted best-effort: when the store itself is down the run's durable
// state stays as it was and the error still reaches the caller.
func (d *Driver) fail(ctx context.Context, run *Run, cause error) *Result {
	d.metrics.RecordRunFailed()
	d.logger.Error("run failed", zap.Error(cause))

	if run != nil {
		run.Status = StatusFailed
		run.Error = cause.Error()
		run.Output = nil
		run.UpdatedAt = time.Now().UTC()
		// Persisting FAILED after a store failure would fail again; the
		// attempt is still made so transient errors do not strand the
		// run as RUNNING.
		saveCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := d.saveRun(saveCtx, run); err != nil {
			d.logger.Error("failed to persist failure", zap.Error(err))
		}
		if err := d.store.DeleteBreakpoint(saveCtx, d.runID); err != nil {
			d.logger.Warn("failed to clear breakpoint record", zap.Error(err))
		}
	}

	return &Result{RunID: d.runID, Status: StatusFailed, Err: cause, Error: cause.Error()}
}

func (d *Driver) saveRun(ctx context.Context, run *Run) error {
	rec, err := run.record()
	if err != nil {
		return &PersistenceError{Op: "encode run", Err: err}
	}
	if err := d.store.SaveRun(ctx, rec); err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}
	return nil
}

func suspensionFromRecord(bp *store.BreakpointRecord) *SuspensionRecord {
	rec := &SuspensionRecord{
		RunID:          bp.RunID,
		Category:       EventCategory(bp.Category),
		Name:           bp.Name,
		Phase:          Phase(bp.Phase),
		NextCandidates: bp.NextCandidates,
		CreatedAt:      bp.CreatedAt,
	}
	if len(bp.CapturedState) > 0 {
		// Captured state is display-only; a blob that fails to decode is
		// dropped, not fatal.
		_ = json.Unmarshal(bp.CapturedState, &rec.CapturedState)
	}
	return rec
}

// candidatesFromPayload extracts the engine's advertised next actions when
// present.
func candidatesFromPayload(payload map[string]any) []string {
	raw, ok := payload["candidates"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeOutput converts the engine's final output to the declared output
// contract: a JSON object. Scalars and arrays are wrapped under "result".
// The value is round-tripped through JSON so the in-memory result matches
// what a later load from the store would produce.
func normalizeOutput(raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && data[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return map[string]any{"result": v}, nil
}
