package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/runbridge/store"
)

// Phase marks where execution pauses relative to the matched action.
// All current categories pause before the action takes effect.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Storage layout for the suspension handshake.
const (
	nsBreakpoint     = "breakpoint"
	keyResumePending = "resume_pending"
)

// defaultPollInterval is how often a waiting run checks the store for a
// resume marker set by another process.
const defaultPollInterval = 500 * time.Millisecond

// SuspensionRecord describes why and where a run is paused. It is persisted
// when the breakpoint fires and discarded once resume completes.
type SuspensionRecord struct {
	RunID          string         `json:"run_id"`
	Category       EventCategory  `json:"category"`
	Name           string         `json:"name,omitempty"`
	Phase          Phase          `json:"phase"`
	CapturedState  map[string]any `json:"captured_state,omitempty"`
	NextCandidates []string       `json:"next_candidates,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type resumeSignal struct {
	payload map[string]any
	cancel  bool
}

type waiter struct {
	ch chan resumeSignal // buffered 1: exactly one release per resume
}

// SuspendController owns the pause/resume handshake. Each suspended run has
// one entry in a process-wide waiter registry, created at suspend and
// removed at resume or run termination. Resume for a run with no local
// waiter falls through to a persisted resume marker that a waiting process
// polls, so cross-process resume is a plain store write.
type SuspendController struct {
	store        store.Store
	logger       *zap.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewSuspendController creates a suspend controller backed by the given
// store.
func NewSuspendController(st store.Store, logger *zap.Logger) *SuspendController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SuspendController{
		store:        st,
		logger:       logger.With(zap.String("component", "suspend_controller")),
		pollInterval: defaultPollInterval,
		waiters:      make(map[string]*waiter),
	}
}

// SetPollInterval overrides the cross-process resume poll interval.
// Intended for tests.
func (c *SuspendController) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// Suspended reports whether a waiter is registered for the run in this
// process.
func (c *SuspendController) Suspended(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[runID]
	return ok
}

// Waiter is a registered, persisted suspension that has not started
// blocking yet. The split lets the caller announce the suspension to
// observers between Begin and Wait: a resume arriving in that window is
// buffered on the waiter instead of being lost.
type Waiter struct {
	ctrl  *SuspendController
	runID string
	inner *waiter
}

// Wait blocks until an external resume signal arrives and returns the
// resume payload, if any. No exclusive resource is held while waiting; wait
// duration is unbounded.
func (w *Waiter) Wait(ctx context.Context) (map[string]any, error) {
	defer w.ctrl.unregister(w.runID)
	return w.ctrl.wait(ctx, w.runID, w.inner)
}

// Begin registers a waiter for the run, persists the suspension record and
// marks the run SUSPENDED. The run is resumable the moment Begin returns;
// the caller must follow up with Wait.
func (c *SuspendController) Begin(ctx context.Context, rec *SuspensionRecord) (*Waiter, error) {
	w, err := c.register(rec.RunID)
	if err != nil {
		return nil, err
	}
	if err := c.persistSuspension(ctx, rec); err != nil {
		c.unregister(rec.RunID)
		return nil, err
	}

	c.logger.Info("run suspended",
		zap.String("run_id", rec.RunID),
		zap.String("category", string(rec.Category)),
		zap.String("name", rec.Name),
	)

	return &Waiter{ctrl: c, runID: rec.RunID, inner: w}, nil
}

// Suspend persists the suspension record, marks the run SUSPENDED and blocks
// the calling goroutine until an external resume signal arrives. It returns
// the resume payload, if any. Equivalent to Begin followed by Wait.
func (c *SuspendController) Suspend(ctx context.Context, rec *SuspensionRecord) (map[string]any, error) {
	w, err := c.Begin(ctx, rec)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx)
}

// Await re-enters the wait state for a run whose suspension record is
// already persisted, e.g. after a process restart. Events processed before
// the original suspension are not replayed.
func (c *SuspendController) Await(ctx context.Context, runID string) (map[string]any, error) {
	w, err := c.register(runID)
	if err != nil {
		return nil, err
	}
	defer c.unregister(runID)

	c.logger.Info("re-entering wait for suspended run", zap.String("run_id", runID))

	return c.wait(ctx, runID, w)
}

// Resume releases a suspended run. At most one waiter is released per call.
// Calling Resume when no suspension is pending is a no-op, which supports
// at-least-once external signaling. A payload that is not valid JSON fails
// this resume attempt only; the run stays suspended.
func (c *SuspendController) Resume(ctx context.Context, runID string, payload json.RawMessage) error {
	data, err := decodeResumePayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	w, ok := c.waiters[runID]
	c.mu.Unlock()

	if ok {
		select {
		case w.ch <- resumeSignal{payload: data}:
			c.logger.Info("resume signal delivered", zap.String("run_id", runID))
		default:
			// A signal is already queued; additional resumes are no-ops.
		}
		return nil
	}

	// No waiter in this process: leave a durable marker for the process
	// that holds the suspended run.
	run, err := c.loadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != StatusSuspended {
		return nil
	}

	marker, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResume, err)
	}
	if err := c.store.Set(ctx, runID, nsBreakpoint, keyResumePending, marker); err != nil {
		return &PersistenceError{Op: "set resume marker", Err: err}
	}
	c.logger.Info("resume marker persisted", zap.String("run_id", runID))
	return nil
}

// Cancel terminates a suspended run. A local waiter is released with a
// cancellation signal; with no local waiter the run is failed directly in
// the store. Cancelling a run that is not suspended is a no-op.
func (c *SuspendController) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	w, ok := c.waiters[runID]
	c.mu.Unlock()

	if ok {
		select {
		case w.ch <- resumeSignal{cancel: true}:
		default:
		}
		return nil
	}

	run, err := c.loadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != StatusSuspended {
		return nil
	}

	run.Status = StatusFailed
	run.Error = ErrRunCancelled.Error()
	run.UpdatedAt = time.Now().UTC()
	if err := c.saveRun(ctx, run); err != nil {
		return err
	}
	if err := c.store.DeleteBreakpoint(ctx, runID); err != nil {
		c.logger.Warn("failed to delete breakpoint record on cancel",
			zap.String("run_id", runID), zap.Error(err))
	}
	_ = c.store.Delete(ctx, runID, nsBreakpoint, keyResumePending)

	c.logger.Info("suspended run cancelled", zap.String("run_id", runID))
	return nil
}

func (c *SuspendController) register(runID string) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySuspended, runID)
	}
	w := &waiter{ch: make(chan resumeSignal, 1)}
	c.waiters[runID] = w
	return w, nil
}

func (c *SuspendController) unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, runID)
}

// persistSuspension writes the record then flips the run to SUSPENDED. A
// failed write aborts the transition so durable state never claims a
// suspension that did not happen.
func (c *SuspendController) persistSuspension(ctx context.Context, rec *SuspensionRecord) error {
	captured, err := json.Marshal(rec.CapturedState)
	if err != nil {
		return &PersistenceError{Op: "marshal captured state", Err: err}
	}
	bp := &store.BreakpointRecord{
		RunID:          rec.RunID,
		Category:       string(rec.Category),
		Name:           rec.Name,
		Phase:          string(rec.Phase),
		CapturedState:  captured,
		NextCandidates: rec.NextCandidates,
		CreatedAt:      rec.CreatedAt,
	}
	if err := c.store.SaveBreakpoint(ctx, bp); err != nil {
		return &PersistenceError{Op: "save suspension record", Err: err}
	}

	run, err := c.loadRun(ctx, rec.RunID)
	if err != nil {
		return err
	}
	run.Status = StatusSuspended
	run.UpdatedAt = time.Now().UTC()
	if err := c.saveRun(ctx, run); err != nil {
		// Roll the record back so the store stays consistent with the
		// aborted transition.
		if derr := c.store.DeleteBreakpoint(ctx, rec.RunID); derr != nil {
			c.logger.Warn("failed to roll back suspension record",
				zap.String("run_id", rec.RunID), zap.Error(derr))
		}
		return err
	}
	return nil
}

// wait blocks until a resume signal arrives, either from a local Resume call
// or from a resume marker persisted by another process.
func (c *SuspendController) wait(ctx context.Context, runID string, w *waiter) (map[string]any, error) {
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	markerCh := make(chan map[string]any, 1)
	go c.pollResumeMarker(pollCtx, runID, markerCh)

	var sig resumeSignal
	select {
	case sig = <-w.ch:
	case payload := <-markerCh:
		sig = resumeSignal{payload: payload}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if sig.cancel {
		return nil, ErrRunCancelled
	}

	if err := c.completeResume(ctx, runID); err != nil {
		return nil, err
	}

	c.logger.Info("run resumed", zap.String("run_id", runID))
	return sig.payload, nil
}

// pollResumeMarker rate-limits store reads while looking for a marker set by
// Resume in another process.
func (c *SuspendController) pollResumeMarker(ctx context.Context, runID string, out chan<- map[string]any) {
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		data, err := c.store.Get(ctx, runID, nsBreakpoint, keyResumePending)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			// Transient store errors keep the run waiting rather than
			// failing it.
			c.logger.Warn("resume marker poll failed",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}

		var payload map[string]any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				c.logger.Warn("discarding malformed resume marker",
					zap.String("run_id", runID), zap.Error(err))
				_ = c.store.Delete(ctx, runID, nsBreakpoint, keyResumePending)
				continue
			}
		}

		select {
		case out <- payload:
		default:
		}
		return
	}
}

// completeResume clears the suspension record and marker and flips the run
// back to RUNNING.
func (c *SuspendController) completeResume(ctx context.Context, runID string) error {
	if err := c.store.DeleteBreakpoint(ctx, runID); err != nil {
		return &PersistenceError{Op: "clear suspension record", Err: err}
	}
	_ = c.store.Delete(ctx, runID, nsBreakpoint, keyResumePending)

	run, err := c.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = StatusRunning
	run.UpdatedAt = time.Now().UTC()
	return c.saveRun(ctx, run)
}

func (c *SuspendController) loadRun(ctx context.Context, runID string) (*Run, error) {
	rec, err := c.store.LoadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load run", Err: err}
	}
	run, err := runFromRecord(rec)
	if err != nil {
		return nil, &PersistenceError{Op: "decode run", Err: err}
	}
	return run, nil
}

func (c *SuspendController) saveRun(ctx context.Context, run *Run) error {
	rec, err := run.record()
	if err != nil {
		return &PersistenceError{Op: "encode run", Err: err}
	}
	if err := c.store.SaveRun(ctx, rec); err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}
	return nil
}

func decodeResumePayload(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResume, err)
	}
	return data, nil
}
