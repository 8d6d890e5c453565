package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/internal/metrics"
	"github.com/BaSui01/runbridge/store"
)

// Manager runs executions against a single engine and fans their stream
// events out to subscribers. It is the serving layer's entry point: start,
// inspect, resume and cancel runs without holding a Driver directly.
type Manager struct {
	engine   Engine
	store    store.Store
	ctrl     *SuspendController
	defaults *BreakpointSpec
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	subs    map[string]map[chan StreamEvent]struct{}
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelCauseFunc
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// DefaultBreakpoints applies to runs started without their own
	// selectors.
	DefaultBreakpoints *BreakpointSpec
	Logger             *zap.Logger
	Metrics            *metrics.Collector
}

// NewManager creates a run manager for one engine.
func NewManager(engine Engine, st store.Store, ctrl *SuspendController, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctrl == nil {
		ctrl = NewSuspendController(st, logger)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		engine:   engine,
		store:    st,
		ctrl:     ctrl,
		defaults: opts.DefaultBreakpoints,
		logger:   logger.With(zap.String("component", "run_manager")),
		metrics:  opts.Metrics,
		active:   make(map[string]context.CancelFunc),
		subs:     make(map[string]map[chan StreamEvent]struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Controller returns the shared suspend controller.
func (m *Manager) Controller() *SuspendController { return m.ctrl }

// StartRun launches a run in the background and returns its ID. Selectors
// override the manager's default breakpoints when non-nil.
func (m *Manager) StartRun(input map[string]any, selectors []string) (string, error) {
	spec := m.defaults
	if selectors != nil {
		var err error
		spec, err = NewBreakpointSpec(selectors...)
		if err != nil {
			return "", err
		}
	}

	runID := NewRunID()
	if err := m.launch(runID, spec, input); err != nil {
		return "", err
	}
	return runID, nil
}

// RecoverRun re-attaches a run found SUSPENDED in the store, re-entering
// its wait in the background. Used at startup to pick up runs orphaned by a
// crashed process.
func (m *Manager) RecoverRun(runID string, selectors []string) error {
	spec := m.defaults
	if selectors != nil {
		var err error
		spec, err = NewBreakpointSpec(selectors...)
		if err != nil {
			return err
		}
	}
	return m.launch(runID, spec, nil)
}

func (m *Manager) launch(runID string, spec *BreakpointSpec, input map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("run manager is closed")
	}
	if _, ok := m.active[runID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("run %s is already active", runID)
	}
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.active[runID] = cancel
	m.mu.Unlock()

	d := NewDriver(m.engine, m.store, m.ctrl, DriverOptions{
		RunID:       runID,
		Breakpoints: spec,
		Logger:      m.logger,
		Metrics:     m.metrics,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.active, runID)
			m.mu.Unlock()
		}()

		for ev := range d.Stream(runCtx, input) {
			m.broadcast(runID, ev)
		}
		m.closeSubscribers(runID)
	}()

	return nil
}

// Resume delivers an external resume signal to a suspended run.
func (m *Manager) Resume(ctx context.Context, runID string, payload json.RawMessage) error {
	return m.ctrl.Resume(ctx, runID, payload)
}

// Cancel terminates a suspended run.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	return m.ctrl.Cancel(ctx, runID)
}

// GetRun returns the current persisted state of a run.
func (m *Manager) GetRun(ctx context.Context, runID string) (*Run, error) {
	rec, err := m.store.LoadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load run", Err: err}
	}
	return runFromRecord(rec)
}

// GetSuspension returns the run's pending suspension, or ErrRunNotFound
// when none is persisted.
func (m *Manager) GetSuspension(ctx context.Context, runID string) (*SuspensionRecord, error) {
	bp, err := m.store.LoadBreakpoint(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load breakpoint", Err: err}
	}
	return suspensionFromRecord(bp), nil
}

// ListRuns returns every persisted run, most recently updated first.
func (m *Manager) ListRuns(ctx context.Context) ([]*Run, error) {
	recs, err := m.store.ListRuns(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list runs", Err: err}
	}
	out := make([]*Run, 0, len(recs))
	for _, rec := range recs {
		run, err := runFromRecord(rec)
		if err != nil {
			m.logger.Warn("skipping undecodable run record",
				zap.String("run_id", rec.RunID), zap.Error(err))
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// Subscribe returns a channel of the run's stream events and a release
// function. Events emitted before Subscribe are not replayed; a subscriber
// that falls behind loses events rather than blocking the run. The channel
// closes when the run finishes or the subscription is released.
func (m *Manager) Subscribe(runID string) (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 64)

	m.mu.Lock()
	bucket, ok := m.subs[runID]
	if !ok {
		bucket = make(map[chan StreamEvent]struct{})
		m.subs[runID] = bucket
	}
	bucket[ch] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if bucket, ok := m.subs[runID]; ok {
			if _, present := bucket[ch]; present {
				delete(bucket, ch)
				close(ch)
			}
			if len(bucket) == 0 {
				delete(m.subs, runID)
			}
		}
		m.mu.Unlock()
	}
	return ch, release
}

func (m *Manager) broadcast(runID string, ev StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[runID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; the event is dropped for this channel.
		}
	}
}

func (m *Manager) closeSubscribers(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[runID] {
		close(ch)
	}
	delete(m.subs, runID)
}

// Active reports whether the run is currently executing in this process.
func (m *Manager) Active(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[runID]
	return ok
}

// Close detaches all active runs and waits for their goroutines to drain.
// Detach is not cancellation: each driver exits without writing a terminal
// state, so suspended runs stay SUSPENDED in the store and can be recovered
// by the next process.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel(ErrRunDetached)
	m.wg.Wait()
	return nil
}
