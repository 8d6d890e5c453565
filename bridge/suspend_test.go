package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/store"
)

func newSuspendedController(t *testing.T) (*SuspendController, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctrl := NewSuspendController(st, zap.NewNop())
	ctrl.SetPollInterval(10 * time.Millisecond)
	return ctrl, st
}

func saveRunningRun(t *testing.T, st store.Store, runID string) {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{ID: runID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	rec, err := run.record()
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(context.Background(), rec))
}

func toolSuspension(runID string) *SuspensionRecord {
	return &SuspensionRecord{
		RunID:         runID,
		Category:      CategoryToolCall,
		Name:          "calculate_sum",
		Phase:         PhaseBefore,
		CapturedState: map[string]any{"a": float64(7), "b": float64(9)},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	type result struct {
		payload map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- result{payload, err}
	}()

	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	// Durable state reflects the suspension before resume.
	require.Eventually(t, func() bool {
		rec, err := st.LoadRun(ctx, runID)
		return err == nil && rec.Status == string(StatusSuspended)
	}, 2*time.Second, 5*time.Millisecond)
	bp, err := st.LoadBreakpoint(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(CategoryToolCall), bp.Category)
	assert.Equal(t, "calculate_sum", bp.Name)

	require.NoError(t, ctrl.Resume(ctx, runID, json.RawMessage(`{"approved":true}`)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, map[string]any{"approved": true}, res.payload)

	// Record cleared, run back to RUNNING, waiter gone.
	_, err = st.LoadBreakpoint(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), rec.Status)
	assert.False(t, ctrl.Suspended(runID))
}

func TestResumeNoSuspensionIsNoop(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()

	t.Run("unknown run", func(t *testing.T) {
		require.NoError(t, ctrl.Resume(ctx, "run_missing", nil))
	})

	t.Run("running run", func(t *testing.T) {
		runID := NewRunID()
		saveRunningRun(t, st, runID)
		require.NoError(t, ctrl.Resume(ctx, runID, json.RawMessage(`{}`)))

		rec, err := st.LoadRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, string(StatusRunning), rec.Status)
		_, err = st.Get(ctx, runID, "breakpoint", "resume_pending")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestResumeMalformedPayload(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	err := ctrl.Resume(ctx, runID, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedResume)

	// The failed attempt left the run suspended; a valid resume still works.
	assert.True(t, ctrl.Suspended(runID))
	require.NoError(t, ctrl.Resume(ctx, runID, nil))
	require.NoError(t, <-done)
}

func TestResumeExtraSignalsDropped(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, ctrl.Resume(ctx, runID, json.RawMessage(`{"n":1}`)))
	}
	require.NoError(t, <-done)
	assert.False(t, ctrl.Suspended(runID))
}

func TestDoubleSuspendRejected(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	_, err := ctrl.Suspend(ctx, toolSuspension(runID))
	assert.ErrorIs(t, err, ErrAlreadySuspended)

	require.NoError(t, ctrl.Resume(ctx, runID, nil))
	require.NoError(t, <-done)
}

func TestCancelLocalWaiter(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Cancel(ctx, runID))
	assert.ErrorIs(t, <-done, ErrRunCancelled)
}

func TestCancelWithoutWaiterFailsRun(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()

	// Simulate a run suspended by a process that is gone: durable records
	// only, no waiter.
	now := time.Now().UTC()
	run := &Run{ID: runID, Status: StatusSuspended, CreatedAt: now, UpdatedAt: now}
	rec, err := run.record()
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(ctx, rec))
	require.NoError(t, st.SaveBreakpoint(ctx, &store.BreakpointRecord{
		RunID: runID, Category: string(CategoryHandoff), Name: "french_agent",
		Phase: string(PhaseBefore), CreatedAt: now,
	}))

	require.NoError(t, ctrl.Cancel(ctx, runID))

	loaded, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), loaded.Status)
	assert.Equal(t, ErrRunCancelled.Error(), loaded.Error)
	_, err = st.LoadBreakpoint(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelNotSuspendedIsNoop(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	require.NoError(t, ctrl.Cancel(ctx, runID))
	require.NoError(t, ctrl.Cancel(ctx, "run_missing"))

	rec, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), rec.Status)
}

func TestCrossProcessResumeViaMarker(t *testing.T) {
	// Two controllers over one store stand in for two processes. The first
	// holds the waiting run, the second fields the resume request.
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	holder := NewSuspendController(st, zap.NewNop())
	holder.SetPollInterval(10 * time.Millisecond)
	other := NewSuspendController(st, zap.NewNop())

	ctx := context.Background()
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	type result struct {
		payload map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := holder.Suspend(ctx, toolSuspension(runID))
		done <- result{payload, err}
	}()
	require.Eventually(t, func() bool { return holder.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := st.LoadRun(ctx, runID)
		return err == nil && rec.Status == string(StatusSuspended)
	}, 2*time.Second, 5*time.Millisecond)

	// The other process has no waiter, so the resume lands as a marker.
	require.NoError(t, other.Resume(ctx, runID, json.RawMessage(`{"answer":42}`)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, map[string]any{"answer": float64(42)}, res.payload)

	// Marker consumed.
	_, err := st.Get(ctx, runID, "breakpoint", "resume_pending")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAwaitRecoversPersistedSuspension(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	ctx := context.Background()
	runID := NewRunID()

	now := time.Now().UTC()
	run := &Run{ID: runID, Status: StatusSuspended, CreatedAt: now, UpdatedAt: now}
	rec, err := run.record()
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(ctx, rec))
	require.NoError(t, st.SaveBreakpoint(ctx, &store.BreakpointRecord{
		RunID: runID, Category: string(CategoryToolCall), Name: "calculate_sum",
		Phase: string(PhaseBefore), CreatedAt: now,
	}))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Await(ctx, runID)
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Resume(ctx, runID, nil))
	require.NoError(t, <-done)

	loaded, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), loaded.Status)
}

func TestSuspendContextCancelled(t *testing.T) {
	ctrl, st := newSuspendedController(t)
	runID := NewRunID()
	saveRunningRun(t, st, runID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Suspend(ctx, toolSuspension(runID))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Suspended(runID) },
		2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, ctrl.Suspended(runID))
}
