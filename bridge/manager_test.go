package bridge_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/bridge"
	"github.com/BaSui01/runbridge/store"
	"github.com/BaSui01/runbridge/testutil"
)

func newTestManager(t *testing.T, st store.Store, engine bridge.Engine, selectors ...string) *bridge.Manager {
	t.Helper()

	var spec *bridge.BreakpointSpec
	if len(selectors) > 0 {
		var err error
		spec, err = bridge.NewBreakpointSpec(selectors...)
		require.NoError(t, err)
	}

	ctrl := bridge.NewSuspendController(st, zap.NewNop())
	ctrl.SetPollInterval(10 * time.Millisecond)
	mgr := bridge.NewManager(engine, st, ctrl, bridge.ManagerOptions{
		DefaultBreakpoints: spec,
		Logger:             zap.NewNop(),
	})
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func waitSuspended(t *testing.T, mgr *bridge.Manager, runID string) {
	t.Helper()
	require.True(t, testutil.WaitFor(func() bool {
		return mgr.Controller().Suspended(runID)
	}, 5*time.Second), "run %s never suspended", runID)
}

func waitStatus(t *testing.T, st store.Store, runID string, status bridge.RunStatus) {
	t.Helper()
	require.True(t, testutil.WaitFor(func() bool {
		rec, err := st.LoadRun(context.Background(), runID)
		return err == nil && rec.Status == string(status)
	}, 5*time.Second), "run %s never reached %s", runID, status)
}

// Shutting the manager down must not terminate suspended runs: their durable
// state stays SUSPENDED with the breakpoint record intact, and a fresh
// manager against the same store picks them back up.
func TestCloseLeavesSuspendedRunsRecoverable(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	engine := testutil.NewScriptedEngine().
		WithEvents(
			testutil.ToolCallEvent("calculate_sum", map[string]any{"a": 7, "b": 9}),
			testutil.OutputEvent("done"),
		).
		WithOutput(16)
	mgr := newTestManager(t, st, engine, "tool")

	runID, err := mgr.StartRun(map[string]any{"question": "7+9"}, nil)
	require.NoError(t, err)
	waitSuspended(t, mgr, runID)

	require.NoError(t, mgr.Close())

	rec, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(bridge.StatusSuspended), rec.Status)
	assert.Empty(t, rec.Error)

	bp, err := st.LoadBreakpoint(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "calculate_sum", bp.Name)

	// A new process recovers the run and drives it to completion. Its
	// engine reflects state rebuilt after the original suspension.
	engine2 := testutil.NewScriptedEngine().
		WithEvents(testutil.OutputEvent("done")).
		WithOutput(16)
	mgr2 := newTestManager(t, st, engine2, "tool")
	require.NoError(t, mgr2.RecoverRun(runID, nil))

	waitSuspended(t, mgr2, runID)
	require.NoError(t, mgr2.Resume(ctx, runID, json.RawMessage(`{"approved":true}`)))
	waitStatus(t, st, runID, bridge.StatusCompleted)
}

// A recovered run replays with the input and selectors it was started with,
// not with whatever the recovering process happens to be configured with.
func TestRecoveryRestoresInputAndSelectors(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	input := map[string]any{"question": "2*8"}

	events := []bridge.RawEvent{
		testutil.ToolCallEvent("calculate_sum", map[string]any{"a": 7, "b": 9}),
		testutil.ToolCallEvent("calculate_product", map[string]any{"a": 2, "b": 8}),
		testutil.OutputEvent("done"),
	}
	engine := testutil.NewScriptedEngine().WithEvents(events...).WithOutput(16)
	mgr := newTestManager(t, st, engine)

	runID, err := mgr.StartRun(input, []string{"calculate_product"})
	require.NoError(t, err)
	waitSuspended(t, mgr, runID)

	susp, err := mgr.GetSuspension(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "calculate_product", susp.Name)

	require.NoError(t, mgr.Close())

	// The recovering manager defaults to pausing on every tool call. The
	// run's own narrower selector set must still win after the restart.
	engine2 := testutil.NewScriptedEngine().WithEvents(events...).WithOutput(16)
	mgr2 := newTestManager(t, st, engine2, "tool")
	require.NoError(t, mgr2.RecoverRun(runID, nil))

	waitSuspended(t, mgr2, runID)
	require.NoError(t, mgr2.Resume(ctx, runID, json.RawMessage(`{"go":"on"}`)))
	require.True(t, testutil.WaitFor(func() bool {
		return len(engine2.Starts()) == 1
	}, 5*time.Second))

	// The replay passes calculate_sum and pauses at calculate_product
	// again; pausing at calculate_sum would mean the broad defaults leaked
	// into the recovered run.
	waitSuspended(t, mgr2, runID)
	susp, err = mgr2.GetSuspension(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "calculate_product", susp.Name)

	require.NoError(t, mgr2.Resume(ctx, runID, nil))
	waitStatus(t, st, runID, bridge.StatusCompleted)

	starts := engine2.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, input, starts[0].Input)
	require.NotNil(t, starts[0].Resume)
}
