package execstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/state"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newExecution() *execstore.Execution {
	return &execstore.Execution{
		ExecutionID: "exec-1",
		RoutineID:   "routine-1",
		UserID:      "user-1",
		TriggerType: "manual",
		Status:      api.ExecutionRunning,
		StartedAt:   t0,
	}
}

func TestCreateExecutionIdempotent(t *testing.T) {
	store := execstore.NewInMem()
	ctx := context.Background()

	require.NoError(t, store.CreateExecution(ctx, newExecution()))

	// Replay with a different status must keep the original record.
	replay := newExecution()
	replay.Status = api.ExecutionFailed
	require.NoError(t, store.CreateExecution(ctx, replay))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, api.ExecutionRunning, got.Status)
	require.Equal(t, t0, got.StartedAt)
}

func TestGetExecutionNotFound(t *testing.T) {
	store := execstore.NewInMem()
	_, err := store.GetExecution(context.Background(), "missing")
	require.ErrorIs(t, err, execstore.ErrNotFound)
}

func TestUpdateStatusTerminalAbsorbs(t *testing.T) {
	store := execstore.NewInMem()
	ctx := context.Background()
	require.NoError(t, store.CreateExecution(ctx, newExecution()))

	execErr := execerrors.ForNode(execerrors.KindPluginFatal, "n2", "exploded")
	path := []state.PathEntry{{NodeID: "n1"}}
	require.NoError(t, store.UpdateStatus(ctx, "exec-1", api.ExecutionFailed, execErr, path, t0.Add(time.Second)))

	// A late running update must not reopen the terminal record.
	require.NoError(t, store.UpdateStatus(ctx, "exec-1", api.ExecutionRunning, nil, nil, time.Time{}))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, api.ExecutionFailed, got.Status)
	require.Equal(t, path, got.ExecutionPath)
	require.Equal(t, t0.Add(time.Second), got.CompletedAt)
	require.NotNil(t, got.Error)
	require.Equal(t, execerrors.KindPluginFatal, got.Error.Kind)
}

func TestUpdateStatusUnknownExecution(t *testing.T) {
	store := execstore.NewInMem()
	err := store.UpdateStatus(context.Background(), "missing", api.ExecutionRunning, nil, nil, time.Time{})
	require.ErrorIs(t, err, execstore.ErrNotFound)
}

func TestUpsertNodeResultNeverDowngradesTerminal(t *testing.T) {
	store := execstore.NewInMem()
	ctx := context.Background()

	completed := &state.NodeResult{
		NodeID:      "n1",
		Status:      state.StatusCompleted,
		StartedAt:   t0,
		CompletedAt: t0.Add(time.Second),
	}
	require.NoError(t, store.UpsertNodeResult(ctx, "exec-1", completed))

	// A replayed running write must not erase the terminal result.
	running := &state.NodeResult{NodeID: "n1", Status: state.StatusRunning, StartedAt: t0}
	require.NoError(t, store.UpsertNodeResult(ctx, "exec-1", running))

	results, err := store.ListNodeResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, state.StatusCompleted, results[0].Status)
}

func TestUpsertNodeResultKeyedByContext(t *testing.T) {
	store := execstore.NewInMem()
	ctx := context.Background()

	for i, key := range []string{"", "e2:0", "e2:1"} {
		require.NoError(t, store.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
			NodeID:     "n3",
			ContextKey: key,
			Status:     state.StatusCompleted,
			StartedAt:  t0.Add(time.Duration(i) * time.Second),
		}))
	}

	results, err := store.ListNodeResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "", results[0].ContextKey)
	require.Equal(t, "e2:0", results[1].ContextKey)
	require.Equal(t, "e2:1", results[2].ContextKey)
}

func TestListNodeResultsOrdersByStartTime(t *testing.T) {
	store := execstore.NewInMem()
	ctx := context.Background()

	require.NoError(t, store.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID: "n2", Status: state.StatusCompleted, StartedAt: t0.Add(time.Second),
	}))
	require.NoError(t, store.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID: "n1", Status: state.StatusCompleted, StartedAt: t0,
	}))

	results, err := store.ListNodeResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "n1", results[0].NodeID)
	require.Equal(t, "n2", results[1].NodeID)
}
