package runtime_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/runtime"
	"flowstate.dev/flowstate/runtime/routine/state"
)

func TestExecuteRequiresStart(t *testing.T) {
	t.Parallel()

	rt := runtime.New()
	require.NoError(t, rt.RegisterPlugin(staticPlugin()))

	_, err := rt.Client().ExecuteAsync(context.Background(), linearInput(1))
	require.ErrorIs(t, err, runtime.ErrNotStarted)
}

func TestRegisterPluginAfterStartFails(t *testing.T) {
	t.Parallel()

	rt := runtime.New()
	require.NoError(t, rt.Start(context.Background()))

	err := rt.RegisterPlugin(staticPlugin())
	require.ErrorIs(t, err, runtime.ErrRegistrationClosed)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	rt := runtime.New()
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Start(context.Background()))
}

func TestCancelUnknownExecutionIsANoOp(t *testing.T) {
	t.Parallel()

	rt, _ := newRuntime(t, nil)
	require.NoError(t, rt.Client().Cancel(context.Background(), "does-not-exist", "cleanup"))
}

func TestExecuteWithPinnedExecutionID(t *testing.T) {
	t.Parallel()

	rt, _ := newRuntime(t, []plugin.Plugin{staticPlugin(), doublePlugin(), addPlugin()})

	h, err := rt.Client().ExecuteAsync(context.Background(), linearInput(1), runtime.WithExecutionID("exec-pinned"))
	require.NoError(t, err)
	require.Equal(t, "exec-pinned", h.ExecutionID)

	outcome, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "exec-pinned", outcome.ExecutionID)
	require.Equal(t, api.ExecutionCompleted, outcome.Status)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestExecutionStorePersistsTimeline(t *testing.T) {
	t.Parallel()

	store := execstore.NewInMem()
	rt, _ := newRuntime(t, []plugin.Plugin{staticPlugin(), doublePlugin(), addPlugin()}, runtime.WithExecutionStore(store))

	outcome, err := rt.Client().Execute(context.Background(), linearInput(1))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(outcome.ExecutionID, "r1-"))

	ctx := context.Background()
	stored, err := store.GetExecution(ctx, outcome.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, "r1", stored.RoutineID)
	require.Equal(t, "u1", stored.UserID)
	require.Equal(t, "manual", stored.TriggerType)
	require.Equal(t, api.ExecutionCompleted, stored.Status)
	require.Nil(t, stored.Error)
	require.Len(t, stored.ExecutionPath, 3)
	require.False(t, stored.StartedAt.IsZero())
	require.False(t, stored.CompletedAt.IsZero())

	rows, err := store.ListNodeResults(ctx, outcome.ExecutionID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, id := range []string{"A", "B", "C"} {
		require.Equal(t, id, rows[i].NodeID)
		require.Equal(t, state.StatusCompleted, rows[i].Status)
	}
	require.EqualValues(t, 2, rows[1].Outputs["out"][0].Data)
}

func TestParametersResolveAgainstUpstreamOutputs(t *testing.T) {
	t.Parallel()

	captured := make(chan map[string]any, 1)
	echo := plugin.New(plugin.Definition{ID: "echo", Name: "Echo"}, func(_ context.Context, req plugin.Request) (*plugin.Output, error) {
		captured <- req.Config
		return &plugin.Output{Ports: map[string][]any{"out": {"ok"}}}, nil
	})
	rt, _ := newRuntime(t, []plugin.Plugin{staticPlugin(), echo})

	outcome, err := rt.Client().Execute(context.Background(), &api.RoutineInput{
		RoutineID: "r-expr",
		Nodes: []api.NodeDefinition{
			{ID: "A", PluginID: "static-data", Parameters: map[string]any{"data": 4}},
			{ID: "E", PluginID: "echo", Parameters: map[string]any{
				"raw":      "{{nodes.A.out[0]}}",
				"combined": "value={{ nodes.A.out[0] }}, env={{vars.env}}, trigger={{trigger.kind}}",
				"rid":      "{{execution.routineId}}",
				"missing":  "{{vars.nope}}",
				"nested":   map[string]any{"inner": "{{nodes.A.out[0]}}"},
			}},
		},
		Connections: []api.ConnectionDefinition{
			{ID: "e1", SourceNodeID: "A", SourcePort: "out", TargetNodeID: "E", TargetPort: "in"},
		},
		Variables:   []api.VariableDefinition{{Name: "env", Type: api.VariableString, Value: "prod"}},
		TriggerData: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, outcome.Status)

	cfg := <-captured
	// A whole-string expression keeps the referenced value's type.
	require.EqualValues(t, 4, cfg["raw"])
	// Embedded expressions stringify into the surrounding text.
	require.Equal(t, "value=4, env=prod, trigger=manual", cfg["combined"])
	require.Equal(t, "r-expr", cfg["rid"])
	// An unresolvable whole-string expression resolves to null, never to the
	// template text.
	require.Contains(t, cfg, "missing")
	require.Nil(t, cfg["missing"])
	nested, ok := cfg["nested"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 4, nested["inner"])
}
