package hooks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/state"
)

func TestCodecExecutionCreated(t *testing.T) {
	evt := hooks.NewExecutionCreatedEvent("exec-1", "routine-1", "user-1", "webhook", api.ExecutionRunning)

	input, err := hooks.Encode(evt)
	require.NoError(t, err)
	require.Equal(t, hooks.ExecutionCreated, input.Type)

	decoded, err := hooks.Decode(input)
	require.NoError(t, err)

	got, ok := decoded.(*hooks.ExecutionCreatedEvent)
	require.True(t, ok)
	require.Equal(t, "exec-1", got.ExecutionID())
	require.Equal(t, "routine-1", got.RoutineID())
	require.Equal(t, evt.Timestamp(), got.Timestamp())
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, "webhook", got.TriggerType)
	require.Equal(t, api.ExecutionRunning, got.Status)
}

func TestCodecExecutionUpdated(t *testing.T) {
	execErr := execerrors.ForNode(execerrors.KindPluginFatal, "n2", "exploded")
	path := []state.PathEntry{{NodeID: "n1"}}
	evt := hooks.NewExecutionUpdatedEvent("exec-1", "routine-1", api.ExecutionFailed, execErr, path)

	input, err := hooks.Encode(evt)
	require.NoError(t, err)

	decoded, err := hooks.Decode(input)
	require.NoError(t, err)

	got, ok := decoded.(*hooks.ExecutionUpdatedEvent)
	require.True(t, ok)
	require.Equal(t, api.ExecutionFailed, got.Status)
	require.Equal(t, path, got.Path)
	require.NotNil(t, got.Error)
	require.Equal(t, execerrors.KindPluginFatal, got.Error.Kind)
	require.Equal(t, "n2", got.Error.NodeID)
}

func TestCodecNodeStarted(t *testing.T) {
	iteration := 3
	evt := hooks.NewNodeStartedEvent("exec-1", "routine-1", "n3", "e2:3", &iteration)

	input, err := hooks.Encode(evt)
	require.NoError(t, err)

	decoded, err := hooks.Decode(input)
	require.NoError(t, err)

	got, ok := decoded.(*hooks.NodeStartedEvent)
	require.True(t, ok)
	require.Equal(t, "n3", got.NodeID)
	require.Equal(t, "e2:3", got.ContextKey)
	require.NotNil(t, got.Iteration)
	require.Equal(t, 3, *got.Iteration)
	require.Equal(t, evt.Timestamp(), got.Timestamp())
}

func TestCodecNodeCompleted(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result := &state.NodeResult{
		NodeID: "n2",
		Status: state.StatusCompleted,
		Outputs: map[string][]state.Item{
			"main": {{Data: 4.0, Metadata: state.ItemMetadata{SourceNode: "n2", SourcePort: "main"}}},
		},
		StartedAt:   started,
		CompletedAt: started.Add(250 * time.Millisecond),
	}
	evt := hooks.NewNodeCompletedEvent("exec-1", "routine-1", result)

	input, err := hooks.Encode(evt)
	require.NoError(t, err)

	decoded, err := hooks.Decode(input)
	require.NoError(t, err)

	got, ok := decoded.(*hooks.NodeCompletedEvent)
	require.True(t, ok)
	require.Equal(t, "n2", got.NodeID)
	require.Equal(t, result.Outputs, got.Result.Outputs)
	require.Equal(t, result.StartedAt, got.Result.StartedAt)
}

func TestCodecNodeFailed(t *testing.T) {
	result := &state.NodeResult{
		NodeID:     "n2",
		ContextKey: "e1:0",
		Status:     state.StatusFailed,
		Error:      execerrors.ForNode(execerrors.KindPluginRetryable, "n2", "connection reset"),
	}
	evt := hooks.NewNodeFailedEvent("exec-1", "routine-1", result)

	input, err := hooks.Encode(evt)
	require.NoError(t, err)

	decoded, err := hooks.Decode(input)
	require.NoError(t, err)

	got, ok := decoded.(*hooks.NodeFailedEvent)
	require.True(t, ok)
	require.Equal(t, "e1:0", got.ContextKey)
	require.NotNil(t, got.Error)
	require.Equal(t, execerrors.KindPluginRetryable, got.Error.Kind)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := hooks.Decode(&hooks.ActivityInput{Type: "somethingElse"})
	require.Error(t, err)
}
