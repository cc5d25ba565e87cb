package execstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// faultyStore wraps an InMem store and fails the first n writes.
type faultyStore struct {
	*execstore.InMem
	failures int
}

func (s *faultyStore) CreateExecution(ctx context.Context, exec *execstore.Execution) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	return s.InMem.CreateExecution(ctx, exec)
}

func TestSubscriberRecordsLifecycle(t *testing.T) {
	store := execstore.NewInMem()
	sub, err := execstore.NewSubscriber(store, nil)
	require.NoError(t, err)

	bus := hooks.NewBus()
	_, err = bus.Register(sub)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewExecutionCreatedEvent("exec-1", "routine-1", "user-1", "manual", api.ExecutionRunning)))
	require.NoError(t, bus.Publish(ctx, hooks.NewNodeStartedEvent("exec-1", "routine-1", "n1", "", nil)))

	result := &state.NodeResult{
		NodeID:      "n1",
		Status:      state.StatusCompleted,
		Outputs:     map[string][]state.Item{"main": {{Data: "hello"}}},
		StartedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}
	require.NoError(t, bus.Publish(ctx, hooks.NewNodeCompletedEvent("exec-1", "routine-1", result)))
	require.NoError(t, bus.Publish(ctx, hooks.NewExecutionUpdatedEvent("exec-1", "routine-1", api.ExecutionCompleted, nil, []state.PathEntry{{NodeID: "n1"}})))

	exec, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, exec.Status)
	require.Equal(t, "user-1", exec.UserID)
	require.False(t, exec.CompletedAt.IsZero())

	results, err := store.ListNodeResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, state.StatusCompleted, results[0].Status)
	require.Equal(t, "hello", results[0].Outputs["main"][0].Data)
}

func TestSubscriberRetriesWrites(t *testing.T) {
	store := &faultyStore{InMem: execstore.NewInMem(), failures: 2}
	sub, err := execstore.NewSubscriber(store, &execstore.SubscriberOptions{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	evt := hooks.NewExecutionCreatedEvent("exec-1", "routine-1", "user-1", "manual", api.ExecutionRunning)
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	_, err = store.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
}

func TestSubscriberSurfacesExhaustedWrites(t *testing.T) {
	store := &faultyStore{InMem: execstore.NewInMem(), failures: 10}
	sub, err := execstore.NewSubscriber(store, &execstore.SubscriberOptions{
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	evt := hooks.NewExecutionCreatedEvent("exec-1", "routine-1", "user-1", "manual", api.ExecutionRunning)

	// The store is the durable record: exhausted retries surface to the
	// publisher so the publishing activity retries the event.
	err = sub.HandleEvent(context.Background(), evt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "executionCreated")
}

func TestSubscriberRequiresStore(t *testing.T) {
	_, err := execstore.NewSubscriber(nil, nil)
	require.Error(t, err)
}
