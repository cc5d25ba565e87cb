package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/state"
)

var (
	mongoSetupOnce  sync.Once
	testMongoClient *mongodriver.Client
	mongoSkipReason string
)

// setupMongo starts a throwaway Mongo container once per package run. Tests
// skip when Docker is unavailable so the suite stays runnable everywhere.
func setupMongo(t *testing.T) *mongodriver.Client {
	t.Helper()
	mongoSetupOnce.Do(func() {
		ctx := context.Background()

		var container testcontainers.Container
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("docker not available: %v", r)
				}
			}()
			container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: testcontainers.ContainerRequest{
					Image:        "mongo:7",
					ExposedPorts: []string{"27017/tcp"},
					WaitingFor:   wait.ForLog("Waiting for connections"),
					Tmpfs:        map[string]string{"/data/db": "rw"},
				},
				Started: true,
			})
		}()
		if err != nil {
			mongoSkipReason = err.Error()
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			mongoSkipReason = err.Error()
			return
		}
		port, err := container.MappedPort(ctx, "27017")
		if err != nil {
			mongoSkipReason = err.Error()
			return
		}

		uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
		cli, err := mongodriver.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			mongoSkipReason = err.Error()
			return
		}
		if err := cli.Ping(ctx, nil); err != nil {
			mongoSkipReason = err.Error()
			return
		}
		testMongoClient = cli
	})
	if testMongoClient == nil {
		t.Skipf("docker not available, skipping Mongo integration test: %s", mongoSkipReason)
	}
	return testMongoClient
}

func TestMongoStoreLifecycle(t *testing.T) {
	cli := setupMongo(t)
	ctx := context.Background()

	database := "flowstate_test"
	t.Cleanup(func() { _ = cli.Database(database).Drop(context.Background()) })

	c, err := New(Options{Client: cli, Database: database})
	require.NoError(t, err)

	assert.Equal(t, "execstore-mongo", c.Name())
	require.NoError(t, c.Ping(ctx))

	started := time.Now().UTC().Truncate(time.Millisecond)
	exec := &execstore.Execution{
		ExecutionID: "exec-1",
		RoutineID:   "r1",
		UserID:      "u1",
		TriggerType: "manual",
		Status:      api.ExecutionPending,
		StartedAt:   started,
	}
	require.NoError(t, c.CreateExecution(ctx, exec))

	// Replayed creation keeps the original record.
	replay := *exec
	replay.Status = api.ExecutionRunning
	require.NoError(t, c.CreateExecution(ctx, &replay))
	got, err := c.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionPending, got.Status)
	assert.Equal(t, "r1", got.RoutineID)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)

	// Running entry, then the terminal entry updating it in place.
	require.NoError(t, c.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID:    "A",
		Status:    state.StatusRunning,
		StartedAt: started,
	}))
	completed := started.Add(2 * time.Second)
	require.NoError(t, c.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID: "A",
		Status: state.StatusCompleted,
		Outputs: map[string][]state.Item{
			"out": {{Data: "v", Metadata: state.ItemMetadata{SourceNode: "A", SourcePort: "out"}}},
		},
		StartedAt:   started,
		CompletedAt: completed,
	}))
	// A replayed running write must not downgrade the terminal entry.
	require.NoError(t, c.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID:    "A",
		Status:    state.StatusRunning,
		StartedAt: started,
	}))

	require.NoError(t, c.UpsertNodeResult(ctx, "exec-1", &state.NodeResult{
		NodeID:     "B",
		ContextKey: "eb:0",
		Status:     state.StatusFailed,
		Error:      execerrors.ForNode(execerrors.KindPluginFatal, "B", "bad request"),
		StartedAt:  started.Add(3 * time.Second),
	}))

	results, err := c.ListNodeResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].NodeID)
	assert.Equal(t, state.StatusCompleted, results[0].Status)
	assert.Equal(t, "v", results[0].Outputs["out"][0].Data)
	assert.WithinDuration(t, completed, results[0].CompletedAt, time.Millisecond)
	assert.Equal(t, "B", results[1].NodeID)
	assert.Equal(t, "eb:0", results[1].ContextKey)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, execerrors.KindPluginFatal, results[1].Error.Kind)

	// Terminal execution update carries path, error and completion time.
	finished := started.Add(4 * time.Second)
	require.NoError(t, c.UpdateStatus(ctx, "exec-1", api.ExecutionFailed,
		execerrors.ForNode(execerrors.KindPluginFatal, "B", "bad request"),
		[]state.PathEntry{{NodeID: "A"}},
		finished,
	))
	got, err = c.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "B", got.Error.NodeID)
	require.Len(t, got.ExecutionPath, 1)
	assert.Equal(t, "A", got.ExecutionPath[0].NodeID)
	assert.WithinDuration(t, finished, got.CompletedAt, time.Millisecond)

	require.ErrorIs(t, c.UpdateStatus(ctx, "missing", api.ExecutionRunning, nil, nil, time.Time{}), execstore.ErrNotFound)
	_, err = c.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, execstore.ErrNotFound)
}
