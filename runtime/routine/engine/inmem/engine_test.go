package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/state"
)

func TestNodeActivityTypedExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterNodeActivity(ctx, "test_node", engine.ActivityOptions{}, func(ctx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		if !engine.IsActivityContext(ctx) {
			t.Error("expected activity-marked context")
		}
		return &api.NodeActivityOutput{
			Outputs: map[string][]state.Item{
				"main": {{Data: input.NodeID}},
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("register node activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			if engine.WorkflowContextFromContext(wfCtx.Context()) == nil {
				t.Error("expected workflow context to be recoverable from the handler context")
			}
			fut, err2 := wfCtx.ExecuteNodeActivityAsync(wfCtx.Context(), engine.NodeActivityCall{
				Name: "test_node",
				Input: &api.NodeActivityInput{
					ExecutionID: "exec-1",
					NodeID:      "n1",
					PluginID:    "static-data",
				},
			})
			if err2 != nil {
				return nil, err2
			}
			out, err2 := fut.Get(wfCtx.Context())
			if err2 != nil {
				return nil, err2
			}
			if out == nil || len(out.Outputs["main"]) != 1 || out.Outputs["main"][0].Data != "n1" {
				t.Errorf("unexpected node output: %+v", out)
			}
			return &api.ExecutionOutcome{ExecutionID: "exec-1", Status: api.ExecutionCompleted}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "exec-1",
		Workflow: "test_workflow",
		Input:    &api.RoutineInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if outcome.Status != api.ExecutionCompleted {
		t.Errorf("unexpected outcome status: %s", outcome.Status)
	}

	status, err := eng.QueryStatus(ctx, "exec-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != engine.RunStatusCompleted {
		t.Errorf("unexpected run status: %s", status)
	}
}

func TestNodeActivityRetriesRetryableFailures(t *testing.T) {
	eng := New()
	ctx := context.Background()

	attempts := 0
	err := eng.RegisterNodeActivity(ctx, "flaky_node", engine.ActivityOptions{
		RetryPolicy: api.RetryPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    5 * time.Millisecond,
			MaximumAttempts:    5,
		},
	}, func(ctx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, execerrors.New(execerrors.KindPluginRetryable, "upstream 503")
		}
		return &api.NodeActivityOutput{}, nil
	})
	if err != nil {
		t.Fatalf("register node activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			if _, err2 := wfCtx.ExecuteNodeActivity(wfCtx.Context(), engine.NodeActivityCall{
				Name:  "flaky_node",
				Input: &api.NodeActivityInput{NodeID: "n1"},
			}); err2 != nil {
				return nil, err2
			}
			return &api.ExecutionOutcome{Status: api.ExecutionCompleted}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err = handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestNodeActivityDoesNotRetryFatalFailures(t *testing.T) {
	eng := New()
	ctx := context.Background()

	attempts := 0
	err := eng.RegisterNodeActivity(ctx, "broken_node", engine.ActivityOptions{
		RetryPolicy: api.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 5},
	}, func(ctx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		attempts++
		return nil, execerrors.ForNode(execerrors.KindInvalidInput, input.NodeID, "missing required port")
	})
	if err != nil {
		t.Fatalf("register node activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			_, err2 := wfCtx.ExecuteNodeActivity(wfCtx.Context(), engine.NodeActivityCall{
				Name:  "broken_node",
				Input: &api.NodeActivityInput{NodeID: "n1"},
			})
			return nil, err2
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	_, err = handle.Wait(ctx)
	if err == nil {
		t.Fatal("expected workflow failure")
	}
	if kind := execerrors.KindOf(err); kind != execerrors.KindInvalidInput {
		t.Errorf("unexpected error kind: %s", kind)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}

	status, err := eng.QueryStatus(ctx, "exec-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != engine.RunStatusFailed {
		t.Errorf("unexpected run status: %s", status)
	}
}

func TestCancelSignalTypedDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			req, err2 := wfCtx.CancelRequests().Receive(wfCtx.Context())
			if err2 != nil {
				return nil, err2
			}
			if req == nil {
				t.Fatal("cancel request is nil")
			}
			if req.Reason != "operator stop" || req.RequestedBy != "user-1" {
				t.Errorf("unexpected cancel request: %+v", req)
			}
			return &api.ExecutionOutcome{Status: api.ExecutionCancelled}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	err = handle.Signal(ctx, api.SignalCancel, &api.CancelRequest{Reason: "operator stop", RequestedBy: "user-1"})
	if err != nil {
		t.Fatalf("signal workflow: %v", err)
	}

	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if outcome.Status != api.ExecutionCancelled {
		t.Errorf("unexpected outcome status: %s", outcome.Status)
	}
}

func TestSignalByID(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sig, ok := eng.(engine.Signaler)
	if !ok {
		t.Fatal("in-memory engine should implement engine.Signaler")
	}
	if err := sig.SignalByID(ctx, "missing", "", api.SignalCancel, &api.CancelRequest{}); !errors.Is(err, engine.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			if _, err2 := wfCtx.CancelRequests().Receive(wfCtx.Context()); err2 != nil {
				return nil, err2
			}
			return &api.ExecutionOutcome{Status: api.ExecutionCancelled}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err = sig.SignalByID(ctx, "exec-1", "", api.SignalCancel, &api.CancelRequest{Reason: "external"}); err != nil {
		t.Fatalf("signal by id: %v", err)
	}
	if _, err = handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if err = sig.SignalByID(ctx, "exec-1", "", api.SignalCancel, &api.CancelRequest{}); !errors.Is(err, engine.ErrWorkflowCompleted) {
		t.Errorf("expected ErrWorkflowCompleted, got %v", err)
	}
}

func TestHandleCancelCancelsWorkflowContext(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			<-wfCtx.Context().Done()
			return nil, wfCtx.Context().Err()
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err = handle.Cancel(ctx); err != nil {
		t.Fatalf("cancel workflow: %v", err)
	}

	_, err = handle.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	status, err := eng.QueryStatus(ctx, "exec-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != engine.RunStatusCanceled {
		t.Errorf("unexpected run status: %s", status)
	}

	if err = handle.Cancel(ctx); !errors.Is(err, engine.ErrWorkflowCompleted) {
		t.Errorf("expected ErrWorkflowCompleted, got %v", err)
	}
}

func TestRunTimeoutMapsToTimedOutStatus(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			<-wfCtx.Context().Done()
			return nil, wfCtx.Context().Err()
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         "exec-1",
		Workflow:   "test_workflow",
		Input:      &api.RoutineInput{},
		RunTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	_, err = handle.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	status, err := eng.QueryStatus(ctx, "exec-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != engine.RunStatusTimedOut {
		t.Errorf("unexpected run status: %s", status)
	}
}

func TestStartWorkflowRejectsDuplicateRunningID(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			<-release
			return &api.ExecutionOutcome{Status: api.ExecutionCompleted}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err = eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}}); err == nil {
		t.Fatal("expected duplicate workflow ID to be rejected")
	}

	close(release)
	if _, err = handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	// Terminal IDs can be reused.
	if _, err = eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}}); err != nil {
		t.Fatalf("restart workflow: %v", err)
	}
}

func TestTimerAndAwait(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterNodeActivity(ctx, "slow_node", engine.ActivityOptions{}, func(ctx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		time.Sleep(10 * time.Millisecond)
		return &api.NodeActivityOutput{}, nil
	})
	if err != nil {
		t.Fatalf("register node activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			ready, err2 := wfCtx.NewTimer(wfCtx.Context(), 0)
			if err2 != nil {
				return nil, err2
			}
			if !ready.IsReady() {
				t.Error("zero-duration timer should be ready immediately")
			}

			fut, err2 := wfCtx.ExecuteNodeActivityAsync(wfCtx.Context(), engine.NodeActivityCall{
				Name:  "slow_node",
				Input: &api.NodeActivityInput{NodeID: "n1"},
			})
			if err2 != nil {
				return nil, err2
			}
			if err2 = wfCtx.Await(wfCtx.Context(), fut.IsReady); err2 != nil {
				return nil, err2
			}
			if _, err2 = fut.Get(wfCtx.Context()); err2 != nil {
				return nil, err2
			}
			return &api.ExecutionOutcome{Status: api.ExecutionCompleted}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err = handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
}

func TestPublishEventRetriesFailures(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err := eng.RegisterPublishActivity(ctx, "publish", engine.ActivityOptions{
		RetryPolicy: api.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 3},
	}, func(ctx context.Context, input *hooks.ActivityInput) error {
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("register publish activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
			if err2 := wfCtx.PublishEvent(wfCtx.Context(), engine.PublishActivityCall{
				Name:  "publish",
				Input: &hooks.ActivityInput{ExecutionID: "exec-1"},
			}); err2 != nil {
				return nil, err2
			}
			return &api.ExecutionOutcome{Status: api.ExecutionCompleted}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "exec-1", Workflow: "test_workflow", Input: &api.RoutineInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err = handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 publish attempts, got %d", calls)
	}
}
