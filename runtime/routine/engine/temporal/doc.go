// Package temporal implements the routine workflow engine adapter backed by
// Temporal (https://temporal.io). It satisfies the generic engine.Engine
// interface, allowing the task runner and runtime to orchestrate durable
// executions without importing the Temporal SDK directly.
//
// # Why Temporal?
//
// Temporal provides durable execution for long-running routines. When a
// routine fans out across many node activities, loops over large collections,
// or runs for extended periods, Temporal ensures the workflow state survives
// process restarts, network failures, and crashes. The runtime replays the
// workflow from event history, producing deterministic execution.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "flowstate.routines",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Worker vs Client Mode
//
// The same engine can operate in two modes:
//
//   - Worker mode: polls task queues and executes workflows and node
//     activities locally. Use this in worker processes that register plugins.
//
//   - Client mode: submits executions without local execution. Use this in
//     API gateways or CLI tools that start routines but don't process them.
//
// Both modes use the same Options; client-only processes simply skip workflow
// and activity registration.
//
// # Workflow Determinism
//
// Temporal workflows must be deterministic: given the same inputs and event
// history, they must produce the same outputs. This package provides a
// WorkflowContext that exposes only deterministic operations: Now() returns
// workflow time, node activities are scheduled through futures, signal
// receivers are replay-safe, and timers use workflow.NewTimer. Plugins run
// inside activities, which are not constrained by determinism.
//
// # Error Classification
//
// Node activities return classified *execerrors.Error values. The adapter
// encodes them as Temporal application errors whose type carries the error
// kind and whose details carry the full error, marking fatal kinds
// non-retryable so Temporal's retry policy only fires on retryable failures.
// Workflow-side, futures decode application errors back into
// *execerrors.Error so the task runner never sees SDK error types.
//
// # OpenTelemetry Integration
//
// The engine automatically installs OTEL interceptors on the Temporal client
// and workers, propagating trace context through workflow and activity
// boundaries.
package temporal
