// Package state holds the per-execution bookkeeping of a routine run: the
// items flowing along edges, per-(node, context) results, the ordered
// execution path, and the loop contexts that distinguish iterations.
//
// ExecutionState is owned by the task runner for the duration of one
// execution. All writes happen on the runner side between its suspension
// points, so the type performs no locking of its own.
package state

import (
	"fmt"
	"time"

	"flowstate.dev/flowstate/runtime/routine/execerrors"
)

type (
	// Item is one unit of data carried along an edge from a source output
	// port to a target input port.
	Item struct {
		// Data is the item payload: any JSON-representable value, including
		// null. A null payload is a real item, not the absence of one.
		Data any `json:"data"`

		// Metadata records where the item came from.
		Metadata ItemMetadata `json:"metadata"`

		// Error carries a per-item failure message for plugins that report
		// partial results. Empty when the item is sound.
		Error string `json:"error,omitempty"`
	}

	// ItemMetadata identifies the producer of an item.
	ItemMetadata struct {
		// SourceNode is the id of the node that emitted the item.
		SourceNode string `json:"sourceNode,omitempty"`

		// SourcePort is the output port the item was emitted on.
		SourcePort string `json:"sourcePort,omitempty"`

		// Iteration is the loop iteration the item was produced in, when the
		// producer ran inside a loop.
		Iteration int `json:"iteration,omitempty"`
	}

	// Status is the lifecycle state of one node run.
	Status string

	// NodeResult is the recorded outcome of one node run, keyed by the pair
	// (NodeID, ContextKey).
	NodeResult struct {
		// NodeID identifies the node.
		NodeID string `json:"nodeId"`

		// ContextKey is the serialized loop context the node ran under.
		// Empty outside loops.
		ContextKey string `json:"contextKey,omitempty"`

		// Status is the run's lifecycle state.
		Status Status `json:"status"`

		// Outputs maps each declared output port to the items the plugin
		// emitted on it. An empty list is legal and means the branch did not
		// fire.
		Outputs map[string][]Item `json:"outputs,omitempty"`

		// Error is set when Status is StatusFailed.
		Error *execerrors.Error `json:"error,omitempty"`

		// StartedAt records when the node run began.
		StartedAt time.Time `json:"startedAt"`

		// CompletedAt records when the node run reached a terminal status.
		CompletedAt time.Time `json:"completedAt"`
	}

	// PathEntry is one step of the ordered execution path.
	PathEntry struct {
		// NodeID identifies the completed node.
		NodeID string `json:"nodeId"`

		// ContextKey is the loop context the node completed under. Empty
		// outside loops.
		ContextKey string `json:"contextKey,omitempty"`

		// Iteration is the innermost loop iteration, when inside a loop.
		Iteration *int `json:"iteration,omitempty"`
	}

	// ExecutionState tracks every node result produced during one execution
	// plus the ordered path of completed nodes and the accumulated errors.
	ExecutionState struct {
		results map[string]*NodeResult
		path    []PathEntry
		errs    []*execerrors.Error
	}
)

const (
	// StatusPending indicates the node run is known but has not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the node run is in flight.
	StatusRunning Status = "running"
	// StatusCompleted indicates the node run finished and produced outputs.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the node run failed permanently.
	StatusFailed Status = "failed"
	// StatusSkipped indicates the node run was pruned because no incoming
	// branch fired.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ResultKey builds the map key for a (nodeID, contextKey) pair. Outside
// loops the key is the node id alone.
func ResultKey(nodeID, contextKey string) string {
	if contextKey == "" {
		return nodeID
	}
	return nodeID + "@" + contextKey
}

// NewExecutionState returns an empty state.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{results: make(map[string]*NodeResult)}
}

// StartNode records that the node began running under the given context.
func (e *ExecutionState) StartNode(nodeID string, lctx LoopContext, at time.Time) *NodeResult {
	r := &NodeResult{
		NodeID:     nodeID,
		ContextKey: lctx.Key(),
		Status:     StatusRunning,
		StartedAt:  at,
	}
	e.results[ResultKey(nodeID, r.ContextKey)] = r
	return r
}

// CompleteNode records a successful terminal result and appends the node to
// the execution path. It fails if the key already holds a terminal result:
// a node completes at most once per context.
func (e *ExecutionState) CompleteNode(nodeID string, lctx LoopContext, outputs map[string][]Item, at time.Time) error {
	key := ResultKey(nodeID, lctx.Key())
	r, ok := e.results[key]
	if ok && r.Status.Terminal() {
		return fmt.Errorf("node %s already has a terminal result for context %q", nodeID, lctx.Key())
	}
	if !ok {
		r = &NodeResult{NodeID: nodeID, ContextKey: lctx.Key(), StartedAt: at}
		e.results[key] = r
	}
	r.Status = StatusCompleted
	r.Outputs = outputs
	r.CompletedAt = at
	e.path = append(e.path, pathEntry(nodeID, lctx))
	return nil
}

// FailNode records a failed terminal result and the associated error.
func (e *ExecutionState) FailNode(nodeID string, lctx LoopContext, failure *execerrors.Error, at time.Time) error {
	key := ResultKey(nodeID, lctx.Key())
	r, ok := e.results[key]
	if ok && r.Status.Terminal() {
		return fmt.Errorf("node %s already has a terminal result for context %q", nodeID, lctx.Key())
	}
	if !ok {
		r = &NodeResult{NodeID: nodeID, ContextKey: lctx.Key(), StartedAt: at}
		e.results[key] = r
	}
	r.Status = StatusFailed
	r.Error = failure
	r.CompletedAt = at
	e.errs = append(e.errs, failure)
	return nil
}

// SkipNode records that the node was pruned under the given context. Skipped
// nodes do not appear in the execution path.
func (e *ExecutionState) SkipNode(nodeID string, lctx LoopContext) {
	key := ResultKey(nodeID, lctx.Key())
	if r, ok := e.results[key]; ok && r.Status.Terminal() {
		return
	}
	e.results[key] = &NodeResult{
		NodeID:     nodeID,
		ContextKey: lctx.Key(),
		Status:     StatusSkipped,
	}
}

// Result returns the recorded result for the pair, if any.
func (e *ExecutionState) Result(nodeID, contextKey string) (*NodeResult, bool) {
	r, ok := e.results[ResultKey(nodeID, contextKey)]
	return r, ok
}

// Output returns the items the node emitted on port under the exact context
// key. The second return is false unless the node completed there; a
// completed node with nothing on the port yields (nil, true).
func (e *ExecutionState) Output(nodeID, contextKey, port string) ([]Item, bool) {
	r, ok := e.results[ResultKey(nodeID, contextKey)]
	if !ok || r.Status != StatusCompleted {
		return nil, false
	}
	return r.Outputs[port], true
}

// Path returns a copy of the ordered execution path of completed nodes.
func (e *ExecutionState) Path() []PathEntry {
	out := make([]PathEntry, len(e.path))
	copy(out, e.path)
	return out
}

// Errors returns a copy of the accumulated node failures, in completion order.
func (e *ExecutionState) Errors() []*execerrors.Error {
	out := make([]*execerrors.Error, len(e.errs))
	copy(out, e.errs)
	return out
}

// Results returns a copy of the result map keyed by ResultKey.
func (e *ExecutionState) Results() map[string]*NodeResult {
	out := make(map[string]*NodeResult, len(e.results))
	for k, v := range e.results {
		out[k] = v
	}
	return out
}

func pathEntry(nodeID string, lctx LoopContext) PathEntry {
	entry := PathEntry{NodeID: nodeID, ContextKey: lctx.Key()}
	if it, ok := lctx.Iteration(); ok {
		entry.Iteration = &it
	}
	return entry
}
