// Package iterator schedules the node invocations of one routine execution.
//
// The iterator consumes the execution graph and the stream of node results
// and decides, after every result, what runs next: it queues targets whose
// inputs have settled, prunes branches whose ports stayed empty, and drives
// loop-capable nodes by re-invoking them once per emitted batch. The task
// runner drains ready batches, executes them, and feeds outcomes back through
// the Mark methods; the iterator performs no I/O and holds no locks, so a
// single goroutine (or a deterministic workflow) must own it.
//
// Scheduling is deterministic: batches are sorted by (node id, context key),
// adjacency is visited in edge-id order, and loop bookkeeping advances in key
// order, so the same graph fed the same results always produces the same
// schedule.
package iterator

import (
	"fmt"
	"sort"
	"time"

	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/graph"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/state"
)

type (
	// Task is one schedulable node invocation: a node together with the loop
	// context it runs under. Outside loops the context is empty. Loop-capable
	// nodes carry their own frame as the innermost level, so each iteration
	// is a distinct task.
	Task struct {
		// NodeID identifies the node to invoke.
		NodeID string

		// Context is the loop context of the invocation.
		Context state.LoopContext
	}

	// Iterator walks one execution graph in dependency order. It maintains
	// the ready queue, the set of tasks handed to the runner, the candidates
	// blocked on a pending producer, and one loopRun per active loop.
	Iterator struct {
		g          *graph.Graph
		loops      map[string]bool
		frameEdges map[string]string

		st *state.ExecutionState

		queue   []Task          // ready, not yet handed to the runner
		running map[string]Task // handed out via NextBatch, keyed by Task.Key
		waiting map[string]Task // discovered but blocked on a pending producer
		visited map[string]bool // every key that ever entered the queue

		loopRuns map[string]*loopRun // keyed by ResultKey(loop node, parent context)
		events   int                 // bumped on every scheduling decision
		halted   bool
		defect   error
	}

	// loopRun tracks one loop node's progress under one parent context.
	loopRun struct {
		node      string
		parent    state.LoopContext
		frameEdge string

		iteration  int    // most recently scheduled invocation
		acc        any    // accumulator handed to the next invocation
		advance    bool   // current invocation emitted body items
		done       bool   // the loop signalled completion
		dispatched bool   // done targets have been evaluated
		finalKey   string // context key of the final invocation
	}

	// edgeStatus classifies how an edge looks to a consumer: not yet
	// producible, fired with items, settled without items, or settled by a
	// pruned producer.
	edgeStatus int
)

const (
	edgePending edgeStatus = iota
	edgeFired
	edgeEmpty
	edgeSkipped
)

// Key returns the identity of the task: the node id qualified by the
// serialized loop context.
func (t Task) Key() string { return state.ResultKey(t.NodeID, t.Context.Key()) }

func lessTasks(a, b Task) bool {
	if a.NodeID != b.NodeID {
		return a.NodeID < b.NodeID
	}
	return a.Context.Key() < b.Context.Key()
}

// New builds an iterator over the graph and queues its entry nodes.
// loopNodes flags the node ids backed by a loop-capable plugin; their
// invocations carry a loop frame and follow the iteration protocol.
func New(g *graph.Graph, loopNodes map[string]bool) *Iterator {
	it := &Iterator{
		g:          g,
		loops:      loopNodes,
		frameEdges: make(map[string]string),
		st:         state.NewExecutionState(),
		running:    make(map[string]Task),
		waiting:    make(map[string]Task),
		visited:    make(map[string]bool),
		loopRuns:   make(map[string]*loopRun),
	}
	for id, isLoop := range loopNodes {
		if !isLoop {
			continue
		}
		// The canonical frame id of a loop is its smallest body edge, or a
		// synthetic id when the body feeds nothing.
		if edges := g.OutgoingFromPort(id, plugin.PortBody); len(edges) > 0 {
			it.frameEdges[id] = edges[0].ID
		} else {
			it.frameEdges[id] = id + ":" + plugin.PortBody
		}
	}
	for _, n := range g.Entries() {
		it.schedule(n.ID, nil)
	}
	return it
}

// NextBatch returns every task that is ready to start, sorted by (node id,
// context key), and moves them to the running set. It returns nil when
// nothing is ready; the runner combines that with HasRunningNodes and IsDone
// to tell "wait for in-flight results" apart from "wedged".
func (it *Iterator) NextBatch() []Task {
	if len(it.queue) == 0 {
		return nil
	}
	batch := it.queue
	it.queue = nil
	sort.Slice(batch, func(i, j int) bool { return lessTasks(batch[i], batch[j]) })
	for _, t := range batch {
		it.running[t.Key()] = t
	}
	return batch
}

// MarkNodeStarted stamps the task as running in the execution state. The
// runner calls it when it dispatches the task's activity.
func (it *Iterator) MarkNodeStarted(task Task, at time.Time) {
	it.st.StartNode(task.NodeID, task.Context, at)
}

// MarkNodeCompleted records a successful result and schedules everything the
// result enables: targets of fired ports, pruning of empty branches, and for
// loop-capable nodes the next iteration or the done dispatch. accumulator is
// the loop state returned by the plugin; it is ignored for non-loop nodes.
func (it *Iterator) MarkNodeCompleted(task Task, outputs map[string][]state.Item, accumulator any, at time.Time) error {
	key := task.Key()
	if _, ok := it.running[key]; !ok {
		return fmt.Errorf("task %s is not running", key)
	}
	delete(it.running, key)
	if err := it.st.CompleteNode(task.NodeID, task.Context, outputs, at); err != nil {
		return err
	}
	if it.halted {
		return it.defect
	}
	if it.loops[task.NodeID] {
		it.completeLoopInvocation(task, outputs, accumulator)
	} else {
		it.settleTargets(it.g.Outgoing(task.NodeID), task.Context)
	}
	it.sweep()
	return it.defect
}

// MarkNodeFailed records a permanent node failure and halts scheduling. The
// queue and the waiting set are dropped; in-flight tasks can still be marked
// so their outcomes are recorded while the runner drains them.
func (it *Iterator) MarkNodeFailed(task Task, failure *execerrors.Error, at time.Time) error {
	key := task.Key()
	if _, ok := it.running[key]; !ok {
		return fmt.Errorf("task %s is not running", key)
	}
	delete(it.running, key)
	if err := it.st.FailNode(task.NodeID, task.Context, failure, at); err != nil {
		return err
	}
	it.Halt()
	return it.defect
}

// GatherInputs collects the items arriving on each input port of the task,
// resolved under the task's context. Ports nothing arrived on are absent.
// Items from multiple edges into the same port concatenate in edge-id order.
func (it *Iterator) GatherInputs(task Task) map[string][]state.Item {
	inputs := make(map[string][]state.Item)
	for _, e := range it.g.Incoming(task.NodeID) {
		status, items := it.resolveSource(e.SourceNodeID, e.SourcePort, task.Context)
		if status != edgeFired {
			continue
		}
		inputs[e.TargetPort] = append(inputs[e.TargetPort], items...)
	}
	return inputs
}

// ResolveOutput returns the items nodeID emitted on port as visible to task,
// using the same loop-context resolution as input gathering. The boolean is
// false while the producer is still pending from that vantage point; a
// settled producer with nothing on the port yields (nil, true). Expression
// resolution reads upstream outputs through this.
func (it *Iterator) ResolveOutput(task Task, nodeID, port string) ([]state.Item, bool) {
	status, items := it.resolveSource(nodeID, port, task.Context)
	switch status {
	case edgeFired:
		return items, true
	case edgeEmpty, edgeSkipped:
		return nil, true
	default:
		return nil, false
	}
}

// IsDone reports whether no work remains: nothing queued, nothing running,
// nothing waiting. Mark methods drive loops to a fixpoint before returning,
// so a pending loop iteration always shows up in one of the three sets.
func (it *Iterator) IsDone() bool {
	return len(it.queue) == 0 && len(it.running) == 0 && len(it.waiting) == 0
}

// HasRunningNodes reports whether tasks handed out by NextBatch are still
// unmarked.
func (it *Iterator) HasRunningNodes() bool { return len(it.running) > 0 }

// WaitingTasks returns the discovered tasks still blocked on a pending
// producer, sorted. The runner reports them when the execution wedges.
func (it *Iterator) WaitingTasks() []Task {
	out := make([]Task, 0, len(it.waiting))
	for _, t := range it.waiting {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return lessTasks(out[i], out[j]) })
	return out
}

// Halt stops all further scheduling. The queue and the waiting set are
// dropped and no new candidates are admitted; in-flight tasks can still be
// marked. The runner halts on fatal node failure and on cancellation.
func (it *Iterator) Halt() {
	it.halted = true
	it.queue = nil
	it.waiting = make(map[string]Task)
}

// State returns the execution state the iterator maintains.
func (it *Iterator) State() *state.ExecutionState { return it.st }

// schedule queues the node under base, opening a loop frame for loop-capable
// nodes. Callers have established that no candidate exists for the pair yet.
func (it *Iterator) schedule(nodeID string, base state.LoopContext) {
	ctx := base
	if it.loops[nodeID] {
		run := &loopRun{node: nodeID, parent: base, frameEdge: it.frameEdges[nodeID]}
		it.loopRuns[state.ResultKey(nodeID, base.Key())] = run
		ctx = base.Push(state.Frame{EdgeID: run.frameEdge})
	}
	it.enqueue(Task{NodeID: nodeID, Context: ctx})
}

// enqueue admits a task to the ready queue. A key entering the queue twice
// means the readiness rules broke; the iterator wedges itself and surfaces
// the defect from the next Mark call instead of looping forever.
func (it *Iterator) enqueue(task Task) {
	key := task.Key()
	if it.visited[key] {
		if it.defect == nil {
			it.defect = fmt.Errorf("task %s re-entered the queue", key)
		}
		it.Halt()
		return
	}
	it.visited[key] = true
	it.queue = append(it.queue, task)
	it.events++
}

// settleTargets evaluates the target of each edge under base. Edges arrive
// sorted by id, so discovery order is deterministic.
func (it *Iterator) settleTargets(edges []*graph.Edge, base state.LoopContext) {
	for _, e := range edges {
		it.evaluate(e.TargetNodeID, base)
	}
}

// evaluate settles one candidate (node, base context): queue it when every
// incoming edge settled and at least one fired, prune it when all settled
// without items, park it as waiting otherwise. A candidate whose producer
// publishes inside a loop frame that does not exist yet is dropped; the
// loop's own lifecycle re-triggers the target at the right level.
func (it *Iterator) evaluate(nodeID string, base state.LoopContext) {
	if it.halted {
		return
	}
	key := state.ResultKey(nodeID, base.Key())
	if r, ok := it.st.Result(nodeID, base.Key()); ok && r.Status.Terminal() {
		return
	}
	if it.loops[nodeID] {
		if _, ok := it.loopRuns[key]; ok {
			return
		}
	} else if it.visited[key] {
		return
	}

	allSettled, anyFired := true, false
	for _, e := range it.g.Incoming(nodeID) {
		status, _ := it.resolveSource(e.SourceNodeID, e.SourcePort, base)
		if status != edgePending {
			if status == edgeFired {
				anyFired = true
			}
			continue
		}
		if it.loops[e.SourceNodeID] {
			if e.SourcePort == plugin.PortDone || !withinFrame(base, it.frameEdges[e.SourceNodeID]) {
				// The producing loop publishes this edge under a context
				// this candidate does not live in. Its done dispatch, its
				// iteration completions, or its skip evaluate the target
				// where it belongs.
				return
			}
		}
		allSettled = false
	}

	switch {
	case allSettled && anyFired:
		delete(it.waiting, key)
		it.schedule(nodeID, base)
	case allSettled:
		delete(it.waiting, key)
		it.skip(nodeID, base)
	default:
		it.waiting[key] = Task{NodeID: nodeID, Context: base}
	}
}

// skip records the candidate as pruned and cascades to its targets, which
// may prune further when no other branch feeds them.
func (it *Iterator) skip(nodeID string, base state.LoopContext) {
	it.st.SkipNode(nodeID, base)
	it.events++
	it.settleTargets(it.g.Outgoing(nodeID), base)
}

// completeLoopInvocation applies one finished invocation to its loop run.
// Body emissions schedule the body subtree under the invocation's frame and
// arm the next iteration; an invocation without body items is the final one
// and arms the done dispatch. Both wait for frame quiescence in sweep.
func (it *Iterator) completeLoopInvocation(task Task, outputs map[string][]state.Item, accumulator any) {
	parent := task.Context.Pop()
	run, ok := it.loopRuns[state.ResultKey(task.NodeID, parent.Key())]
	if !ok {
		if it.defect == nil {
			it.defect = fmt.Errorf("loop node %s completed without a loop run", task.Key())
		}
		it.Halt()
		return
	}
	run.acc = accumulator
	if len(outputs[plugin.PortBody]) > 0 {
		run.advance = true
		var edges []*graph.Edge
		for _, e := range it.g.Outgoing(task.NodeID) {
			if e.SourcePort != plugin.PortDone {
				edges = append(edges, e)
			}
		}
		it.settleTargets(edges, task.Context)
		return
	}
	run.done = true
	run.finalKey = task.Context.Key()
}

// sweep drives deferred scheduling to a fixpoint: waiting candidates are
// re-examined against new results, and loop runs whose current frame went
// quiescent either queue the next iteration or dispatch their done targets.
func (it *Iterator) sweep() {
	for !it.halted {
		start := it.events

		keys := make([]string, 0, len(it.waiting))
		for k := range it.waiting {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if t, ok := it.waiting[k]; ok {
				it.evaluate(t.NodeID, t.Context)
			}
		}

		runKeys := make([]string, 0, len(it.loopRuns))
		for k := range it.loopRuns {
			runKeys = append(runKeys, k)
		}
		sort.Strings(runKeys)
		for _, k := range runKeys {
			run := it.loopRuns[k]
			switch {
			case run.done && !run.dispatched:
				if !it.quiescent(it.frameKey(run)) {
					continue
				}
				run.dispatched = true
				it.events++
				it.settleTargets(it.g.OutgoingFromPort(run.node, plugin.PortDone), run.parent)
			case run.advance:
				if !it.quiescent(it.frameKey(run)) {
					continue
				}
				run.advance = false
				run.iteration++
				it.events++
				it.enqueue(Task{
					NodeID: run.node,
					Context: run.parent.Push(state.Frame{
						EdgeID:      run.frameEdge,
						Iteration:   run.iteration,
						Accumulator: run.acc,
					}),
				})
			}
		}

		if it.events == start {
			return
		}
	}
}

// resolveSource classifies the output port of a producer as seen by a
// consumer under ctx and returns the items when it fired. Producer results
// are found by walking ctx from the innermost frame outwards; the first
// recorded result wins, so inner iterations shadow outer data. Done ports of
// loop nodes are the exception: they resolve through the loop run's final
// invocation.
func (it *Iterator) resolveSource(sourceID, sourcePort string, ctx state.LoopContext) (edgeStatus, []state.Item) {
	if it.loops[sourceID] && sourcePort == plugin.PortDone {
		if run := it.findLoopRun(sourceID, ctx); run != nil {
			if !run.done {
				return edgePending, nil
			}
			r, ok := it.st.Result(sourceID, run.finalKey)
			if !ok || r.Status != state.StatusCompleted {
				return edgePending, nil
			}
			if items := r.Outputs[sourcePort]; len(items) > 0 {
				return edgeFired, items
			}
			return edgeEmpty, nil
		}
		// No run yet. The walk below can still see a pruned loop node.
	}
	for p := ctx; ; p = p.Pop() {
		if r, ok := it.st.Result(sourceID, p.Key()); ok {
			switch r.Status {
			case state.StatusCompleted:
				if items := r.Outputs[sourcePort]; len(items) > 0 {
					return edgeFired, items
				}
				return edgeEmpty, nil
			case state.StatusSkipped, state.StatusFailed:
				return edgeSkipped, nil
			}
			return edgePending, nil
		}
		if p.Depth() == 0 {
			return edgePending, nil
		}
	}
}

// findLoopRun locates the loop run of nodeID visible from ctx by walking the
// context outwards.
func (it *Iterator) findLoopRun(nodeID string, ctx state.LoopContext) *loopRun {
	for p := ctx; ; p = p.Pop() {
		if run, ok := it.loopRuns[state.ResultKey(nodeID, p.Key())]; ok {
			return run
		}
		if p.Depth() == 0 {
			return nil
		}
	}
}

// frameKey returns the context key of the run's most recently scheduled
// invocation frame.
func (it *Iterator) frameKey(run *loopRun) string {
	return run.parent.Push(state.Frame{EdgeID: run.frameEdge, Iteration: run.iteration}).Key()
}

// quiescent reports whether nothing schedulable remains at or below the
// given frame key: no queued, running, or waiting task and no unfinished
// loop run strictly below it. Loop iterations and done dispatches are gated
// on this so a frame's whole subtree settles before the loop moves on.
func (it *Iterator) quiescent(frameKey string) bool {
	for _, t := range it.queue {
		if state.HasPrefix(t.Context.Key(), frameKey) {
			return false
		}
	}
	for _, t := range it.running {
		if state.HasPrefix(t.Context.Key(), frameKey) {
			return false
		}
	}
	for _, t := range it.waiting {
		if state.HasPrefix(t.Context.Key(), frameKey) {
			return false
		}
	}
	for _, run := range it.loopRuns {
		if run.done && run.dispatched {
			continue
		}
		if rk := it.frameKey(run); rk != frameKey && state.HasPrefix(rk, frameKey) {
			return false
		}
	}
	return true
}

// withinFrame reports whether the context contains a frame opened by the
// given frame edge.
func withinFrame(ctx state.LoopContext, frameEdge string) bool {
	for i := len(ctx) - 1; i >= 0; i-- {
		if ctx[i].EdgeID == frameEdge {
			return true
		}
	}
	return false
}
