package runtime

import (
	"fmt"
	"strings"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/expression"
	"flowstate.dev/flowstate/runtime/routine/graph"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/iterator"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// Workflow is the routine execution workflow: the durable driver that
// validates the routine, schedules node activities through the iterator until
// quiescence, and reports a terminal outcome. It must stay deterministic, so
// all I/O happens in activities and every timestamp comes from the workflow
// clock.
//
// Domain terminations, including validation failures, node failures,
// cancellation and deadline expiry, are reported through the outcome's Status
// and Error rather than as workflow errors so callers and subscribers always
// receive the full terminal record. The error return is reserved for
// engine-level defects.
func (r *Runtime) Workflow(wf engine.WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
	if input == nil {
		return nil, execerrors.New(execerrors.KindValidation, "routine input is required")
	}

	run := &taskRunner{
		rt:      r,
		wf:      wf,
		input:   input,
		opts:    r.executionOptions(input),
		execID:  wf.WorkflowID(),
		started: wf.Now(),
		status:  api.ExecutionPending,
		probe:   &cancelProbe{ch: wf.CancelRequests()},
	}
	// Best effort: engines without query support reject the handler.
	_ = wf.SetQueryHandler(QueryExecutionStatus, func() (api.ExecutionStatus, error) {
		return run.status, nil
	})

	run.publish(hooks.NewExecutionCreatedEvent(run.execID, input.RoutineID, input.UserID, input.TriggerType, api.ExecutionPending))

	if res := graph.Validate(*input); !res.Valid {
		return run.reject(validationError(res)), nil
	}

	run.status = api.ExecutionRunning
	run.publish(hooks.NewExecutionUpdatedEvent(run.execID, input.RoutineID, api.ExecutionRunning, nil, nil))

	run.g = graph.Build(*input)
	run.loops = r.loopNodes(input)
	run.it = iterator.New(run.g, run.loops)
	run.dispatch, run.cancelDispatch = wf.WithCancel()
	if run.opts.ExecutionDeadline > 0 {
		if timer, err := wf.NewTimer(wf.Context(), run.opts.ExecutionDeadline); err == nil {
			run.deadline = timer
		}
	}

	run.loop()
	return run.finish(), nil
}

// loopNodes maps node ids to whether their plugin is loop-capable. Unknown
// plugins resolve to false here; the activity reports them as
// plugin_not_found when the node runs.
func (r *Runtime) loopNodes(input *api.RoutineInput) map[string]bool {
	loops := make(map[string]bool, len(input.Nodes))
	for _, nd := range input.Nodes {
		if reg, ok := r.Registry.Lookup(nd.PluginID); ok && reg.Definition().Loop {
			loops[nd.ID] = true
		}
	}
	return loops
}

type (
	// taskRunner drives the iterator to quiescence under the concurrency cap.
	// All fields are owned by the workflow goroutine; awaits are the only
	// suspension points.
	taskRunner struct {
		rt    *Runtime
		wf    engine.WorkflowContext
		input *api.RoutineInput
		opts  api.Options

		g     *graph.Graph
		it    *iterator.Iterator
		loops map[string]bool

		// dispatch is the cancellable scope node activities run under. The
		// runner cancels it when the execution stops early so in-flight
		// activities observe the stop.
		dispatch       engine.WorkflowContext
		cancelDispatch func()

		probe    *cancelProbe
		deadline engine.Future[time.Time]

		execID  string
		started time.Time
		status  api.ExecutionStatus

		buffer   []iterator.Task
		inflight []nodeRun

		stop *stopCause
	}

	// nodeRun pairs a dispatched task with its activity future.
	nodeRun struct {
		task   iterator.Task
		future engine.Future[*api.NodeActivityOutput]
	}

	// stopCause records why the runner stopped scheduling before the
	// iterator finished on its own. Only the first cause sticks.
	stopCause struct {
		status api.ExecutionStatus
		err    *execerrors.Error
	}

	// cancelProbe latches the first cancel request. Await conditions are
	// re-evaluated on every workflow state transition, so probing inside a
	// condition is what lets a cancel signal wake a blocked runner; latching
	// preserves the request payload across evaluations.
	cancelProbe struct {
		ch  engine.Receiver[*api.CancelRequest]
		req *api.CancelRequest
	}
)

func (p *cancelProbe) requested() bool {
	if p.req != nil {
		return true
	}
	req, ok := p.ch.ReceiveAsync()
	if !ok {
		return false
	}
	if req == nil {
		req = &api.CancelRequest{}
	}
	p.req = req
	return true
}

// loop is the scheduling loop: pull runnable tasks from the iterator,
// dispatch up to the concurrency cap, wait for progress, fold results back
// in. It returns once no work remains or a stop cause forces a drain.
func (r *taskRunner) loop() {
	for {
		r.checkStop()
		if r.stop != nil {
			r.drain()
			return
		}
		r.refill()
		r.dispatchReady()
		if r.stop != nil {
			continue
		}
		if len(r.inflight) == 0 && len(r.buffer) == 0 {
			return
		}
		r.await()
		r.collect()
	}
}

// checkStop latches an external stop cause: a cancel request or the
// execution deadline. Node failures set the cause directly when they land.
func (r *taskRunner) checkStop() {
	if r.stop != nil {
		return
	}
	switch {
	case r.probe.requested():
		reason := "cancel requested"
		if r.probe.req.Reason != "" {
			reason = fmt.Sprintf("cancel requested: %s", r.probe.req.Reason)
		}
		r.setStop(api.ExecutionCancelled, execerrors.New(execerrors.KindCancelled, reason))
	case r.deadline != nil && r.deadline.IsReady():
		r.setStop(api.ExecutionTimedOut, execerrors.Newf(execerrors.KindTimeout, "execution deadline of %s exceeded", r.opts.ExecutionDeadline))
	}
}

// setStop records the first stop cause and halts scheduling. Later causes,
// such as cancelled results surfacing while draining, are ignored.
func (r *taskRunner) setStop(status api.ExecutionStatus, err *execerrors.Error) {
	if r.stop != nil {
		return
	}
	r.stop = &stopCause{status: status, err: err}
	r.it.Halt()
	r.buffer = nil
}

func (r *taskRunner) refill() {
	if batch := r.it.NextBatch(); len(batch) > 0 {
		r.buffer = append(r.buffer, batch...)
	}
}

func (r *taskRunner) dispatchReady() {
	for len(r.buffer) > 0 && len(r.inflight) < r.opts.MaxConcurrentActivities {
		task := r.buffer[0]
		r.buffer = r.buffer[1:]
		r.start(task)
		if r.stop != nil {
			return
		}
	}
}

// start resolves the task's parameters and inputs and hands it to the node
// activity. Scheduling failures become node failures so the outcome records
// them like any other fatal error.
func (r *taskRunner) start(task iterator.Task) {
	node, ok := r.g.Node(task.NodeID)
	if !ok {
		r.fail(task, execerrors.ForNode(execerrors.KindStalled, task.NodeID, "scheduled node is not in the graph"))
		return
	}

	in := &api.NodeActivityInput{
		ExecutionID:        r.execID,
		RoutineID:          r.input.RoutineID,
		UserID:             r.input.UserID,
		NodeID:             task.NodeID,
		PluginID:           node.PluginID,
		ContextKey:         task.Context.Key(),
		Parameters:         r.resolveParameters(node, task),
		Inputs:             r.it.GatherInputs(task),
		CredentialMappings: node.CredentialMappings,
		TriggerData:        r.input.TriggerData,
	}
	if r.loops[task.NodeID] {
		if iter, ok := task.Context.Iteration(); ok {
			n := iter
			in.LoopIteration = &n
			in.LoopAccumulator = task.Context.Accumulator()
		}
	}

	r.it.MarkNodeStarted(task, r.wf.Now())
	r.publish(hooks.NewNodeStartedEvent(r.execID, r.input.RoutineID, task.NodeID, task.Context.Key(), contextIteration(task.Context)))

	fut, err := r.dispatch.ExecuteNodeActivityAsync(r.dispatch.Context(), engine.NodeActivityCall{
		Name:  ActivityExecuteNode,
		Input: in,
		Options: engine.ActivityOptions{
			RetryPolicy: r.opts.ActivityRetry,
			Timeout:     r.opts.ActivityStartToCloseTimeout,
		},
	})
	if err != nil {
		r.fail(task, execerrors.WrapForNode(execerrors.KindPluginFatal, task.NodeID, "schedule node activity", err))
		return
	}
	r.inflight = append(r.inflight, nodeRun{task: task, future: fut})
}

// resolveParameters renders the node's parameter expressions against the data
// visible to this task: routine variables, upstream outputs under the task's
// loop context, the trigger payload and execution metadata.
func (r *taskRunner) resolveParameters(node *graph.Node, task iterator.Task) map[string]any {
	if len(node.Parameters) == 0 {
		return nil
	}
	ectx := expression.Context{
		Vars:    r.g.Variables(),
		Trigger: r.g.TriggerData(),
		Nodes: expression.NodeLookupFunc(func(nodeID, port string) ([]state.Item, bool) {
			return r.it.ResolveOutput(task, nodeID, port)
		}),
		Execution: expression.Execution{
			ID:        r.execID,
			RoutineID: r.input.RoutineID,
			StartedAt: r.started,
		},
	}
	resolved, _ := expression.Resolve(node.Parameters, ectx).(map[string]any)
	return resolved
}

// await blocks until a result lands, the deadline fires or a cancel request
// arrives. An await error means the engine tore down the workflow scope; the
// runner records it as a cancellation so the outcome is still built.
func (r *taskRunner) await() {
	err := r.wf.Await(r.wf.Context(), func() bool {
		if r.probe.requested() {
			return true
		}
		if r.deadline != nil && r.deadline.IsReady() {
			return true
		}
		for i := range r.inflight {
			if r.inflight[i].future.IsReady() {
				return true
			}
		}
		return false
	})
	if err != nil {
		r.setStop(api.ExecutionCancelled, execerrors.Wrap(execerrors.KindCancelled, "workflow scope closed", err))
	}
}

// collect folds every settled future back into the iterator. Futures are
// scanned in slice order with swap-removal; the iterator's own ordering rules
// keep the schedule deterministic regardless of completion order.
func (r *taskRunner) collect() {
	for i := 0; i < len(r.inflight); {
		run := r.inflight[i]
		if !run.future.IsReady() {
			i++
			continue
		}
		last := len(r.inflight) - 1
		r.inflight[i] = r.inflight[last]
		r.inflight = r.inflight[:last]
		r.apply(run)
	}
}

func (r *taskRunner) apply(run nodeRun) {
	out, err := run.future.Get(r.wf.Context())
	if err != nil {
		r.fail(run.task, nodeFailure(run.task, err))
		return
	}
	var (
		outputs map[string][]state.Item
		acc     any
	)
	if out != nil {
		outputs, acc = out.Outputs, out.Accumulator
	}
	if derr := r.it.MarkNodeCompleted(run.task, outputs, acc, r.wf.Now()); derr != nil {
		r.setStop(api.ExecutionFailed, execerrors.Wrap(execerrors.KindStalled, "apply node completion", derr))
		return
	}
	if res, ok := r.it.State().Result(run.task.NodeID, run.task.Context.Key()); ok {
		r.publish(hooks.NewNodeCompletedEvent(r.execID, r.input.RoutineID, res))
	}
}

// fail records a node failure. The first fatal failure becomes the
// execution's stop cause; failures surfacing while a cause is already set,
// such as cancelled or aborted in-flight work during a drain, keep the
// original cause.
func (r *taskRunner) fail(task iterator.Task, ferr *execerrors.Error) {
	if derr := r.it.MarkNodeFailed(task, ferr, r.wf.Now()); derr != nil {
		r.setStop(api.ExecutionFailed, execerrors.Wrap(execerrors.KindStalled, "apply node failure", derr))
		return
	}
	if res, ok := r.it.State().Result(task.NodeID, task.Context.Key()); ok {
		r.publish(hooks.NewNodeFailedEvent(r.execID, r.input.RoutineID, res))
	}
	r.setStop(api.ExecutionFailed, ferr)
}

// drain cancels the dispatch scope and waits for in-flight activities to
// land. Activities that ignore the cancellation are abandoned once the grace
// timer, sized to one activity timeout, fires; abandoned tasks are recorded
// as aborted node failures.
func (r *taskRunner) drain() {
	r.buffer = nil
	if len(r.inflight) == 0 {
		return
	}
	r.cancelDispatch()
	grace, err := r.wf.NewTimer(r.wf.Context(), r.opts.ActivityStartToCloseTimeout)
	if err != nil {
		grace = nil
	}
	for len(r.inflight) > 0 {
		aerr := r.wf.Await(r.wf.Context(), func() bool {
			if grace != nil && grace.IsReady() {
				return true
			}
			for i := range r.inflight {
				if r.inflight[i].future.IsReady() {
					return true
				}
			}
			return false
		})
		if aerr != nil {
			break
		}
		r.collect()
		if grace != nil && grace.IsReady() {
			break
		}
	}
	for _, run := range r.inflight {
		r.fail(run.task, execerrors.ForNode(execerrors.KindAborted, run.task.NodeID, "activity abandoned after cancellation grace period"))
	}
	r.inflight = nil
}

// reject terminates an execution that failed validation: no graph was built
// and no node ever ran.
func (r *taskRunner) reject(verr *execerrors.Error) *api.ExecutionOutcome {
	r.status = api.ExecutionFailed
	r.publish(hooks.NewExecutionUpdatedEvent(r.execID, r.input.RoutineID, api.ExecutionFailed, verr, nil))
	return &api.ExecutionOutcome{
		ExecutionID: r.execID,
		RoutineID:   r.input.RoutineID,
		Status:      api.ExecutionFailed,
		Error:       verr,
		StartedAt:   r.started,
		CompletedAt: r.wf.Now(),
	}
}

// finish classifies the terminal status, emits the terminal update and builds
// the outcome.
func (r *taskRunner) finish() *api.ExecutionOutcome {
	st := r.it.State()
	status := api.ExecutionCompleted
	var execErr *execerrors.Error
	switch {
	case r.stop != nil:
		status, execErr = r.stop.status, r.stop.err
	case !r.it.IsDone():
		status, execErr = api.ExecutionFailed, r.stalled()
	}
	r.status = status
	r.publish(hooks.NewExecutionUpdatedEvent(r.execID, r.input.RoutineID, status, execErr, st.Path()))
	return &api.ExecutionOutcome{
		ExecutionID:   r.execID,
		RoutineID:     r.input.RoutineID,
		Status:        status,
		ExecutionPath: st.Path(),
		Results:       st.Results(),
		Error:         execErr,
		StartedAt:     r.started,
		CompletedAt:   r.wf.Now(),
	}
}

// stalled describes a wedged execution: nothing runnable while tasks wait on
// inputs that can no longer arrive.
func (r *taskRunner) stalled() *execerrors.Error {
	waiting := r.it.WaitingTasks()
	keys := make([]string, len(waiting))
	for i, t := range waiting {
		keys[i] = t.Key()
	}
	return execerrors.Newf(execerrors.KindStalled,
		"execution stalled: no runnable tasks while %d wait (%s)", len(waiting), strings.Join(keys, ", "))
}

// publish emits one lifecycle event through the publish activity, stamped
// with workflow time so replays produce identical envelopes. Delivery is best
// effort: the publish activity and the subscribers retry on their own, and a
// publish failure never fails the execution.
func (r *taskRunner) publish(evt hooks.Event) {
	type stamper interface{ SetTimestamp(int64) }
	if s, ok := evt.(stamper); ok {
		s.SetTimestamp(r.wf.Now().UnixMilli())
	}
	input, err := hooks.Encode(evt)
	if err != nil {
		return
	}
	_ = r.wf.PublishEvent(r.wf.Context(), engine.PublishActivityCall{
		Name:  ActivityPublishEvent,
		Input: input,
	})
}

// nodeFailure classifies an activity error and pins it to the failing node.
func nodeFailure(task iterator.Task, err error) *execerrors.Error {
	eerr := execerrors.FromError(err)
	if eerr.NodeID == "" {
		attributed := *eerr
		attributed.NodeID = task.NodeID
		eerr = &attributed
	}
	return eerr
}

// validationError folds the validator's findings into one classified error.
func validationError(res graph.Result) *execerrors.Error {
	msgs := make([]string, len(res.Errors))
	for i, issue := range res.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", issue.Code, issue.Message)
	}
	return execerrors.Newf(execerrors.KindValidation, "routine validation failed: %s", strings.Join(msgs, "; "))
}

// contextIteration extracts the innermost iteration counter for node events.
func contextIteration(lctx state.LoopContext) *int {
	if n, ok := lctx.Iteration(); ok {
		return &n
	}
	return nil
}
