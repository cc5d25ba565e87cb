package plugin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/credentials"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// Heartbeater reports liveness to the durable runtime while a plugin runs.
// The node activity heartbeats immediately before and after plugin execution
// so slow plugins do not trip heartbeat timeouts.
type Heartbeater interface {
	Heartbeat(ctx context.Context, details ...any)
}

// HeartbeatFunc adapts a function to the Heartbeater interface.
type HeartbeatFunc func(ctx context.Context, details ...any)

// Heartbeat calls f.
func (f HeartbeatFunc) Heartbeat(ctx context.Context, details ...any) { f(ctx, details...) }

// NopHeartbeater discards heartbeats. Used outside durable activities.
type NopHeartbeater struct{}

// Heartbeat does nothing.
func (NopHeartbeater) Heartbeat(context.Context, ...any) {}

// InvokerOptions configures an Invoker. Nil fields fall back to no-op
// implementations; a nil Credentials store fails any credential request.
type InvokerOptions struct {
	// Credentials resolves the credential ids bound by nodes.
	Credentials credentials.Store

	// Logger receives invocation logs.
	Logger telemetry.Logger

	// Metrics records plugin execution durations.
	Metrics telemetry.Metrics

	// Heartbeat reports activity liveness around plugin execution.
	Heartbeat Heartbeater
}

// Invoker executes node invocations against a plugin registry. It performs
// the full activity-side sequence: registry lookup, input and configuration
// validation, credential resolution, plugin execution and output validation,
// classifying each failure with the matching execerrors kind.
type Invoker struct {
	registry  *Registry
	creds     credentials.Store
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	heartbeat Heartbeater
}

// NewInvoker creates an Invoker resolving plugins from the given registry.
func NewInvoker(registry *Registry, opts *InvokerOptions) *Invoker {
	inv := &Invoker{
		registry:  registry,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		heartbeat: NopHeartbeater{},
	}
	if opts != nil {
		inv.creds = opts.Credentials
		if opts.Logger != nil {
			inv.logger = opts.Logger
		}
		if opts.Metrics != nil {
			inv.metrics = opts.Metrics
		}
		if opts.Heartbeat != nil {
			inv.heartbeat = opts.Heartbeat
		}
	}
	return inv
}

// Invoke runs one node invocation and returns the items emitted per declared
// output port. Every returned error is an *execerrors.Error attributed to the
// node.
func (v *Invoker) Invoke(ctx context.Context, in *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
	entry, ok := v.registry.Lookup(in.PluginID)
	if !ok {
		return nil, execerrors.ForNode(execerrors.KindPluginNotFound, in.NodeID,
			fmt.Sprintf("plugin %q is not registered", in.PluginID))
	}

	if err := entry.ValidateInputs(in.Inputs); err != nil {
		return nil, execerrors.WrapForNode(execerrors.KindInvalidInput, in.NodeID,
			fmt.Sprintf("inputs rejected by plugin %q schema", in.PluginID), err)
	}
	if err := entry.ValidateConfig(in.Parameters); err != nil {
		return nil, execerrors.WrapForNode(execerrors.KindInvalidInput, in.NodeID,
			fmt.Sprintf("parameters rejected by plugin %q schema", in.PluginID), err)
	}

	creds, err := v.resolveCredentials(ctx, entry.Definition(), in)
	if err != nil {
		return nil, err
	}

	req := Request{
		Inputs: in.Inputs,
		Config: in.Parameters,
		Context: Context{
			UserID:          in.UserID,
			RoutineID:       in.RoutineID,
			ExecutionID:     in.ExecutionID,
			NodeID:          in.NodeID,
			Credentials:     creds,
			TriggerData:     in.TriggerData,
			LoopIteration:   in.LoopIteration,
			LoopAccumulator: in.LoopAccumulator,
		},
	}

	v.logger.Debug(ctx, "plugin executing",
		"executionId", in.ExecutionID, "nodeId", in.NodeID, "plugin", in.PluginID)
	v.heartbeat.Heartbeat(ctx, in.NodeID, "executing")
	started := time.Now()
	out, execErr := entry.Plugin().Execute(ctx, req)
	v.metrics.RecordTimer(telemetry.MetricNodeDuration, time.Since(started), "plugin", in.PluginID)
	v.heartbeat.Heartbeat(ctx, in.NodeID, "executed")

	if execErr != nil {
		eerr := execerrors.FromError(execErr)
		if eerr.NodeID == "" {
			attributed := *eerr
			attributed.NodeID = in.NodeID
			eerr = &attributed
		}
		v.logger.Error(ctx, "plugin execution failed",
			"executionId", in.ExecutionID, "nodeId", in.NodeID, "plugin", in.PluginID,
			"kind", string(eerr.Kind), "error", eerr.Message)
		return nil, eerr
	}
	if out == nil {
		out = &Output{}
	}

	if err := entry.ValidateOutput(out); err != nil {
		return nil, execerrors.WrapForNode(execerrors.KindInvalidOutput, in.NodeID,
			fmt.Sprintf("outputs rejected by plugin %q schema", in.PluginID), err)
	}

	return &api.NodeActivityOutput{
		Outputs:     buildOutputs(in, entry.OutputPorts(), out),
		Accumulator: out.Accumulator,
	}, nil
}

// resolveCredentials fetches the material for every credential the plugin
// requests. Required aliases with no binding, and any bound alias the store
// cannot serve, fail the invocation.
func (v *Invoker) resolveCredentials(ctx context.Context, def Definition, in *api.NodeActivityInput) (map[string]credentials.Data, error) {
	if len(def.CredentialRequests) == 0 {
		return nil, nil
	}
	resolved := make(map[string]credentials.Data, len(def.CredentialRequests))
	for _, req := range def.CredentialRequests {
		credID, bound := in.CredentialMappings[req.Alias]
		if !bound || credID == "" {
			if req.Required {
				return nil, execerrors.ForNode(execerrors.KindMissingCredentials, in.NodeID,
					fmt.Sprintf("no credential mapped to required alias %q", req.Alias))
			}
			continue
		}
		if v.creds == nil {
			return nil, execerrors.ForNode(execerrors.KindMissingCredentials, in.NodeID,
				fmt.Sprintf("no credential store configured, cannot resolve alias %q", req.Alias))
		}
		data, err := v.creds.Fetch(ctx, in.UserID, credID)
		if err != nil {
			return nil, execerrors.WrapForNode(execerrors.KindMissingCredentials, in.NodeID,
				fmt.Sprintf("credential %q bound to alias %q", credID, req.Alias), err)
		}
		resolved[req.Alias] = data
	}
	return resolved, nil
}

// buildOutputs wraps the plugin's raw values into items stamped with their
// source node, port and iteration. Every port declared by the output schema
// is present in the result, empty when the plugin emitted nothing on it;
// undeclared ports the plugin emitted are kept as well.
func buildOutputs(in *api.NodeActivityInput, declared []string, out *Output) map[string][]state.Item {
	iteration := 0
	if in.LoopIteration != nil {
		iteration = *in.LoopIteration
	}

	ports := declared
	seen := make(map[string]struct{}, len(declared))
	for _, port := range declared {
		seen[port] = struct{}{}
	}
	extra := make([]string, 0)
	for port := range out.Ports {
		if _, ok := seen[port]; !ok {
			extra = append(extra, port)
		}
	}
	sort.Strings(extra)
	ports = append(ports, extra...)

	outputs := make(map[string][]state.Item, len(ports))
	for _, port := range ports {
		values := out.Ports[port]
		items := make([]state.Item, len(values))
		for i, value := range values {
			items[i] = state.Item{
				Data: value,
				Metadata: state.ItemMetadata{
					SourceNode: in.NodeID,
					SourcePort: port,
					Iteration:  iteration,
				},
			}
		}
		outputs[port] = items
	}
	return outputs
}
