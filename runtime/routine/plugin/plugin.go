// Package plugin defines the contract routine plugins implement and the
// registry the engine resolves them from. A plugin declares its identity and
// JSON schemas once, then executes node invocations: it receives the items
// gathered on its input ports, its resolved configuration and an invocation
// context, and emits items on its declared output ports.
package plugin

import (
	"context"
	"encoding/json"

	"flowstate.dev/flowstate/runtime/routine/credentials"
	"flowstate.dev/flowstate/runtime/routine/state"
)

type (
	// Definition declares a plugin's identity, schemas and requirements. The
	// registry compiles the schemas at registration so invocation never
	// re-parses them.
	Definition struct {
		// ID is the registry key nodes reference through their pluginId.
		ID string

		// Name is the human-readable plugin name.
		Name string

		// Version is the plugin version string. Informational.
		Version string

		// InputSchema is a JSON schema validating the gathered inputs, shaped
		// as an object mapping each input port to the array of raw item
		// values on it. Empty means inputs are not validated.
		InputSchema json.RawMessage

		// OutputSchema is a JSON schema validating the emitted outputs, shaped
		// like InputSchema. Its top-level properties declare the plugin's
		// output ports. Empty means outputs are not validated.
		OutputSchema json.RawMessage

		// ConfigSchema is a JSON schema validating the node's resolved
		// parameters. Empty means the configuration is not validated.
		ConfigSchema json.RawMessage

		// CredentialRequests names the credentials the plugin needs. The node
		// binds each alias to a credential id through its credentialMappings.
		CredentialRequests []CredentialRequest

		// Loop marks the plugin as loop-capable: the engine re-invokes it once
		// per iteration, threading LoopIteration and LoopAccumulator through
		// the invocation context, until it emits on its done port.
		Loop bool
	}

	// CredentialRequest names one credential a plugin consumes.
	CredentialRequest struct {
		// Alias is the name the plugin uses to address the credential.
		Alias string

		// Required marks the credential as mandatory: invocation fails when
		// the node maps no credential id to the alias or the store has none.
		Required bool
	}

	// Context carries the per-invocation identities and data a plugin may
	// consult during execution.
	Context struct {
		// UserID identifies the routine owner.
		UserID string

		// RoutineID identifies the routine definition.
		RoutineID string

		// ExecutionID identifies the running execution.
		ExecutionID string

		// NodeID identifies the node being invoked.
		NodeID string

		// Credentials maps each requested alias to its decrypted material.
		// Optional credentials with no binding are absent.
		Credentials map[string]credentials.Data

		// TriggerData is the payload that started the execution.
		TriggerData map[string]any

		// LoopIteration is the zero-based iteration counter, set on every
		// invocation of a loop-capable plugin. Nil for ordinary plugins.
		LoopIteration *int

		// LoopAccumulator is the accumulator returned by the previous loop
		// iteration. Nil on the first iteration.
		LoopAccumulator any
	}

	// Request bundles the arguments of one plugin invocation.
	Request struct {
		// Inputs maps each input port to the items gathered from upstream
		// nodes. Ports with no incoming edge are absent.
		Inputs map[string][]state.Item

		// Config is the node's parameters after expression resolution.
		Config map[string]any

		// Context is the invocation context.
		Context Context
	}

	// Output is what a plugin execution produces: raw values per output port.
	// The engine wraps each value into an item stamped with its source node,
	// port and iteration.
	Output struct {
		// Ports maps each output port to the values emitted on it. A declared
		// port may be absent or empty; both mean zero items.
		Ports map[string][]any

		// Accumulator replaces the loop accumulator for the next iteration
		// when the plugin is loop-capable. Ignored otherwise.
		Accumulator any
	}
)

// Conventional output ports of loop-capable plugins.
const (
	// PortBody carries the items of one loop iteration. The engine schedules
	// the body subtree once per iteration that emits here.
	PortBody = "body"

	// PortDone carries the final items emitted once the loop's input is
	// exhausted. The engine schedules done targets exactly once per loop run.
	PortDone = "done"
)

// Plugin is the capability set every routine plugin implements.
type Plugin interface {
	// Definition returns the plugin's static declaration. It must be
	// deterministic; the registry reads it once at registration.
	Definition() Definition

	// Execute runs one node invocation. Errors classified as
	// execerrors.KindPluginRetryable are retried per the execution's retry
	// policy; every other error is fatal for the node.
	Execute(ctx context.Context, req Request) (*Output, error)
}

// ExecuteFunc adapts a function to the Plugin execution signature.
type ExecuteFunc func(ctx context.Context, req Request) (*Output, error)

type funcPlugin struct {
	def Definition
	fn  ExecuteFunc
}

// New returns a Plugin built from a definition and an execute function.
// Useful for tests and small inline plugins.
func New(def Definition, fn ExecuteFunc) Plugin {
	return &funcPlugin{def: def, fn: fn}
}

func (p *funcPlugin) Definition() Definition { return p.def }

func (p *funcPlugin) Execute(ctx context.Context, req Request) (*Output, error) {
	return p.fn(ctx, req)
}
