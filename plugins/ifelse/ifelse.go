// Package ifelse implements the if-else branching plugin. It evaluates a
// boolean expression against every item gathered on its in port and routes
// each item's value to the true or false output port. Ports left without
// items prune their downstream branch.
//
// Conditions use expr-lang syntax and see the item's raw value as both
// `value` and `data`, plus `meta` with the item's source node, source port
// and iteration:
//
//	value > 10
//	data.status == "active" && meta.iteration < 3
package ifelse

import (
	"context"
	"encoding/json"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// ID is the registry key of the if-else plugin.
const ID = "ifelse"

// Output ports.
const (
	PortTrue  = "true"
	PortFalse = "false"
)

// PortIn is the input port carrying the items to route.
const PortIn = "in"

var configSchema = json.RawMessage(`{
	"type": "object",
	"required": ["condition"],
	"properties": {
		"condition": {"type": "string", "minLength": 1}
	}
}`)

var inputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"in": {"type": "array"}
	}
}`)

var outputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"true": {"type": "array"},
		"false": {"type": "array"}
	}
}`)

type ifElse struct{}

// New returns the if-else plugin.
func New() plugin.Plugin {
	return ifElse{}
}

// Definition implements plugin.Plugin.
func (ifElse) Definition() plugin.Definition {
	return plugin.Definition{
		ID:           ID,
		Name:         "If / Else",
		Version:      "1.0.0",
		ConfigSchema: configSchema,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}
}

// Execute compiles the configured condition once, evaluates it per item and
// splits the items across the true and false ports. Both ports are always
// present so the result records the full split.
func (ifElse) Execute(_ context.Context, req plugin.Request) (*plugin.Output, error) {
	condition, _ := req.Config["condition"].(string)
	if condition == "" {
		return nil, execerrors.New(execerrors.KindPluginFatal, "condition is required")
	}
	program, err := expr.Compile(condition,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, execerrors.Wrap(execerrors.KindPluginFatal, "compile condition", err)
	}

	trueVals := []any{}
	falseVals := []any{}
	for _, item := range req.Inputs[PortIn] {
		match, err := evaluate(program, item)
		if err != nil {
			return nil, execerrors.Wrap(execerrors.KindPluginFatal, "evaluate condition", err)
		}
		if match {
			trueVals = append(trueVals, item.Data)
		} else {
			falseVals = append(falseVals, item.Data)
		}
	}
	return &plugin.Output{Ports: map[string][]any{
		PortTrue:  trueVals,
		PortFalse: falseVals,
	}}, nil
}

func evaluate(program *vm.Program, item state.Item) (bool, error) {
	env := map[string]any{
		"value": item.Data,
		"data":  item.Data,
		"meta": map[string]any{
			"sourceNode": item.Metadata.SourceNode,
			"sourcePort": item.Metadata.SourcePort,
			"iteration":  item.Metadata.Iteration,
		},
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	match, ok := out.(bool)
	if !ok {
		return false, execerrors.Newf(execerrors.KindPluginFatal, "condition evaluated to %T, want bool", out)
	}
	return match, nil
}
