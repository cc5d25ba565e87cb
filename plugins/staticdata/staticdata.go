// Package staticdata implements the static-data plugin. It emits the value
// configured on the node, serving as the entry node of routines that start
// from fixed data rather than upstream outputs.
package staticdata

import (
	"context"
	"encoding/json"

	"flowstate.dev/flowstate/runtime/routine/plugin"
)

// ID is the registry key of the static-data plugin.
const ID = "staticdata"

// PortOut is the single output port.
const PortOut = "out"

var configSchema = json.RawMessage(`{
	"type": "object",
	"required": ["data"],
	"properties": {
		"data": {},
		"spread": {"type": "boolean"}
	}
}`)

var outputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"out": {"type": "array"}
	}
}`)

type staticData struct{}

// New returns the static-data plugin.
func New() plugin.Plugin {
	return staticData{}
}

// Definition implements plugin.Plugin.
func (staticData) Definition() plugin.Definition {
	return plugin.Definition{
		ID:           ID,
		Name:         "Static Data",
		Version:      "1.0.0",
		ConfigSchema: configSchema,
		OutputSchema: outputSchema,
	}
}

// Execute emits the configured data on the out port. When spread is set and
// the data is an array, each element becomes its own item; otherwise the
// value is emitted as a single item.
func (staticData) Execute(_ context.Context, req plugin.Request) (*plugin.Output, error) {
	data := req.Config["data"]
	if spread, _ := req.Config["spread"].(bool); spread {
		if elems, ok := data.([]any); ok {
			out := make([]any, len(elems))
			copy(out, elems)
			return &plugin.Output{Ports: map[string][]any{PortOut: out}}, nil
		}
	}
	return &plugin.Output{Ports: map[string][]any{PortOut: {data}}}, nil
}
