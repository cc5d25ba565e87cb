// Package splitbatches implements the loop plugin that feeds a collection
// through the loop body in fixed-size batches. Each invocation emits one
// batch on the body port; once the collection is exhausted it emits the full
// flattened collection as a single item on the done port, which ends the
// loop.
package splitbatches

import (
	"context"
	"encoding/json"

	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// ID is the registry key of the split-batches plugin.
const ID = "splitbatches"

// PortIn is the input port carrying the collection to split.
const PortIn = "in"

var configSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"batchSize": {"type": "integer", "minimum": 1}
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
		"body": {"type": "array"},
		"done": {"type": "array"}
	}
}`)

type splitBatches struct{}

// New returns the split-batches plugin.
func New() plugin.Plugin {
	return splitBatches{}
}

// Definition implements plugin.Plugin. Loop marks the plugin for re-invocation
// once per iteration until it emits on done.
func (splitBatches) Definition() plugin.Definition {
	return plugin.Definition{
		ID:           ID,
		Name:         "Split In Batches",
		Version:      "1.0.0",
		ConfigSchema: configSchema,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Loop:         true,
	}
}

// Execute emits the batch selected by the current loop iteration. Input items
// holding arrays are flattened into their elements so a single upstream item
// carrying a JSON collection iterates element by element. The accumulator
// tracks how many elements have been dispatched.
func (splitBatches) Execute(_ context.Context, req plugin.Request) (*plugin.Output, error) {
	iteration := 0
	if req.Context.LoopIteration != nil {
		iteration = *req.Context.LoopIteration
	}
	batchSize := intConfig(req.Config, "batchSize", 1)
	if batchSize < 1 {
		batchSize = 1
	}

	elements := flatten(req.Inputs[PortIn])
	start := iteration * batchSize
	if start >= len(elements) {
		collection := make([]any, len(elements))
		copy(collection, elements)
		return &plugin.Output{
			Ports:       map[string][]any{plugin.PortDone: {collection}},
			Accumulator: len(elements),
		}, nil
	}

	end := start + batchSize
	if end > len(elements) {
		end = len(elements)
	}
	batch := make([]any, end-start)
	copy(batch, elements[start:end])
	return &plugin.Output{
		Ports:       map[string][]any{plugin.PortBody: batch},
		Accumulator: end,
	}, nil
}

// flatten expands items whose data is an array into the array's elements and
// keeps every other item's data as one element.
func flatten(items []state.Item) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if elems, ok := item.Data.([]any); ok {
			out = append(out, elems...)
			continue
		}
		out = append(out, item.Data)
	}
	return out
}

// intConfig reads an integer configuration value, tolerating the float64
// shape JSON decoding produces.
func intConfig(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
