// Command demo runs the three-node linear routine on the in-memory engine
// and prints the execution path and terminal output. It needs no external
// services and doubles as a smoke test for the runtime wiring.
package main

import (
	"context"
	"fmt"
	"strings"

	"flowstate.dev/flowstate/plugins/staticdata"
	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/runtime"
)

// doublePlugin multiplies every input item by two.
func doublePlugin() plugin.Plugin {
	return plugin.New(plugin.Definition{ID: "double", Name: "Double"}, func(_ context.Context, req plugin.Request) (*plugin.Output, error) {
		var out []any
		for _, item := range req.Inputs["in"] {
			out = append(out, number(item.Data)*2)
		}
		return &plugin.Output{Ports: map[string][]any{"out": out}}, nil
	})
}

// addPlugin adds the configured delta to every input item.
func addPlugin() plugin.Plugin {
	return plugin.New(plugin.Definition{ID: "add", Name: "Add"}, func(_ context.Context, req plugin.Request) (*plugin.Output, error) {
		delta := number(req.Config["delta"])
		var out []any
		for _, item := range req.Inputs["in"] {
			out = append(out, number(item.Data)+delta)
		}
		return &plugin.Output{Ports: map[string][]any{"out": out}}, nil
	})
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func main() {
	ctx := context.Background()

	// 1) Runtime on the in-memory engine.
	rt := runtime.New()
	for _, p := range []plugin.Plugin{staticdata.New(), doublePlugin(), addPlugin()} {
		if err := rt.RegisterPlugin(p); err != nil {
			panic(err)
		}
	}
	if err := rt.Start(ctx); err != nil {
		panic(err)
	}

	// 2) A -> B -> C: A emits 1, B doubles, C adds 10.
	outcome, err := rt.Client().Execute(ctx, &api.RoutineInput{
		RoutineID: "demo-linear",
		UserID:    "demo",
		Nodes: []api.NodeDefinition{
			{ID: "A", PluginID: staticdata.ID, Parameters: map[string]any{"data": 1}},
			{ID: "B", PluginID: "double"},
			{ID: "C", PluginID: "add", Parameters: map[string]any{"delta": 10}},
		},
		Connections: []api.ConnectionDefinition{
			{ID: "e1", SourceNodeID: "A", SourcePort: "out", TargetNodeID: "B", TargetPort: "in"},
			{ID: "e2", SourceNodeID: "B", SourcePort: "out", TargetNodeID: "C", TargetPort: "in"},
		},
		TriggerType: "manual",
	})
	if err != nil {
		panic(err)
	}

	// 3) Print the outcome.
	path := make([]string, len(outcome.ExecutionPath))
	for i, entry := range outcome.ExecutionPath {
		path[i] = entry.NodeID
	}
	fmt.Println("Execution:", outcome.ExecutionID)
	fmt.Println("Status:", outcome.Status)
	fmt.Println("Path:", strings.Join(path, " -> "))
	if result, ok := outcome.Results["C"]; ok && len(result.Outputs["out"]) > 0 {
		fmt.Println("Output:", result.Outputs["out"][0].Data)
	}
}
