package graph

import (
	"fmt"

	"flowstate.dev/flowstate/runtime/routine/api"
)

// Code identifies a class of structural defect or advisory.
type Code string

const (
	// CodeMissingEndpoint flags an edge whose source or target node does not exist.
	CodeMissingEndpoint Code = "missing_endpoint"
	// CodeNoEntryNodes flags a routine with no node free of incoming edges.
	CodeNoEntryNodes Code = "no_entry_nodes"
	// CodeOrphanedNode flags a node with neither incoming nor outgoing edges.
	CodeOrphanedNode Code = "orphaned_node"
	// CodeCycleDetected flags a directed cycle.
	CodeCycleDetected Code = "cycle_detected"
	// CodeDuplicateNode flags a node id used more than once.
	CodeDuplicateNode Code = "duplicate_node_id"
	// CodeDuplicateEdge flags an edge id used more than once.
	CodeDuplicateEdge Code = "duplicate_edge_id"
	// CodeDuplicateVariable flags a variable name used more than once.
	CodeDuplicateVariable Code = "duplicate_variable"
	// CodeInvalidVariable flags a variable whose value does not conform to its
	// declared type.
	CodeInvalidVariable Code = "invalid_variable_value"

	// CodeUnreachableNode warns about a node no entry can reach.
	CodeUnreachableNode Code = "unreachable_node"
	// CodeMultipleEntries warns that the routine has more than one entry node.
	CodeMultipleEntries Code = "multiple_entry_nodes"
)

type (
	// Issue describes one validation finding.
	Issue struct {
		// Code classifies the finding.
		Code Code `json:"code"`

		// Message is the human-readable description.
		Message string `json:"message"`

		// NodeID is set when the finding concerns a specific node.
		NodeID string `json:"nodeId,omitempty"`

		// EdgeID is set when the finding concerns a specific edge.
		EdgeID string `json:"edgeId,omitempty"`

		// Path lists the node ids of the offending cycle, first node repeated
		// at the end. Only set for CodeCycleDetected.
		Path []string `json:"path,omitempty"`
	}

	// Result is the outcome of validating a routine.
	Result struct {
		// Valid is true when no errors were found. Warnings do not affect it.
		Valid bool `json:"valid"`

		// Errors are the defects that prevent execution.
		Errors []Issue `json:"errors,omitempty"`

		// Warnings are advisories that do not prevent execution.
		Warnings []Issue `json:"warnings,omitempty"`
	}
)

// Validate reports the structural defects of a routine. Checks run in order:
// duplicate ids and variable conformance, edge endpoints, entry nodes,
// orphaned nodes, cycles, reachability. Execution must only proceed on a
// valid result.
func Validate(input api.RoutineInput) Result {
	var res Result

	seenNodes := make(map[string]bool, len(input.Nodes))
	for _, nd := range input.Nodes {
		if seenNodes[nd.ID] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDuplicateNode,
				Message: fmt.Sprintf("node id %q is defined more than once", nd.ID),
				NodeID:  nd.ID,
			})
		}
		seenNodes[nd.ID] = true
	}
	seenEdges := make(map[string]bool, len(input.Connections))
	for _, c := range input.Connections {
		if seenEdges[c.ID] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDuplicateEdge,
				Message: fmt.Sprintf("edge id %q is defined more than once", c.ID),
				EdgeID:  c.ID,
			})
		}
		seenEdges[c.ID] = true
	}
	seenVars := make(map[string]bool, len(input.Variables))
	for _, v := range input.Variables {
		if seenVars[v.Name] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDuplicateVariable,
				Message: fmt.Sprintf("variable %q is defined more than once", v.Name),
			})
		}
		seenVars[v.Name] = true
		if !variableConforms(v) {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeInvalidVariable,
				Message: fmt.Sprintf("variable %q value does not conform to type %s", v.Name, v.Type),
			})
		}
	}

	g := Build(input)

	for _, e := range g.Edges() {
		if _, ok := g.Node(e.SourceNodeID); !ok {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeMissingEndpoint,
				Message: fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.SourceNodeID),
				EdgeID:  e.ID,
			})
		}
		if _, ok := g.Node(e.TargetNodeID); !ok {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeMissingEndpoint,
				Message: fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.TargetNodeID),
				EdgeID:  e.ID,
			})
		}
	}

	entries := g.Entries()
	if len(input.Nodes) > 0 && len(entries) == 0 {
		res.Errors = append(res.Errors, Issue{
			Code:    CodeNoEntryNodes,
			Message: "routine has no entry nodes: every node has incoming edges",
		})
	}

	for _, n := range g.Nodes() {
		if len(g.Incoming(n.ID)) == 0 && len(g.Outgoing(n.ID)) == 0 {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeOrphanedNode,
				Message: fmt.Sprintf("node %q has neither incoming nor outgoing edges", n.ID),
				NodeID:  n.ID,
			})
		}
	}

	if cycle := findCycle(g); cycle != nil {
		res.Errors = append(res.Errors, Issue{
			Code:    CodeCycleDetected,
			Message: fmt.Sprintf("routine contains a cycle: %v", cycle),
			Path:    cycle,
		})
	}

	if len(entries) > 0 {
		reached := reachable(g, entries)
		for _, n := range g.Nodes() {
			if !reached[n.ID] {
				res.Warnings = append(res.Warnings, Issue{
					Code:    CodeUnreachableNode,
					Message: fmt.Sprintf("node %q is not reachable from any entry node", n.ID),
					NodeID:  n.ID,
				})
			}
		}
	}
	if len(entries) > 1 {
		res.Warnings = append(res.Warnings, Issue{
			Code:    CodeMultipleEntries,
			Message: fmt.Sprintf("routine has %d entry nodes", len(entries)),
		})
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// findCycle runs a depth-first search with a recursion stack and returns the
// first directed cycle found as a node id path with the entry node repeated
// at the end, or nil when the graph is acyclic.
func findCycle(g *Graph) []string {
	const (
		white = iota // unvisited
		grey         // on the recursion stack
		black        // fully explored
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range g.Outgoing(id) {
			next := e.TargetNodeID
			if _, ok := g.Node(next); !ok {
				continue
			}
			switch color[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case grey:
				for i, n := range stack {
					if n == next {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, next)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range g.Nodes() {
		if color[n.ID] == white {
			if cycle := visit(n.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// reachable runs a breadth-first search from the entry nodes and returns the
// set of reached node ids.
func reachable(g *Graph, entries []*Node) map[string]bool {
	reached := make(map[string]bool, len(g.nodes))
	queue := make([]string, 0, len(entries))
	for _, n := range entries {
		reached[n.ID] = true
		queue = append(queue, n.ID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(id) {
			next := e.TargetNodeID
			if _, ok := g.Node(next); !ok || reached[next] {
				continue
			}
			reached[next] = true
			queue = append(queue, next)
		}
	}
	return reached
}

func variableConforms(v api.VariableDefinition) bool {
	switch v.Type {
	case api.VariableString:
		_, ok := v.Value.(string)
		return ok
	case api.VariableNumber:
		switch v.Value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case api.VariableBoolean:
		_, ok := v.Value.(bool)
		return ok
	case api.VariableJSON:
		return true
	}
	return false
}
