// Package graph builds the executable form of a routine definition and
// validates its structure before execution.
package graph

import (
	"sort"

	"flowstate.dev/flowstate/runtime/routine/api"
)

type (
	// Node is one plugin invocation within the execution graph.
	Node struct {
		// ID is the node identifier, unique within the routine.
		ID string

		// PluginID names the plugin in the registry.
		PluginID string

		// Label is the display name.
		Label string

		// Parameters is the raw node configuration, expressions unresolved.
		Parameters map[string]any

		// CredentialMappings maps plugin credential aliases to credential ids.
		CredentialMappings map[string]string
	}

	// Edge is one directed port-to-port connection.
	Edge struct {
		// ID is the edge identifier, unique within the routine.
		ID string

		// SourceNodeID and SourcePort locate the producing end.
		SourceNodeID string
		SourcePort   string

		// TargetNodeID and TargetPort locate the consuming end.
		TargetNodeID string
		TargetPort   string

		// Type is an optional edge annotation, carried but not interpreted.
		Type string
	}

	// Graph is the executable form of a routine: nodes by id, forward and
	// reverse adjacency, frozen variables, and the trigger payload. Built
	// once per execution and read-only afterwards.
	Graph struct {
		nodes     map[string]*Node
		order     []string
		edges     []*Edge
		bySource  map[string][]*Edge
		byTarget  map[string][]*Edge
		variables map[string]any
		trigger   map[string]any
	}
)

// Build transforms a routine input into a Graph. Build is total on any
// deserialized input; structural defects are reported by Validate, not here.
// Duplicate node or edge ids keep the last occurrence.
func Build(input api.RoutineInput) *Graph {
	g := &Graph{
		nodes:     make(map[string]*Node, len(input.Nodes)),
		bySource:  make(map[string][]*Edge),
		byTarget:  make(map[string][]*Edge),
		variables: make(map[string]any, len(input.Variables)),
		trigger:   input.TriggerData,
	}
	for _, nd := range input.Nodes {
		if _, seen := g.nodes[nd.ID]; !seen {
			g.order = append(g.order, nd.ID)
		}
		g.nodes[nd.ID] = &Node{
			ID:                 nd.ID,
			PluginID:           nd.PluginID,
			Label:              nd.Label,
			Parameters:         nd.Parameters,
			CredentialMappings: nd.CredentialMappings,
		}
	}
	for _, c := range input.Connections {
		e := &Edge{
			ID:           c.ID,
			SourceNodeID: c.SourceNodeID,
			SourcePort:   c.SourcePort,
			TargetNodeID: c.TargetNodeID,
			TargetPort:   c.TargetPort,
			Type:         c.Type,
		}
		g.edges = append(g.edges, e)
		g.bySource[e.SourceNodeID] = append(g.bySource[e.SourceNodeID], e)
		g.byTarget[e.TargetNodeID] = append(g.byTarget[e.TargetNodeID], e)
	}
	// Adjacency lists are sorted by edge id so every traversal of the graph
	// visits edges in the same order regardless of input ordering.
	for _, adj := range []map[string][]*Edge{g.bySource, g.byTarget} {
		for _, edges := range adj {
			sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
		}
	}
	for _, v := range input.Variables {
		g.variables[v.Name] = v.Value
	}
	return g
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges in definition order.
func (g *Graph) Edges() []*Edge { return g.edges }

// Outgoing returns the edges leaving the node, sorted by edge id.
func (g *Graph) Outgoing(nodeID string) []*Edge { return g.bySource[nodeID] }

// Incoming returns the edges entering the node, sorted by edge id.
func (g *Graph) Incoming(nodeID string) []*Edge { return g.byTarget[nodeID] }

// OutgoingFromPort returns the edges leaving the node's given output port,
// sorted by edge id.
func (g *Graph) OutgoingFromPort(nodeID, port string) []*Edge {
	var out []*Edge
	for _, e := range g.bySource[nodeID] {
		if e.SourcePort == port {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns the nodes with no incoming edges, in definition order.
func (g *Graph) Entries() []*Node {
	var out []*Node
	for _, id := range g.order {
		if len(g.byTarget[id]) == 0 {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// Variables returns the frozen routine variables by name.
func (g *Graph) Variables() map[string]any { return g.variables }

// TriggerData returns the execution's trigger payload.
func (g *Graph) TriggerData() map[string]any { return g.trigger }
