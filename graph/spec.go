// Package graph implements the agent graph engine: immutable graph
// specifications, the per-node event loop that interleaves LLM turns with
// tool calls under judge gating, and the executor that walks edges, retries
// failed nodes, and fans out parallel branches.
//
// A graph is a set of NodeSpec plus a flat list of EdgeSpec and one entry
// node. Graphs legitimately contain cycles (retry loops); the executor is
// cycle-oblivious and bounds repetition through per-node visit caps. Back
// edges are classified only for visualization.
package graph

import (
	"context"
	"fmt"
	"sort"
)

// NodeType selects the handler that runs a node.
type NodeType string

// Supported node types.
const (
	// NodeEventLoop runs the bounded multi-turn LLM+tool loop.
	NodeEventLoop NodeType = "event_loop"

	// NodeFunction runs a synchronous Go function.
	NodeFunction NodeType = "function"
)

// OutputKey declares one shared-state key a node produces. Non-nullable keys
// must be set via set_output before the judge may accept the node.
type OutputKey struct {
	Key      string
	Nullable bool
}

// FunctionHandler is the body of a function node. It receives the node's
// declared input values and returns its outputs.
type FunctionHandler func(ctx context.Context, input map[string]any) (map[string]any, error)

// NodeSpec describes one node of a graph.
type NodeSpec struct {
	ID   string
	Type NodeType

	// SystemPrompt seeds the node conversation on each invocation.
	SystemPrompt string

	// InputKeys are read from shared state when assembling the prompt.
	InputKeys []string

	// OutputKeys the node is expected to produce through set_output.
	OutputKeys []OutputKey

	// Tools lists permitted tool names, resolved against the registry at
	// load time. The synthetic tools are always available on top.
	Tools []string

	// MaxIterations bounds the event loop. 0 means unbounded.
	MaxIterations int

	// MaxRetries is the node-level retry budget: a failed node is re-entered
	// from scratch with a fresh conversation up to this many times.
	MaxRetries int

	// MaxVisits caps how often the executor may enter this node. 0 means
	// unbounded.
	MaxVisits int

	// SuccessCriteria guides the LLM judge.
	SuccessCriteria string

	// ClientFacing nodes stream client_output_delta instead of
	// llm_text_delta and block on client input after text-only turns.
	ClientFacing bool

	// Rules are evaluated before the LLM judge, descending priority.
	Rules []EvaluationRule

	// Func is the handler for function nodes.
	Func FunctionHandler
}

// Condition determines when an edge fires.
type Condition string

// Edge conditions.
const (
	CondAlways      Condition = "always"
	CondOnSuccess   Condition = "on_success"
	CondOnFailure   Condition = "on_failure"
	CondConditional Condition = "conditional"
	CondRouter      Condition = "router"
)

// Predicate evaluates a conditional edge against the current shared state.
type Predicate func(state map[string]any) bool

// EdgeSpec connects two nodes. Outgoing edges are evaluated in ascending
// priority, ties broken by declaration order; the first match wins.
type EdgeSpec struct {
	Source    string
	Target    string
	Condition Condition
	Priority  int

	// When is required for conditional edges.
	When Predicate

	// RouterPrompt describes the routing decision for router edges; the
	// executor asks an LLM to pick a target among the router edges' targets.
	RouterPrompt string
}

// TriggerSource is what fires an entry point.
type TriggerSource string

// Trigger sources.
const (
	TriggerManual  TriggerSource = "manual"
	TriggerWebhook TriggerSource = "webhook"
	TriggerTimer   TriggerSource = "timer"
	TriggerEvent   TriggerSource = "event"
)

// EntryPointSpec binds a named trigger to a target node.
type EntryPointSpec struct {
	ID     string
	Source TriggerSource
	Target string
}

// GraphSpec is an immutable graph definition. Validate before executing.
type GraphSpec struct {
	ID          string
	Nodes       []NodeSpec
	Edges       []EdgeSpec
	Entry       string
	EntryPoints []EntryPointSpec
}

// ConfigError reports an invalid graph specification, rejected at load time
// before any execution starts.
type ConfigError struct {
	GraphID string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.GraphID == "" {
		return "invalid graph: " + e.Reason
	}
	return fmt.Sprintf("invalid graph %q: %s", e.GraphID, e.Reason)
}

func (g *GraphSpec) invalid(format string, args ...any) error {
	return &ConfigError{GraphID: g.ID, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks structural integrity: at least one node, unique node ids,
// a known entry node, edge endpoints that exist, predicates on conditional
// edges, and handlers on function nodes.
func (g *GraphSpec) Validate() error {
	if len(g.Nodes) == 0 {
		return g.invalid("graph has no nodes")
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return g.invalid("node with empty id")
		}
		if ids[n.ID] {
			return g.invalid("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true

		switch n.Type {
		case NodeEventLoop, "":
		case NodeFunction:
			if n.Func == nil {
				return g.invalid("function node %q has no handler", n.ID)
			}
		default:
			return g.invalid("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	if g.Entry == "" {
		return g.invalid("entry node is required")
	}
	if !ids[g.Entry] {
		return g.invalid("entry node %q does not exist", g.Entry)
	}

	for i, e := range g.Edges {
		if !ids[e.Source] {
			return g.invalid("edge %d references unknown source %q", i, e.Source)
		}
		if !ids[e.Target] {
			return g.invalid("edge %d references unknown target %q", i, e.Target)
		}
		if e.Condition == CondConditional && e.When == nil {
			return g.invalid("conditional edge %q -> %q has no predicate", e.Source, e.Target)
		}
	}

	for _, ep := range g.EntryPoints {
		if ep.ID == "" {
			return g.invalid("entry point with empty id")
		}
		if !ids[ep.Target] {
			return g.invalid("entry point %q targets unknown node %q", ep.ID, ep.Target)
		}
	}
	return nil
}

// Node returns the named node spec.
func (g *GraphSpec) Node(id string) (NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// EntryPoint returns the named entry point.
func (g *GraphSpec) EntryPoint(id string) (EntryPointSpec, bool) {
	for _, ep := range g.EntryPoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return EntryPointSpec{}, false
}

// Outgoing returns the edges leaving a node, sorted by ascending priority
// with declaration order breaking ties.
func (g *GraphSpec) Outgoing(nodeID string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// BackEdges classifies edges by a BFS from the entry node: an edge expanded
// toward an already-visited node is a back edge. The classification is
// informational; the executor treats back edges like any other edge but tags
// them on edge_traversed events.
func (g *GraphSpec) BackEdges() map[edgeKey]bool {
	back := make(map[edgeKey]bool)
	visited := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Edges {
			if e.Source != cur {
				continue
			}
			if visited[e.Target] {
				back[edgeKey{e.Source, e.Target}] = true
				continue
			}
			visited[e.Target] = true
			queue = append(queue, e.Target)
		}
	}
	return back
}

type edgeKey struct {
	source string
	target string
}
