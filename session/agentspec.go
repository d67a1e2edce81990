package session

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/state"
)

// AgentSpec is a worker definition: a named set of graphs plus the state
// isolation policy their executions share.
type AgentSpec struct {
	Name      string
	Isolation state.Isolation
	Graphs    []graph.GraphSpec
}

// Validate checks every graph and that entry point ids are unique across
// the spec.
func (a AgentSpec) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent spec has no name")
	}
	if len(a.Graphs) == 0 {
		return fmt.Errorf("agent %s: no graphs", a.Name)
	}
	seen := map[string]bool{}
	for _, g := range a.Graphs {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", a.Name, err)
		}
		if seen[g.ID] {
			return fmt.Errorf("agent %s: duplicate graph id %q", a.Name, g.ID)
		}
		seen[g.ID] = true
	}
	eps := map[string]bool{}
	for _, g := range a.Graphs {
		for _, ep := range g.EntryPoints {
			if eps[ep.ID] {
				return fmt.Errorf("agent %s: entry point %q declared in more than one graph", a.Name, ep.ID)
			}
			eps[ep.ID] = true
		}
	}
	return nil
}

// agentFile is the on-disk JSON shape of an agent spec. Function nodes and
// arbitrary predicates are code, so files may only declare event_loop nodes
// and key-equality conditions.
type agentFile struct {
	Name      string      `json:"name"`
	Isolation string      `json:"isolation,omitempty"`
	Graphs    []graphFile `json:"graphs"`
}

type graphFile struct {
	ID          string      `json:"id"`
	Entry       string      `json:"entry"`
	Nodes       []nodeFile  `json:"nodes"`
	Edges       []edgeFile  `json:"edges,omitempty"`
	EntryPoints []entryFile `json:"entry_points,omitempty"`
}

type nodeFile struct {
	ID              string    `json:"id"`
	SystemPrompt    string    `json:"system_prompt"`
	InputKeys       []string  `json:"input_keys,omitempty"`
	OutputKeys      []keyFile `json:"output_keys,omitempty"`
	Tools           []string  `json:"tools,omitempty"`
	MaxIterations   int       `json:"max_iterations,omitempty"`
	MaxRetries      int       `json:"max_retries,omitempty"`
	MaxVisits       int       `json:"max_visits,omitempty"`
	SuccessCriteria string    `json:"success_criteria,omitempty"`
	ClientFacing    bool      `json:"client_facing,omitempty"`
}

type keyFile struct {
	Key      string `json:"key"`
	Nullable bool   `json:"nullable,omitempty"`
}

type edgeFile struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Condition    string    `json:"condition,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	When         *whenFile `json:"when,omitempty"`
	RouterPrompt string    `json:"router_prompt,omitempty"`
}

// whenFile is the declarative predicate for conditional edges: the state
// key must equal the given value.
type whenFile struct {
	Key    string `json:"key"`
	Equals any    `json:"equals"`
}

type entryFile struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

// LoadAgentSpec reads and validates a JSON agent spec file.
func LoadAgentSpec(path string) (AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("read agent spec: %w", err)
	}
	return ParseAgentSpec(data)
}

// ParseAgentSpec decodes a JSON agent spec.
func ParseAgentSpec(data []byte) (AgentSpec, error) {
	var file agentFile
	if err := json.Unmarshal(data, &file); err != nil {
		return AgentSpec{}, fmt.Errorf("parse agent spec: %w", err)
	}

	spec := AgentSpec{Name: file.Name}
	switch file.Isolation {
	case "":
		spec.Isolation = state.Shared
	case string(state.Isolated), string(state.Shared), string(state.Synchronized):
		spec.Isolation = state.Isolation(file.Isolation)
	default:
		return AgentSpec{}, fmt.Errorf("agent %s: unknown isolation %q", file.Name, file.Isolation)
	}

	for _, gf := range file.Graphs {
		g := graph.GraphSpec{ID: gf.ID, Entry: gf.Entry}
		for _, nf := range gf.Nodes {
			outputs := make([]graph.OutputKey, 0, len(nf.OutputKeys))
			for _, kf := range nf.OutputKeys {
				outputs = append(outputs, graph.OutputKey{Key: kf.Key, Nullable: kf.Nullable})
			}
			g.Nodes = append(g.Nodes, graph.NodeSpec{
				ID:              nf.ID,
				Type:            graph.NodeEventLoop,
				SystemPrompt:    nf.SystemPrompt,
				InputKeys:       nf.InputKeys,
				OutputKeys:      outputs,
				Tools:           nf.Tools,
				MaxIterations:   nf.MaxIterations,
				MaxRetries:      nf.MaxRetries,
				MaxVisits:       nf.MaxVisits,
				SuccessCriteria: nf.SuccessCriteria,
				ClientFacing:    nf.ClientFacing,
			})
		}
		for _, ef := range gf.Edges {
			edge := graph.EdgeSpec{
				Source:       ef.Source,
				Target:       ef.Target,
				Condition:    graph.Condition(ef.Condition),
				Priority:     ef.Priority,
				RouterPrompt: ef.RouterPrompt,
			}
			if edge.Condition == "" {
				edge.Condition = graph.CondAlways
			}
			if edge.Condition == graph.CondConditional {
				if ef.When == nil {
					return AgentSpec{}, fmt.Errorf("agent %s: conditional edge %s -> %s has no when clause", file.Name, ef.Source, ef.Target)
				}
				key, want := ef.When.Key, ef.When.Equals
				edge.When = func(s map[string]any) bool { return s[key] == want }
			}
			g.Edges = append(g.Edges, edge)
		}
		for _, epf := range gf.EntryPoints {
			source := graph.TriggerSource(epf.Source)
			if source == "" {
				source = graph.TriggerManual
			}
			g.EntryPoints = append(g.EntryPoints, graph.EntryPointSpec{ID: epf.ID, Source: source, Target: epf.Target})
		}
		spec.Graphs = append(spec.Graphs, g)
	}

	if err := spec.Validate(); err != nil {
		return AgentSpec{}, err
	}
	return spec, nil
}
