// Package event provides the typed publish/subscribe bus that carries every
// internal state change of the hive runtime.
//
// All runtime components (the graph executor, node event loops, session
// manager, judge) report progress exclusively through AgentEvent values
// published to a Bus. Subscribers attach with a Filter and receive matching
// events in publication order through a bounded queue; slow subscribers lose
// the oldest events rather than blocking publishers.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of an AgentEvent. The set of types is closed;
// consumers may switch exhaustively over it.
type Type string

// Execution lifecycle events.
const (
	TypeExecutionStarted   Type = "execution_started"
	TypeExecutionCompleted Type = "execution_completed"
	TypeExecutionFailed    Type = "execution_failed"
	TypeExecutionPaused    Type = "execution_paused"
	TypeExecutionResumed   Type = "execution_resumed"
)

// Node loop events.
const (
	TypeNodeLoopStarted   Type = "node_loop_started"
	TypeNodeLoopIteration Type = "node_loop_iteration"
	TypeNodeLoopCompleted Type = "node_loop_completed"
)

// LLM streaming events.
const (
	TypeLLMTextDelta      Type = "llm_text_delta"
	TypeLLMReasoningDelta Type = "llm_reasoning_delta"
)

// Tool events.
const (
	TypeToolCallStarted   Type = "tool_call_started"
	TypeToolCallCompleted Type = "tool_call_completed"
)

// Client interaction events.
const (
	TypeClientOutputDelta    Type = "client_output_delta"
	TypeClientInputRequested Type = "client_input_requested"
)

// Node condition events.
const (
	TypeNodeInternalOutput Type = "node_internal_output"
	TypeNodeInputBlocked   Type = "node_input_blocked"
	TypeNodeStalled        Type = "node_stalled"
	TypeNodeRetry          Type = "node_retry"
	TypeNodeToolDoomLoop   Type = "node_tool_doom_loop"
)

// Judge, state and routing events.
const (
	TypeJudgeVerdict        Type = "judge_verdict"
	TypeOutputKeySet        Type = "output_key_set"
	TypeEdgeTraversed       Type = "edge_traversed"
	TypeStateChanged        Type = "state_changed"
	TypeStateConflict       Type = "state_conflict"
	TypeGoalProgress        Type = "goal_progress"
	TypeConstraintViolation Type = "constraint_violation"
)

// Escalation and session events.
const (
	TypeWorkerEscalationTicket     Type = "worker_escalation_ticket"
	TypeQueenInterventionRequested Type = "queen_intervention_requested"
	TypeEscalationRequested        Type = "escalation_requested"
	TypeWebhookReceived            Type = "webhook_received"
	TypeCustom                     Type = "custom"
)

// Reserved types. Defined for forward compatibility but without emitters;
// buses drop them unless constructed with WithReserved(true).
const (
	TypeStreamStarted    Type = "stream_started"
	TypeGoalAchieved     Type = "goal_achieved"
	TypeContextCompacted Type = "context_compacted"
)

// reserved holds the types gated behind the reserved-types flag.
var reserved = map[Type]bool{
	TypeStreamStarted:    true,
	TypeGoalAchieved:     true,
	TypeContextCompacted: true,
}

// Reserved reports whether t is a reserved type with no current emitter.
func Reserved(t Type) bool { return reserved[t] }

// ClientTypes is the default subscription filter for SSE clients: the subset
// of event types a dashboard or chat frontend cares about.
var ClientTypes = []Type{
	TypeExecutionStarted, TypeExecutionCompleted, TypeExecutionFailed,
	TypeExecutionPaused, TypeExecutionResumed,
	TypeNodeLoopStarted, TypeNodeLoopCompleted,
	TypeClientOutputDelta, TypeClientInputRequested,
	TypeToolCallStarted, TypeToolCallCompleted,
	TypeJudgeVerdict, TypeEdgeTraversed, TypeOutputKeySet,
	TypeEscalationRequested, TypeWorkerEscalationTicket,
	TypeQueenInterventionRequested,
}

// AgentEvent is the envelope carried by the bus. The identity tuple
// (GraphID, StreamID, NodeID, ExecutionID) uniquely locates an event within
// a session.
type AgentEvent struct {
	Type          Type           `json:"type"`
	StreamID      string         `json:"stream_id,omitempty"`
	NodeID        string         `json:"node_id,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	GraphID       string         `json:"graph_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// New builds an AgentEvent of the given type with a UTC timestamp.
func New(t Type, data map[string]any) AgentEvent {
	return AgentEvent{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the event as a single JSON object. The encoding is
// stable: Decode(Encode(e)) reproduces e.
func Encode(e AgentEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event previously produced by Encode.
func Decode(data []byte) (AgentEvent, error) {
	var e AgentEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return AgentEvent{}, err
	}
	return e, nil
}

// Filter selects events for a subscription. All set fields are AND-combined;
// the zero Filter matches everything.
type Filter struct {
	Types       []Type
	StreamID    string
	NodeID      string
	ExecutionID string
	GraphID     string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e AgentEvent) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.GraphID != "" && e.GraphID != f.GraphID {
		return false
	}
	return true
}

// Scope carries identity fields a child bus stamps onto every published
// event. Empty fields are left untouched.
type Scope struct {
	GraphID     string
	StreamID    string
	ExecutionID string
	NodeID      string
}

// apply stamps the scope onto e without overwriting fields the publisher
// already set.
func (s Scope) apply(e AgentEvent) AgentEvent {
	if e.GraphID == "" {
		e.GraphID = s.GraphID
	}
	if e.StreamID == "" {
		e.StreamID = s.StreamID
	}
	if e.ExecutionID == "" {
		e.ExecutionID = s.ExecutionID
	}
	if e.NodeID == "" {
		e.NodeID = s.NodeID
	}
	return e
}
