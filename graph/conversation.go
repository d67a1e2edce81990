package graph

import (
	"sync"
	"time"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/model"
)

// Conversation is the append-only turn log for one in-flight node
// invocation. It holds the exact messages sent to the model and a parallel
// turn log used for checkpoints. Cleared when the node completes; output
// survives only through declared output keys in shared state.
type Conversation struct {
	mu       sync.Mutex
	nodeID   string
	messages []model.Message
	turns    []checkpoint.Turn
}

// NewConversation creates an empty conversation for a node invocation.
func NewConversation(nodeID string) *Conversation {
	return &Conversation{nodeID: nodeID}
}

// NodeID returns the owning node id.
func (c *Conversation) NodeID() string { return c.nodeID }

// AppendSystem appends a system turn.
func (c *Conversation) AppendSystem(content string) {
	c.append(model.Message{Role: model.RoleSystem, Content: content}, nil)
}

// AppendUser appends a user turn. Metadata is recorded on the turn log only.
func (c *Conversation) AppendUser(content string, metadata map[string]any) {
	c.append(model.Message{Role: model.RoleUser, Content: content}, metadata)
}

// AppendAssistant appends an assistant turn with any tool calls the model
// requested.
func (c *Conversation) AppendAssistant(content string, toolCalls []model.ToolCall) {
	var metadata map[string]any
	if len(toolCalls) > 0 {
		calls := make([]any, 0, len(toolCalls))
		for _, tc := range toolCalls {
			calls = append(calls, map[string]any{
				"tool_use_id": tc.ID,
				"tool_name":   tc.Name,
				"tool_input":  tc.Input,
			})
		}
		metadata = map[string]any{"tool_calls": calls}
	}
	c.append(model.Message{Role: model.RoleAssistant, Content: content, ToolCalls: toolCalls}, metadata)
}

// AppendToolResults appends one tool_result turn carrying all results of the
// preceding assistant turn's calls.
func (c *Conversation) AppendToolResults(results []model.ToolResult) {
	if len(results) == 0 {
		return
	}
	logged := make([]any, 0, len(results))
	for _, tr := range results {
		logged = append(logged, map[string]any{
			"tool_use_id": tr.ToolUseID,
			"content":     tr.Content,
			"is_error":    tr.IsError,
		})
	}
	c.append(
		model.Message{Role: model.RoleToolResult, ToolResults: results},
		map[string]any{"results": logged},
	)
}

func (c *Conversation) append(msg model.Message, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.turns = append(c.turns, checkpoint.Turn{
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

// Messages returns a copy of the model-facing message list.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Turns returns a copy of the turn log for checkpointing.
func (c *Conversation) Turns() []checkpoint.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]checkpoint.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Clear empties the conversation. Called when the node completes.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.turns = nil
}

// RecentAssistantTexts returns up to n most recent assistant contents,
// newest first. Used by stall detection.
func (c *Conversation) RecentAssistantTexts(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for i := len(c.messages) - 1; i >= 0 && len(out) < n; i-- {
		if c.messages[i].Role == model.RoleAssistant {
			out = append(out, c.messages[i].Content)
		}
	}
	return out
}
