// Package model abstracts streaming LLM chat providers.
//
// The runtime never talks to a provider SDK directly. Nodes build a Request
// from their conversation, call StreamChat, observe text and reasoning
// deltas through a callback as they arrive, and receive the fully
// accumulated Response (text plus any tool calls) when the turn completes.
//
// Subpackages adapt Anthropic (anthropic-sdk-go), OpenAI (openai-go) and
// Google (generative-ai-go) to this interface. MockModel provides scripted
// turns for tests.
package model

import "context"

// Standard conversation roles.
const (
	RoleSystem     = "system"
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Message is one turn of a provider conversation. Exactly one shape is
// populated per role: Content for system/user text, Content and/or
// ToolCalls for assistant turns, ToolResults for tool_result turns.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec describes a tool offered to the model. Schema is JSON Schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is the model's request to invoke one tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult feeds one tool's outcome back into the conversation.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Request is one streaming chat turn.
type Request struct {
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Chunk is a single streaming delta. Either TextDelta or ReasoningDelta is
// set, never both.
type Chunk struct {
	TextDelta      string
	ReasoningDelta string
}

// Usage reports token consumption for one turn, when the provider supplies
// it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the accumulated result of one streaming turn.
type Response struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     Usage
}

// ChatModel is the streaming completion interface all providers implement.
//
// StreamChat blocks until the turn completes, invoking onDelta for each
// streamed chunk in arrival order. onDelta may be nil. Implementations must
// honor context cancellation at every await point and return ctx.Err() when
// cancelled mid-stream.
type ChatModel interface {
	StreamChat(ctx context.Context, req Request, onDelta func(Chunk)) (Response, error)
}
