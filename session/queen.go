package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/tool"
)

// QueenNodeID is the node id under which the queen's events are published.
const QueenNodeID = "queen"

// QueenStreamID is the stream id stamped on every queen event.
const QueenStreamID = "queen"

// DefaultQueenPrompt seeds the queen conversation when no prompt is
// configured.
const DefaultQueenPrompt = `You are the session's resident assistant. You talk directly with the user,
answer questions about the session's agents and executions, and act on the
user's behalf with your available tools. Keep replies short and concrete.`

// QueenConfig wires one queen runtime.
type QueenConfig struct {
	SessionID string
	Model     model.ChatModel
	Registry  *tool.Registry
	Bus       event.Bus

	// SystemPrompt overrides DefaultQueenPrompt.
	SystemPrompt string

	// Tools lists registry tools offered to the queen.
	Tools []string

	// Dir, when set, persists the conversation so the queen survives a
	// process restart.
	Dir string

	Retry  graph.RetryPolicy
	Logger *slog.Logger
}

// Queen is the session's always-on conversational executor: a client-facing
// event loop with an unbounded iteration budget. It streams replies as
// client_output_delta events and blocks on client_input_requested between
// turns; chat messages are injected as the blocked input.
type Queen struct {
	cfg      QueenConfig
	conv     *graph.Conversation
	controls *graph.Controls
	loop     *graph.EventLoop

	ctx     context.Context
	cancel  context.CancelFunc
	pending chan string
	done    chan struct{}
}

// NewQueen builds a queen runtime. Call Start to launch it.
func NewQueen(cfg QueenConfig) *Queen {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultQueenPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = tool.NewRegistry()
	}

	controls := graph.NewControls()
	node := graph.NodeSpec{
		ID:           QueenNodeID,
		Type:         graph.NodeEventLoop,
		SystemPrompt: cfg.SystemPrompt,
		Tools:        cfg.Tools,
		ClientFacing: true,
	}
	bus := cfg.Bus.Child(event.Scope{StreamID: QueenStreamID, ExecutionID: uuid.NewString()})
	loop := graph.NewEventLoop(graph.LoopConfig{
		Node:        node,
		Model:       cfg.Model,
		Registry:    cfg.Registry,
		Bus:         bus,
		ExecutionID: "",
		Retry:       cfg.Retry,
		Controls:    controls,
	})

	return &Queen{
		cfg:      cfg,
		conv:     graph.NewConversation(QueenNodeID),
		controls: controls,
		loop:     loop,
		pending:  make(chan string, 16),
		done:     make(chan struct{}),
	}
}

// Start restores any persisted conversation and launches the queen loop.
func (q *Queen) Start(ctx context.Context) error {
	if q.cfg.Dir != "" {
		if err := q.restore(); err != nil {
			return fmt.Errorf("queen %s: %w", q.cfg.SessionID, err)
		}
	}

	q.ctx, q.cancel = context.WithCancel(ctx)

	// The subscription signals when the queen blocks for input, so queued
	// chat messages can be injected the moment a waiter registers.
	blocked := q.cfg.Bus.Subscribe(event.Filter{
		Types:  []event.Type{event.TypeClientInputRequested},
		NodeID: QueenNodeID,
	}, event.WithQueueSize(16))

	go func() {
		defer close(q.done)
		defer q.cfg.Bus.Unsubscribe(blocked)
		result := q.loop.Run(q.ctx, q.conv, nil)
		if result.Status != graph.StatusCancelled {
			q.cfg.Logger.Warn("queen loop exited",
				"session_id", q.cfg.SessionID,
				"status", string(result.Status),
				"error", errString(result.Err))
		}
	}()
	go q.pump(blocked)
	return nil
}

// pump injects queued chat messages whenever the queen is blocked on input.
func (q *Queen) pump(blocked *event.Subscription) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.pending:
			for !q.controls.Inject(QueenNodeID, msg) {
				select {
				case <-q.ctx.Done():
					return
				case _, ok := <-blocked.Events():
					if !ok {
						return
					}
				}
			}
		}
	}
}

// Deliver hands a chat message to the queen. When the queen is mid-turn the
// message queues; false means the queen is stopped or the queue is full.
func (q *Queen) Deliver(message string) bool {
	if q.ctx == nil {
		return false
	}
	select {
	case <-q.ctx.Done():
		return false
	default:
	}
	if q.controls.Inject(QueenNodeID, message) {
		return true
	}
	select {
	case q.pending <- message:
		return true
	default:
		return false
	}
}

// Blocked reports whether the queen is currently waiting for client input.
func (q *Queen) Blocked() bool {
	for _, id := range q.controls.BlockedNodes() {
		if id == QueenNodeID {
			return true
		}
	}
	return false
}

// Stop cancels the queen loop, waits for it to exit, and persists the
// conversation when a directory is configured.
func (q *Queen) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	if q.cfg.Dir != "" {
		if err := q.persist(); err != nil {
			q.cfg.Logger.Warn("persist queen conversation",
				"session_id", q.cfg.SessionID, "error", err)
		}
	}
}

// storedMessage is the on-disk shape of one conversation turn.
type storedMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content,omitempty"`
	ToolCalls   []storedToolCall   `json:"tool_calls,omitempty"`
	ToolResults []storedToolResult `json:"tool_results,omitempty"`
}

type storedToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

type storedToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (q *Queen) conversationPath() string {
	return filepath.Join(q.cfg.Dir, "conversation.json")
}

// persist writes the conversation atomically, temp file plus rename.
func (q *Queen) persist() error {
	messages := q.conv.Messages()
	stored := make([]storedMessage, 0, len(messages))
	for _, m := range messages {
		sm := storedMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			sm.ToolCalls = append(sm.ToolCalls, storedToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		for _, tr := range m.ToolResults {
			sm.ToolResults = append(sm.ToolResults, storedToolResult{ToolUseID: tr.ToolUseID, Content: tr.Content, IsError: tr.IsError})
		}
		stored = append(stored, sm)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := os.MkdirAll(q.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create queen dir: %w", err)
	}
	tmp, err := os.CreateTemp(q.cfg.Dir, "conversation-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.conversationPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// restore reloads a persisted conversation. A missing file is a fresh queen.
func (q *Queen) restore() error {
	data, err := os.ReadFile(q.conversationPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	var stored []storedMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}

	for _, sm := range stored {
		switch sm.Role {
		case model.RoleSystem:
			q.conv.AppendSystem(sm.Content)
		case model.RoleUser:
			q.conv.AppendUser(sm.Content, nil)
		case model.RoleAssistant:
			calls := make([]model.ToolCall, 0, len(sm.ToolCalls))
			for _, tc := range sm.ToolCalls {
				calls = append(calls, model.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			}
			q.conv.AppendAssistant(sm.Content, calls)
		case model.RoleToolResult:
			results := make([]model.ToolResult, 0, len(sm.ToolResults))
			for _, tr := range sm.ToolResults {
				results = append(results, model.ToolResult{ToolUseID: tr.ToolUseID, Content: tr.Content, IsError: tr.IsError})
			}
			q.conv.AppendToolResults(results)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
