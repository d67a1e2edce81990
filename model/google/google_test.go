package google

import (
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/hivekit/hive/model"
)

func TestEncodeSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "search query"},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []any{"query"},
	}

	got := encodeSchema(schema)
	if got.Type != genai.TypeObject {
		t.Errorf("expected object type, got %v", got.Type)
	}
	if got.Properties["query"].Type != genai.TypeString {
		t.Errorf("query should be string, got %v", got.Properties["query"].Type)
	}
	if got.Properties["query"].Description != "search query" {
		t.Errorf("description lost: %q", got.Properties["query"].Description)
	}
	if got.Properties["limit"].Type != genai.TypeInteger {
		t.Errorf("limit should be integer, got %v", got.Properties["limit"].Type)
	}
	if len(got.Required) != 1 || got.Required[0] != "query" {
		t.Errorf("unexpected required: %v", got.Required)
	}
}

func TestEncodeSchema_Nil(t *testing.T) {
	if got := encodeSchema(nil); got != nil {
		t.Errorf("expected nil schema, got %v", got)
	}
}

func TestEncodeMessages(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "look it up"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "search", Input: map[string]any{"query": "go"}},
		}},
		{Role: model.RoleToolResult, ToolResults: []model.ToolResult{
			{ToolUseID: "c1", Content: "found it"},
		}},
	}

	system, history, last, err := encodeMessages(msgs)
	if err != nil {
		t.Fatalf("encodeMessages failed: %v", err)
	}
	if system != "be helpful" {
		t.Errorf("unexpected system prompt: %q", system)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(history))
	}
	if history[1].Role != "model" {
		t.Errorf("assistant turn should map to model role, got %q", history[1].Role)
	}

	// Tool result is matched back to the function name via the call ID.
	fr, ok := last[0].(genai.FunctionResponse)
	if !ok {
		t.Fatalf("last turn should be a function response, got %T", last[0])
	}
	if fr.Name != "search" {
		t.Errorf("function response should carry the tool name, got %q", fr.Name)
	}
}

func TestEncodeMessages_Empty(t *testing.T) {
	if _, _, _, err := encodeMessages([]model.Message{{Role: model.RoleSystem, Content: "x"}}); err == nil {
		t.Error("expected error for conversation with no turns")
	}
}
