package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/hivekit/hive/model"
)

func TestJudge_RulePriority(t *testing.T) {
	node := NodeSpec{
		ID: "n",
		Rules: []EvaluationRule{
			{ID: "low", Priority: 1, Condition: func(*Conversation, map[string]any) bool { return true }, Action: VerdictRetry},
			{ID: "high", Priority: 10, Condition: func(*Conversation, map[string]any) bool { return true }, Action: VerdictAccept},
			{ID: "never", Priority: 20, Condition: func(*Conversation, map[string]any) bool { return false }, Action: VerdictEscalate},
		},
	}

	j := NewJudge(nil, 0)
	result, err := j.Evaluate(context.Background(), node, NewConversation("n"), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Action != VerdictAccept {
		t.Errorf("action = %s, want ACCEPT (highest matching priority)", result.Action)
	}
	if result.Type != JudgeRule {
		t.Errorf("type = %s, want rule", result.Type)
	}
	if !strings.Contains(result.Feedback, "high") {
		t.Errorf("feedback %q does not name the matching rule", result.Feedback)
	}
}

func TestJudge_NilModelFallsBackToRetry(t *testing.T) {
	j := NewJudge(nil, 0)
	result, err := j.Evaluate(context.Background(), NodeSpec{ID: "n"}, NewConversation("n"), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Action != VerdictRetry {
		t.Errorf("action = %s, want RETRY", result.Action)
	}
	if result.Type != JudgeFallback {
		t.Errorf("type = %s, want fallback (no model ran)", result.Type)
	}
}

func TestJudge_LLMVerdict(t *testing.T) {
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: `{"action": "ACCEPT", "confidence": 0.92, "feedback": "criteria satisfied"}`},
	}}
	j := NewJudge(mock, 0)

	result, err := j.Evaluate(context.Background(), NodeSpec{ID: "n", SuccessCriteria: "produce a summary"}, NewConversation("n"), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Action != VerdictAccept || result.Type != JudgeLLM {
		t.Errorf("got %s/%s, want ACCEPT/llm", result.Action, result.Type)
	}
	if result.Confidence != 0.92 {
		t.Errorf("confidence = %v", result.Confidence)
	}

	// The judge prompt carries the success criteria.
	last, _ := mock.LastCall()
	if !strings.Contains(last.Messages[1].Content, "produce a summary") {
		t.Error("success criteria missing from judge prompt")
	}
}

func TestJudge_RepairsMalformedJSON(t *testing.T) {
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: "Here is my verdict:\n```json\n{'action': 'RETRY', 'confidence': 0.8, 'feedback': 'add sources',}\n```"},
	}}
	j := NewJudge(mock, 0)

	result, err := j.Evaluate(context.Background(), NodeSpec{ID: "n"}, NewConversation("n"), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Action != VerdictRetry {
		t.Errorf("action = %s, want RETRY", result.Action)
	}
	if result.Feedback != "add sources" {
		t.Errorf("feedback = %q", result.Feedback)
	}
}

func TestJudge_LowConfidenceEscalates(t *testing.T) {
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: `{"action": "ACCEPT", "confidence": 0.4, "feedback": "probably fine"}`},
	}}
	j := NewJudge(mock, 0.7)

	result, err := j.Evaluate(context.Background(), NodeSpec{ID: "n"}, NewConversation("n"), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Action != VerdictEscalate {
		t.Errorf("action = %s, want ESCALATE on low confidence", result.Action)
	}
	if !strings.Contains(result.Feedback, "low confidence") {
		t.Errorf("feedback = %q", result.Feedback)
	}
}

func TestJudge_UnknownActionErrors(t *testing.T) {
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: `{"action": "MAYBE", "confidence": 0.9, "feedback": ""}`},
	}}
	j := NewJudge(mock, 0)

	if _, err := j.Evaluate(context.Background(), NodeSpec{ID: "n"}, NewConversation("n"), nil); err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}
