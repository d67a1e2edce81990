package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hivekit/hive/model"
)

// Verdict is the judge's decision for one node iteration.
type Verdict string

// Verdicts.
const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictRetry    Verdict = "RETRY"
	VerdictEscalate Verdict = "ESCALATE"
	VerdictContinue Verdict = "CONTINUE"
)

// JudgeType records which stage produced a verdict.
type JudgeType string

// Judge stages. JudgeFallback marks the generic RETRY issued when no rule
// matched and no LLM judge is configured.
const (
	JudgeRule     JudgeType = "rule"
	JudgeLLM      JudgeType = "llm"
	JudgeImplicit JudgeType = "implicit"
	JudgeFallback JudgeType = "fallback"
)

// DefaultConfidenceThreshold is the minimum LLM judge confidence for its
// verdict to stand; below it the judge escalates.
const DefaultConfidenceThreshold = 0.7

// EvaluationRule is a deterministic verdict rule, evaluated before any LLM
// cost. Rules run in descending priority; the first matching condition
// returns its action definitively.
type EvaluationRule struct {
	ID        string
	Condition func(conv *Conversation, state map[string]any) bool
	Action    Verdict
	Priority  int
}

// JudgeResult is one triangulated verdict.
type JudgeResult struct {
	Action     Verdict
	Feedback   string
	Confidence float64
	Type       JudgeType
}

// Judge triangulates a verdict per node iteration: deterministic rules
// first, then an LLM judge whose verdict stands only above the confidence
// threshold. The implicit CONTINUE stage lives in the event loop, which
// bypasses the judge entirely when the model called non-synthetic tools.
type Judge struct {
	model     model.ChatModel
	threshold float64
}

// NewJudge creates a judge. A nil chat model disables the LLM stage; with no
// matching rule the verdict is then RETRY with generic feedback. threshold
// <= 0 selects DefaultConfidenceThreshold.
func NewJudge(m model.ChatModel, threshold float64) *Judge {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Judge{model: m, threshold: threshold}
}

// Evaluate returns the verdict for the current conversation.
func (j *Judge) Evaluate(ctx context.Context, node NodeSpec, conv *Conversation, state map[string]any) (JudgeResult, error) {
	if result, ok := j.evaluateRules(node, conv, state); ok {
		return result, nil
	}
	if j.model == nil {
		return JudgeResult{
			Action:   VerdictRetry,
			Feedback: "no rule matched and no LLM judge is configured; continue working toward the success criteria",
			Type:     JudgeFallback,
		}, nil
	}
	return j.evaluateLLM(ctx, node, conv)
}

func (j *Judge) evaluateRules(node NodeSpec, conv *Conversation, state map[string]any) (JudgeResult, bool) {
	rules := make([]EvaluationRule, len(node.Rules))
	copy(rules, node.Rules)
	sort.SliceStable(rules, func(i, k int) bool { return rules[i].Priority > rules[k].Priority })

	for _, rule := range rules {
		if rule.Condition == nil || !rule.Condition(conv, state) {
			continue
		}
		return JudgeResult{
			Action:     rule.Action,
			Feedback:   "rule " + rule.ID,
			Confidence: 1,
			Type:       JudgeRule,
		}, true
	}
	return JudgeResult{}, false
}

// llmVerdict is the JSON shape the LLM judge must answer with.
type llmVerdict struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
}

func (j *Judge) evaluateLLM(ctx context.Context, node NodeSpec, conv *Conversation) (JudgeResult, error) {
	prompt := judgePrompt(node, conv)
	resp, err := j.model.StreamChat(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: judgeSystemPrompt},
			{Role: model.RoleUser, Content: prompt},
		},
	}, nil)
	if err != nil {
		return JudgeResult{}, fmt.Errorf("judge llm: %w", err)
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		return JudgeResult{}, fmt.Errorf("judge llm: %w", err)
	}

	action := Verdict(strings.ToUpper(strings.TrimSpace(verdict.Action)))
	switch action {
	case VerdictAccept, VerdictRetry, VerdictEscalate:
	default:
		return JudgeResult{}, fmt.Errorf("judge llm: unknown action %q", verdict.Action)
	}

	if verdict.Confidence < j.threshold {
		return JudgeResult{
			Action:     VerdictEscalate,
			Feedback:   fmt.Sprintf("low confidence (%.2f < %.2f): %s", verdict.Confidence, j.threshold, verdict.Feedback),
			Confidence: verdict.Confidence,
			Type:       JudgeLLM,
		}, nil
	}
	return JudgeResult{
		Action:     action,
		Feedback:   verdict.Feedback,
		Confidence: verdict.Confidence,
		Type:       JudgeLLM,
	}, nil
}

const judgeSystemPrompt = `You evaluate whether an agent node has satisfied its success criteria.
Answer with a single JSON object: {"action": "ACCEPT"|"RETRY"|"ESCALATE", "confidence": 0.0-1.0, "feedback": "..."}.
ACCEPT when the criteria are met, RETRY with actionable feedback when more work is needed, ESCALATE when a human must intervene.`

func judgePrompt(node NodeSpec, conv *Conversation) string {
	var b strings.Builder
	b.WriteString("Success criteria:\n")
	if node.SuccessCriteria != "" {
		b.WriteString(node.SuccessCriteria)
	} else {
		b.WriteString("The node has produced a complete, correct answer to its task.")
	}
	b.WriteString("\n\nConversation so far:\n")
	for _, msg := range conv.Messages() {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		if msg.Content != "" {
			b.WriteString(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "[tool call %s]", tc.Name)
		}
		for _, tr := range msg.ToolResults {
			fmt.Fprintf(&b, "[tool result: %s]", tr.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseVerdict decodes the judge's JSON answer, repairing malformed output
// (markdown fences, single quotes, trailing commas) before giving up.
func parseVerdict(text string) (llmVerdict, error) {
	var v llmVerdict
	candidate := extractJSON(text)
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return llmVerdict{}, fmt.Errorf("unparseable verdict %q: %w", text, err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("unparseable verdict %q: %w", text, err)
	}
	return v, nil
}

// extractJSON pulls the first {...} span out of surrounding prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
