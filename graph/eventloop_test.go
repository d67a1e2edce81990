package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/tool"
)

func testBus(t *testing.T) (*event.MemoryBus, *event.Subscription) {
	t.Helper()
	bus := event.NewBus()
	sub := bus.Subscribe(event.Filter{}, event.WithQueueSize(4096))
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	return bus, sub
}

func drainEvents(sub *event.Subscription) []event.AgentEvent {
	var out []event.AgentEvent
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []event.AgentEvent, t event.Type) bool {
	for _, e := range events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func countEvents(events []event.AgentEvent, t event.Type) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// waitForEvent blocks until an event of the given type arrives.
func waitForEvent(t *testing.T, sub *event.Subscription, typ event.Type) event.AgentEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func acceptRule() EvaluationRule {
	return EvaluationRule{
		ID:        "always-accept",
		Condition: func(*Conversation, map[string]any) bool { return true },
		Action:    VerdictAccept,
	}
}

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	echo := tool.NewFunc("echo", "echoes its input", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	}, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input["text"]}, nil
	})
	if err := reg.Register(echo); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func TestEventLoop_SetOutputAndAccept(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "answer", "value": "42"}}}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "solve",
			OutputKeys:    []OutputKey{{Key: "answer"}},
			MaxIterations: 5,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model:       mock,
		Bus:         bus,
		ExecutionID: "exec-1",
	})

	result := loop.Run(context.Background(), NewConversation("solve"), map[string]any{"task": "compute"})
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}
	if result.Outputs["answer"] != "42" {
		t.Errorf("answer = %v, want 42", result.Outputs["answer"])
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}

	events := drainEvents(sub)
	for _, typ := range []event.Type{
		event.TypeNodeLoopStarted, event.TypeNodeLoopIteration,
		event.TypeToolCallStarted, event.TypeToolCallCompleted,
		event.TypeOutputKeySet, event.TypeJudgeVerdict, event.TypeNodeLoopCompleted,
	} {
		if !hasEvent(events, typ) {
			t.Errorf("missing event %s", typ)
		}
	}
	for _, e := range events {
		if e.NodeID != "solve" || e.ExecutionID != "exec-1" {
			t.Errorf("event %s not stamped: node=%q exec=%q", e.Type, e.NodeID, e.ExecutionID)
		}
	}
}

func TestEventLoop_RulesSeeResolvedInputs(t *testing.T) {
	bus, _ := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{{Text: "working on it"}}}

	var seen map[string]any
	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "check",
			InputKeys:     []string{"task"},
			MaxIterations: 3,
			Rules: []EvaluationRule{{
				ID: "task-present",
				Condition: func(_ *Conversation, state map[string]any) bool {
					seen = state
					_, ok := state["task"]
					return ok
				},
				Action: VerdictAccept,
			}},
		},
		Model:       mock,
		Bus:         bus,
		ExecutionID: "exec-1",
	})

	result := loop.Run(context.Background(), NewConversation("check"), map[string]any{"task": "compute"})
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}
	if seen["task"] != "compute" {
		t.Errorf("rule saw state %v, want task=compute", seen)
	}
}

func TestEventLoop_MissingOutputForcesRetry(t *testing.T) {
	bus, _ := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: "working on it"},
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "answer", "value": 7}}}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "solve",
			OutputKeys:    []OutputKey{{Key: "answer"}},
			MaxIterations: 5,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model: mock,
		Bus:   bus,
	})

	conv := NewConversation("solve")
	result := loop.Run(context.Background(), conv, nil)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}

	// The synthesized retry feedback names the missing key.
	found := false
	for _, msg := range conv.Messages() {
		if msg.Role == model.RoleUser && msg.Content == "Judge feedback: missing keys: answer" {
			found = true
		}
	}
	if !found {
		t.Error("missing-keys feedback was not appended to the conversation")
	}
}

func TestEventLoop_UndeclaredOutputKeyRejected(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{ToolCalls: []model.ToolCall{
			{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "rogue", "value": 1}},
			{ID: "t2", Name: tool.SetOutputName, Input: map[string]any{"key": "answer", "value": 2}},
		}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "solve",
			OutputKeys:    []OutputKey{{Key: "answer"}},
			MaxIterations: 3,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model: mock,
		Bus:   bus,
	})

	result := loop.Run(context.Background(), NewConversation("solve"), nil)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}
	if _, set := result.Outputs["rogue"]; set {
		t.Error("undeclared key leaked into outputs")
	}

	events := drainEvents(sub)
	for _, e := range events {
		if e.Type == event.TypeToolCallCompleted && e.Data["tool_use_id"] == "t1" {
			if e.Data["is_error"] != true {
				t.Error("undeclared set_output should report an error result")
			}
		}
	}
}

func TestEventLoop_Stall(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{{Text: "I am thinking."}}}

	loop := NewEventLoop(LoopConfig{
		Node:  NodeSpec{ID: "ponder", MaxIterations: 10},
		Model: mock,
		Bus:   bus,
	})

	result := loop.Run(context.Background(), NewConversation("ponder"), nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	var pathology *PathologyError
	if !errors.As(result.Err, &pathology) || pathology.Kind != "stall" {
		t.Fatalf("expected stall pathology, got %v", result.Err)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if !hasEvent(drainEvents(sub), event.TypeNodeStalled) {
		t.Error("node_stalled was not published")
	}
}

func TestEventLoop_DoomLoop(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{ToolCalls: []model.ToolCall{{ID: "t", Name: "echo", Input: map[string]any{"text": "same"}}}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node:     NodeSpec{ID: "loop", Tools: []string{"echo"}, MaxIterations: 10},
		Model:    mock,
		Registry: echoRegistry(t),
		Bus:      bus,
	})

	conv := NewConversation("loop")
	result := loop.Run(context.Background(), conv, nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s (err %v)", result.Status, result.Err)
	}
	var pathology *PathologyError
	if !errors.As(result.Err, &pathology) || pathology.Kind != "doom_loop" {
		t.Fatalf("expected doom_loop pathology, got %v", result.Err)
	}

	// One corrective nudge before the hard failure.
	corrective := 0
	for _, turn := range conv.Turns() {
		if turn.Metadata["corrective"] == true {
			corrective++
		}
	}
	if corrective != 1 {
		t.Errorf("corrective messages = %d, want 1", corrective)
	}
	if n := countEvents(drainEvents(sub), event.TypeNodeToolDoomLoop); n != 2 {
		t.Errorf("node_tool_doom_loop events = %d, want 2", n)
	}
}

func TestEventLoop_TransientRetry(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Err: model.MarkTransient(errors.New("overloaded"))},
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "out", "value": true}}}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "flaky",
			OutputKeys:    []OutputKey{{Key: "out"}},
			MaxIterations: 3,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model: mock,
		Bus:   bus,
		Retry: RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	result := loop.Run(context.Background(), NewConversation("flaky"), nil)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}
	if mock.CallCount() != 2 {
		t.Errorf("model calls = %d, want 2", mock.CallCount())
	}
	if n := countEvents(drainEvents(sub), event.TypeNodeRetry); n != 1 {
		t.Errorf("node_retry events = %d, want 1", n)
	}
}

func TestEventLoop_NonTransientFailsImmediately(t *testing.T) {
	bus, _ := testBus(t)
	fatal := errors.New("invalid api key")
	mock := &model.MockModel{Turns: []model.MockTurn{{Err: fatal}}}

	loop := NewEventLoop(LoopConfig{
		Node:  NodeSpec{ID: "broken", MaxIterations: 3},
		Model: mock,
		Bus:   bus,
		Retry: RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	result := loop.Run(context.Background(), NewConversation("broken"), nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !errors.Is(result.Err, fatal) {
		t.Errorf("err = %v, want %v", result.Err, fatal)
	}
	if mock.CallCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry)", mock.CallCount())
	}
}

func TestEventLoop_IterationBudget(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: "attempt one"},
		{Text: "attempt two"},
	}}

	loop := NewEventLoop(LoopConfig{
		Node:  NodeSpec{ID: "bounded", MaxIterations: 2},
		Model: mock,
		Bus:   bus,
	})

	result := loop.Run(context.Background(), NewConversation("bounded"), nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !errors.Is(result.Err, ErrIterationBudget) {
		t.Errorf("err = %v, want ErrIterationBudget", result.Err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if !hasEvent(drainEvents(sub), event.TypeNodeLoopCompleted) {
		t.Error("node_loop_completed was not published")
	}
}

func TestEventLoop_Escalation(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.EscalateName, Input: map[string]any{"reason": "credentials expired", "context": "the API rejects every call"}}}},
	}}

	loop := NewEventLoop(LoopConfig{
		Node:  NodeSpec{ID: "worker", MaxIterations: 5},
		Model: mock,
		Bus:   bus,
	})

	result := loop.Run(context.Background(), NewConversation("worker"), nil)
	if result.Status != StatusEscalated {
		t.Fatalf("expected escalated, got %s", result.Status)
	}
	var esc *EscalationError
	if !errors.As(result.Err, &esc) {
		t.Fatalf("expected EscalationError, got %v", result.Err)
	}
	if esc.Reason != "credentials expired" {
		t.Errorf("reason = %q", esc.Reason)
	}
	if !hasEvent(drainEvents(sub), event.TypeEscalationRequested) {
		t.Error("escalation_requested was not published")
	}
}

func TestEventLoop_ClientInput(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{Turns: []model.MockTurn{
		{Text: "What should I name the report?"},
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "title", "value": "done"}}}},
	}}
	controls := NewControls()

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "ask",
			ClientFacing:  true,
			OutputKeys:    []OutputKey{{Key: "title"}},
			MaxIterations: 5,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model:    mock,
		Bus:      bus,
		Controls: controls,
	})

	done := make(chan NodeResult, 1)
	go func() { done <- loop.Run(context.Background(), NewConversation("ask"), nil) }()

	req := waitForEvent(t, sub, event.TypeClientInputRequested)
	if req.Data["prompt"] != "What should I name the report?" {
		t.Errorf("prompt = %v", req.Data["prompt"])
	}
	if !controls.Inject("ask", "Quarterly Summary") {
		t.Fatal("Inject found no waiting node")
	}

	result := <-done
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}

	// The injected input became the next user turn.
	last, ok := mock.LastCall()
	if !ok {
		t.Fatal("no model calls recorded")
	}
	found := false
	for _, msg := range last.Messages {
		if msg.Role == model.RoleUser && msg.Content == "Quarterly Summary" {
			found = true
		}
	}
	if !found {
		t.Error("injected input not present in the follow-up request")
	}
}

func TestEventLoop_ClientFacingStreamsClientDeltas(t *testing.T) {
	bus, sub := testBus(t)
	mock := &model.MockModel{
		Turns:     []model.MockTurn{{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "out", "value": 1}}}, Text: "he"}},
		DeltaSize: 1,
	}

	loop := NewEventLoop(LoopConfig{
		Node: NodeSpec{
			ID:            "chat",
			ClientFacing:  true,
			OutputKeys:    []OutputKey{{Key: "out"}},
			MaxIterations: 2,
			Rules:         []EvaluationRule{acceptRule()},
		},
		Model: mock,
		Bus:   bus,
	})

	result := loop.Run(context.Background(), NewConversation("chat"), nil)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err %v)", result.Status, result.Err)
	}

	events := drainEvents(sub)
	if countEvents(events, event.TypeClientOutputDelta) != 2 {
		t.Error("expected one client_output_delta per character")
	}
	if hasEvent(events, event.TypeLLMTextDelta) {
		t.Error("client-facing node must not emit llm_text_delta")
	}
	// Snapshots accumulate across deltas of one turn.
	var snapshots []string
	for _, e := range events {
		if e.Type == event.TypeClientOutputDelta {
			snapshots = append(snapshots, e.Data["snapshot"].(string))
		}
	}
	if len(snapshots) == 2 && (snapshots[0] != "h" || snapshots[1] != "he") {
		t.Errorf("snapshots = %v", snapshots)
	}
}

func TestEventLoop_Cancelled(t *testing.T) {
	bus, _ := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewEventLoop(LoopConfig{
		Node:  NodeSpec{ID: "n", MaxIterations: 3},
		Model: &model.MockModel{Turns: []model.MockTurn{{Text: "hi"}}},
		Bus:   bus,
	})

	result := loop.Run(ctx, NewConversation("n"), nil)
	if result.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v", result.Err)
	}
}
