package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/tool"
)

// DefaultTurnTimeout bounds one streaming LLM turn.
const DefaultTurnTimeout = 120 * time.Second

// stallWindow is how many identical consecutive assistant texts trigger
// stall detection.
const stallWindow = 3

// doomLoopWindow is how many identical consecutive successful tool calls
// trigger doom-loop detection.
const doomLoopWindow = 3

// NodeStatus is the terminal status of one node invocation.
type NodeStatus string

// Node statuses.
const (
	StatusSuccess   NodeStatus = "success"
	StatusFailed    NodeStatus = "failed"
	StatusEscalated NodeStatus = "escalated"
	StatusCancelled NodeStatus = "cancelled"
)

// NodeResult is the outcome of running one node.
type NodeResult struct {
	// Outputs holds the keys the node set via set_output. Applied to
	// shared state by the executor only on success.
	Outputs map[string]any

	Status     NodeStatus
	Iterations int
	Err        error
}

// LoopConfig wires one EventLoop invocation.
type LoopConfig struct {
	Node        NodeSpec
	Model       model.ChatModel
	Registry    *tool.Registry
	Judge       *Judge
	Bus         event.Bus
	ExecutionID string

	// Retry governs transient LLM failures. Zero value means no retries.
	Retry RetryPolicy

	// TurnTimeout bounds each streaming turn; zero selects
	// DefaultTurnTimeout.
	TurnTimeout time.Duration

	// Controls may be nil, disabling pause and client input injection.
	Controls *Controls

	// Rand seeds backoff jitter; nil uses the global source.
	Rand *rand.Rand
}

// EventLoop drives one node's execution: a bounded loop of streaming LLM
// turns interleaved with tool calls, terminated by an accepting judge
// verdict, an escalation, a pathology, or the iteration budget.
type EventLoop struct {
	cfg LoopConfig
}

// NewEventLoop builds a loop runner for one node invocation.
func NewEventLoop(cfg LoopConfig) *EventLoop {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = tool.NewRegistry()
	}
	return &EventLoop{cfg: cfg}
}

// doomSignature identifies a tool call for doom-loop detection.
type doomSignature struct {
	name string
	args string
}

// Run executes the node loop. The conversation is seeded with the system
// prompt and declared inputs when empty, so a retried node starts fresh
// while an injected resume continues where it left off.
func (l *EventLoop) Run(ctx context.Context, conv *Conversation, inputs map[string]any) NodeResult {
	node := l.cfg.Node

	if conv.Len() == 0 {
		if node.SystemPrompt != "" {
			conv.AppendSystem(node.SystemPrompt)
		}
		if seed := seedPrompt(inputs); seed != "" {
			conv.AppendUser(seed, nil)
		}
	}

	outputs := map[string]any{}
	var escalation *EscalationError

	setOutput := tool.NewSetOutput(func(_ context.Context, key string, value any) error {
		if !l.declaredOutput(key) {
			return fmt.Errorf("key %q is not a declared output of node %s", key, node.ID)
		}
		outputs[key] = value
		l.emit(event.TypeOutputKeySet, map[string]any{"key": key, "value": value})
		return nil
	})
	escalate := tool.NewEscalate(func(_ context.Context, reason, detail string) error {
		escalation = &EscalationError{NodeID: node.ID, Reason: reason, Detail: detail}
		l.emit(event.TypeEscalationRequested, map[string]any{"reason": reason, "context": detail})
		return nil
	})

	specs := append(l.cfg.Registry.Specs(node.Tools),
		model.ToolSpec{Name: setOutput.Name(), Description: setOutput.Description(), Schema: setOutput.Schema()},
		model.ToolSpec{Name: escalate.Name(), Description: escalate.Description(), Schema: escalate.Schema()},
	)

	var lastDoom doomSignature
	doomStreak := 0
	doomWarned := false

	for i := 1; ; i++ {
		if node.MaxIterations > 0 && i > node.MaxIterations {
			l.completed(i-1, StatusFailed)
			return NodeResult{Outputs: outputs, Status: StatusFailed, Iterations: i - 1, Err: ErrIterationBudget}
		}

		// Pause halts between iterations only.
		if l.cfg.Controls != nil {
			if err := l.cfg.Controls.pause.Wait(ctx); err != nil {
				return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i - 1, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i - 1, Err: err}
		}

		if i == 1 {
			l.emit(event.TypeNodeLoopStarted, map[string]any{"max_iterations": node.MaxIterations})
		}
		l.emit(event.TypeNodeLoopIteration, map[string]any{"iteration": i})

		resp, err := l.streamTurn(ctx, model.Request{Messages: conv.Messages(), Tools: specs}, i)
		if err != nil {
			if ctx.Err() != nil {
				return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i, Err: ctx.Err()}
			}
			l.completed(i, StatusFailed)
			return NodeResult{Outputs: outputs, Status: StatusFailed, Iterations: i, Err: err}
		}

		conv.AppendAssistant(resp.Text, resp.ToolCalls)

		if len(resp.ToolCalls) == 0 && l.stalled(conv) {
			reason := fmt.Sprintf("assistant repeated identical output %d turns in a row", stallWindow)
			l.emit(event.TypeNodeStalled, map[string]any{"reason": reason})
			l.completed(i, StatusFailed)
			return NodeResult{
				Outputs: outputs, Status: StatusFailed, Iterations: i,
				Err: &PathologyError{NodeID: node.ID, Kind: "stall", Description: reason},
			}
		}

		nonSynthetic := false
		if len(resp.ToolCalls) > 0 {
			results := make([]model.ToolResult, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				l.emit(event.TypeToolCallStarted, map[string]any{
					"tool_use_id": tc.ID,
					"tool_name":   tc.Name,
					"tool_input":  tc.Input,
				})

				var out map[string]any
				var callErr error
				switch tc.Name {
				case tool.SetOutputName:
					out, callErr = setOutput.Call(ctx, tc.Input)
				case tool.EscalateName:
					out, callErr = escalate.Call(ctx, tc.Input)
				default:
					nonSynthetic = true
					out, callErr = l.cfg.Registry.Dispatch(ctx, tc.Name, tc.Input)
				}
				if ctx.Err() != nil {
					return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i, Err: ctx.Err()}
				}

				content := encodeToolResult(out, callErr)
				l.emit(event.TypeToolCallCompleted, map[string]any{
					"tool_use_id": tc.ID,
					"tool_name":   tc.Name,
					"result":      content,
					"is_error":    callErr != nil,
				})
				results = append(results, model.ToolResult{
					ToolUseID: tc.ID,
					Content:   content,
					IsError:   callErr != nil,
				})

				if !tool.Synthetic(tc.Name) {
					sig := doomSignature{name: tc.Name, args: canonicalArgs(tc.Input)}
					if callErr == nil && sig == lastDoom {
						doomStreak++
					} else {
						doomStreak = 1
						doomWarned = false
					}
					lastDoom = sig
				}
			}
			conv.AppendToolResults(results)

			if escalation != nil {
				l.completed(i, StatusEscalated)
				return NodeResult{Outputs: outputs, Status: StatusEscalated, Iterations: i, Err: escalation}
			}

			if doomStreak >= doomLoopWindow {
				description := fmt.Sprintf("tool %s called with identical input %d times in a row", lastDoom.name, doomStreak)
				l.emit(event.TypeNodeToolDoomLoop, map[string]any{"description": description})
				if doomWarned {
					l.completed(i, StatusFailed)
					return NodeResult{
						Outputs: outputs, Status: StatusFailed, Iterations: i,
						Err: &PathologyError{NodeID: node.ID, Kind: "doom_loop", Description: description},
					}
				}
				doomWarned = true
				conv.AppendUser("You are repeating the same tool call with the same input. Change your approach or finish the task.", map[string]any{"corrective": true})
			}
		}

		// Text-only turn on a client-facing node: hand the text to the
		// client and block until input is injected.
		if len(resp.ToolCalls) == 0 && node.ClientFacing && l.cfg.Controls != nil {
			input, err := l.awaitClientInput(ctx, resp.Text)
			if err != nil {
				return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i, Err: err}
			}
			conv.AppendUser(input, nil)
			continue
		}
		if len(resp.ToolCalls) == 0 && !node.ClientFacing && resp.Text != "" {
			l.emit(event.TypeNodeInternalOutput, map[string]any{"content": resp.Text})
		}

		// Verdict. Non-synthetic tool activity means the model is clearly
		// working; skip the judge entirely.
		var verdict JudgeResult
		if nonSynthetic {
			verdict = JudgeResult{Action: VerdictContinue, Type: JudgeImplicit}
		} else {
			var err error
			verdict, err = l.judge().Evaluate(ctx, node, conv, inputs)
			if err != nil {
				if ctx.Err() != nil {
					return NodeResult{Outputs: outputs, Status: StatusCancelled, Iterations: i, Err: ctx.Err()}
				}
				l.completed(i, StatusFailed)
				return NodeResult{Outputs: outputs, Status: StatusFailed, Iterations: i, Err: err}
			}
		}
		l.emitVerdict(verdict, i)

		switch verdict.Action {
		case VerdictAccept:
			if missing := l.missingOutputs(outputs); len(missing) > 0 {
				feedback := "missing keys: " + strings.Join(missing, ", ")
				l.emitVerdict(JudgeResult{Action: VerdictRetry, Feedback: feedback, Type: JudgeRule}, i)
				conv.AppendUser("Judge feedback: "+feedback, nil)
				continue
			}
			l.completed(i, StatusSuccess)
			return NodeResult{Outputs: outputs, Status: StatusSuccess, Iterations: i}
		case VerdictRetry:
			conv.AppendUser("Judge feedback: "+verdict.Feedback, nil)
		case VerdictEscalate:
			l.emit(event.TypeEscalationRequested, map[string]any{"reason": verdict.Feedback})
			l.completed(i, StatusEscalated)
			return NodeResult{
				Outputs: outputs, Status: StatusEscalated, Iterations: i,
				Err: &EscalationError{NodeID: node.ID, Reason: verdict.Feedback},
			}
		case VerdictContinue:
		}
	}
}

// streamTurn calls the model once per attempt, retrying transient failures
// with exponential backoff.
func (l *EventLoop) streamTurn(ctx context.Context, req model.Request, iteration int) (model.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := l.callOnce(ctx, req, iteration)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		if !model.Transient(err) || attempt >= l.cfg.Retry.MaxRetries {
			return model.Response{}, err
		}

		l.emit(event.TypeNodeRetry, map[string]any{
			"retry_count": attempt + 1,
			"max_retries": l.cfg.Retry.MaxRetries,
			"error":       err.Error(),
		})
		delay := computeBackoff(attempt, l.cfg.Retry.BaseDelay, l.cfg.Retry.MaxDelay, l.cfg.Rand)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}
}

func (l *EventLoop) callOnce(ctx context.Context, req model.Request, iteration int) (model.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	deltaType := event.TypeLLMTextDelta
	if l.cfg.Node.ClientFacing {
		deltaType = event.TypeClientOutputDelta
	}

	var accumulated strings.Builder
	return l.cfg.Model.StreamChat(tctx, req, func(c model.Chunk) {
		if c.TextDelta != "" {
			accumulated.WriteString(c.TextDelta)
			l.emit(deltaType, map[string]any{
				"content":   c.TextDelta,
				"snapshot":  accumulated.String(),
				"iteration": iteration,
			})
		}
		if c.ReasoningDelta != "" {
			l.emit(event.TypeLLMReasoningDelta, map[string]any{
				"content":   c.ReasoningDelta,
				"iteration": iteration,
			})
		}
	})
}

// awaitClientInput publishes the prompt and blocks until input is injected
// or the context ends.
func (l *EventLoop) awaitClientInput(ctx context.Context, prompt string) (string, error) {
	router := l.cfg.Controls.input
	ch := router.await(l.cfg.Node.ID)
	defer router.release(l.cfg.Node.ID)

	l.emit(event.TypeClientInputRequested, map[string]any{"prompt": prompt})
	l.emit(event.TypeNodeInputBlocked, map[string]any{"prompt": prompt})

	select {
	case input := <-ch:
		return input, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stalled reports whether the last stallWindow assistant texts are
// byte-identical and non-empty.
func (l *EventLoop) stalled(conv *Conversation) bool {
	recent := conv.RecentAssistantTexts(stallWindow)
	if len(recent) < stallWindow || recent[0] == "" {
		return false
	}
	for _, text := range recent[1:] {
		if text != recent[0] {
			return false
		}
	}
	return true
}

func (l *EventLoop) declaredOutput(key string) bool {
	for _, ok := range l.cfg.Node.OutputKeys {
		if ok.Key == key {
			return true
		}
	}
	return false
}

func (l *EventLoop) missingOutputs(outputs map[string]any) []string {
	var missing []string
	for _, ok := range l.cfg.Node.OutputKeys {
		if ok.Nullable {
			continue
		}
		if _, set := outputs[ok.Key]; !set {
			missing = append(missing, ok.Key)
		}
	}
	sort.Strings(missing)
	return missing
}

func (l *EventLoop) judge() *Judge {
	if l.cfg.Judge != nil {
		return l.cfg.Judge
	}
	return NewJudge(nil, 0)
}

func (l *EventLoop) emitVerdict(v JudgeResult, iteration int) {
	l.emit(event.TypeJudgeVerdict, map[string]any{
		"action":     string(v.Action),
		"feedback":   v.Feedback,
		"judge_type": string(v.Type),
		"iteration":  iteration,
	})
}

func (l *EventLoop) completed(iterations int, status NodeStatus) {
	l.emit(event.TypeNodeLoopCompleted, map[string]any{
		"iterations": iterations,
		"status":     string(status),
	})
}

func (l *EventLoop) emit(t event.Type, data map[string]any) {
	e := event.New(t, data)
	e.NodeID = l.cfg.Node.ID
	e.ExecutionID = l.cfg.ExecutionID
	l.cfg.Bus.Publish(e)
}

// seedPrompt renders the declared input values for the opening user turn.
func seedPrompt(inputs map[string]any) string {
	if len(inputs) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", inputs)
	}
	return "Input:\n" + string(data)
}

// encodeToolResult renders a tool outcome as the text the model sees.
func encodeToolResult(out map[string]any, err error) string {
	if err != nil {
		return err.Error()
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(data)
}

// canonicalArgs renders tool input with sorted keys for argument equality.
func canonicalArgs(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}
