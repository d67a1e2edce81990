package tool

import (
	"context"
	"errors"
	"fmt"
)

// Synthetic tool names. Both are registered per node invocation with
// closures that reach back into the runtime.
const (
	SetOutputName = "set_output"
	EscalateName  = "escalate_to_coder"
)

// NewSetOutput builds the set_output synthetic tool. apply writes the output
// key into shared state and emits the corresponding event; it is the only
// path through which a node may set its declared output keys.
func NewSetOutput(apply func(ctx context.Context, key string, value any) error) Tool {
	return &Func{
		ToolName:        SetOutputName,
		ToolDescription: "Set one of this node's declared output keys. Call once per key when the value is final.",
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string", "description": "Output key name"},
				"value": map[string]any{"description": "Value to store"},
			},
			"required": []any{"key"},
		},
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			key, _ := input["key"].(string)
			if key == "" {
				return nil, errors.New("key parameter required (string)")
			}
			if err := apply(ctx, key, input["value"]); err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "set": true}, nil
		},
	}
}

// NewEscalate builds the escalate_to_coder synthetic tool. handle records
// the escalation; the node loop exits with escalated status after the call.
func NewEscalate(handle func(ctx context.Context, reason, detail string) error) Tool {
	return &Func{
		ToolName:        EscalateName,
		ToolDescription: "Escalate to a human when you cannot make progress. Explain why and include relevant context.",
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason":  map[string]any{"type": "string", "description": "Why escalation is needed"},
				"context": map[string]any{"type": "string", "description": "Relevant details for the human"},
			},
			"required": []any{"reason"},
		},
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			reason, _ := input["reason"].(string)
			if reason == "" {
				return nil, errors.New("reason parameter required (string)")
			}
			detail, _ := input["context"].(string)
			if err := handle(ctx, reason, detail); err != nil {
				return nil, fmt.Errorf("record escalation: %w", err)
			}
			return map[string]any{"escalated": true}, nil
		},
	}
}

// Synthetic reports whether name is one of the runtime's synthetic tools.
// Calls to synthetic tools do not count as "doing work" for the implicit
// CONTINUE verdict.
func Synthetic(name string) bool {
	return name == SetOutputName || name == EscalateName
}
