// Package anthropic adapts Anthropic's Claude Messages API to model.ChatModel.
//
// Requests are translated into the Messages streaming API. The system prompt
// travels in the separate system parameter, tool results are wrapped in user
// messages, and streamed events are folded into the SDK accumulator so the
// final Response carries the complete text, reasoning and tool calls.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hivekit/hive/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const defaultMaxTokens = 8192

// ChatModel implements model.ChatModel for Anthropic's Claude API.
type ChatModel struct {
	client    sdk.Client
	modelName string
	maxTokens int
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithMaxTokens sets the completion cap used when a request does not specify
// MaxTokens.
func WithMaxTokens(n int) Option {
	return func(m *ChatModel) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

// New creates a Claude-backed ChatModel. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamChat implements model.ChatModel.
func (m *ChatModel) StreamChat(ctx context.Context, req model.Request, onDelta func(model.Chunk)) (model.Response, error) {
	params, err := m.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := sdk.Message{}
	for stream.Next() {
		chunk := stream.Current()
		if err := acc.Accumulate(chunk); err != nil {
			return model.Response{}, fmt.Errorf("anthropic: accumulate stream event: %w", err)
		}
		if onDelta == nil {
			continue
		}
		if ev, ok := chunk.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					onDelta(model.Chunk{TextDelta: delta.Text})
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					onDelta(model.Chunk{ReasoningDelta: delta.Thinking})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		return model.Response{}, classify(err)
	}

	return decodeMessage(acc)
}

// classify wraps API failures, marking retryable statuses transient.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && model.TransientStatus(apierr.StatusCode) {
		return model.MarkTransient(fmt.Errorf("anthropic: %w", err))
	}
	return fmt.Errorf("anthropic: %w", err)
}

func (m *ChatModel) encodeRequest(req model.Request) (sdk.MessageNewParams, error) {
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

// encodeMessages splits system text out into Anthropic's system parameter and
// converts the remaining turns. Tool results become user messages carrying
// tool_result blocks.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleToolResult:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleUser:
			if msg.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(tools []model.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: sdk.ToolInputSchemaParam{
					Type:       constant.Object("object"),
					Properties: t.Schema["properties"],
					Required:   requiredStrings(t.Schema),
				},
			},
		})
	}
	return out
}

// requiredStrings pulls the "required" field from a JSON Schema map, which may
// be []string or []any depending on how the schema was built.
func requiredStrings(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		out := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func decodeMessage(msg sdk.Message) (model.Response, error) {
	out := model.Response{
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, content := range msg.Content {
		switch block := content.AsAny().(type) {
		case sdk.TextBlock:
			out.Text += block.Text
		case sdk.ThinkingBlock:
			out.Reasoning += block.Thinking
		case sdk.ToolUseBlock:
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return model.Response{}, fmt.Errorf("anthropic: decode input for tool %q: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return out, nil
}
