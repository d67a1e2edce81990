// Package openai adapts the OpenAI Chat Completions API to model.ChatModel.
//
// Streaming chunks feed both the delta callback and the SDK accumulator; tool
// call fragments are assembled by the accumulator and decoded once the stream
// finishes.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/hivekit/hive/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o"

// ChatModel implements model.ChatModel for the OpenAI API and compatible
// endpoints.
type ChatModel struct {
	client    sdk.Client
	modelName string
}

// Option configures a ChatModel.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// New creates an OpenAI-backed ChatModel. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, opt := range opts {
		opt(&reqOpts)
	}
	return &ChatModel{
		client:    sdk.NewClient(reqOpts...),
		modelName: modelName,
	}
}

// StreamChat implements model.ChatModel.
func (m *ChatModel) StreamChat(ctx context.Context, req model.Request, onDelta func(model.Chunk)) (model.Response, error) {
	params, err := m.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := sdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onDelta(model.Chunk{TextDelta: delta})
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		return model.Response{}, classify(err)
	}

	return decodeCompletion(acc)
}

// classify wraps API failures, marking retryable statuses transient.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && model.TransientStatus(apierr.StatusCode) {
		return model.MarkTransient(fmt.Errorf("openai: %w", err))
	}
	return fmt.Errorf("openai: %w", err)
}

func (m *ChatModel) encodeRequest(req model.Request) (sdk.ChatCompletionNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(m.modelName),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfSystem: &sdk.ChatCompletionSystemMessageParam{
					Content: sdk.ChatCompletionSystemMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		case model.RoleUser:
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfUser: &sdk.ChatCompletionUserMessageParam{
					Content: sdk.ChatCompletionUserMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			assistant := &sdk.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(msg.Content),
				}
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: encode arguments for tool %q: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case model.RoleToolResult:
			// One tool message per result, keyed by the originating call.
			for _, tr := range msg.ToolResults {
				out = append(out, sdk.ChatCompletionMessageParamUnion{
					OfTool: &sdk.ChatCompletionToolMessageParam{
						Content: sdk.ChatCompletionToolMessageParamContentUnion{
							OfString: sdk.String(tr.Content),
						},
						ToolCallID: tr.ToolUseID,
					},
				})
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", msg.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func decodeCompletion(acc sdk.ChatCompletionAccumulator) (model.Response, error) {
	if len(acc.Choices) == 0 {
		return model.Response{}, errors.New("openai: stream produced no choices")
	}
	msg := acc.Choices[0].Message
	out := model.Response{
		Text: msg.Content,
		Usage: model.Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return model.Response{}, fmt.Errorf("openai: decode arguments for tool %q: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return out, nil
}
