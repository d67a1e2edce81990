// Package google adapts the Google Gemini API to model.ChatModel.
//
// Gemini keeps conversation history on a chat session and takes the system
// prompt as a model-level instruction. Tool results are matched to calls by
// function name, so the encoder tracks call IDs back to the names that
// produced them.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/hivekit/hive/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Google's Gemini API.
type ChatModel struct {
	apiKey    string
	modelName string
}

// New creates a Gemini-backed ChatModel. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

// StreamChat implements model.ChatModel.
func (m *ChatModel) StreamChat(ctx context.Context, req model.Request, onDelta func(model.Chunk)) (model.Response, error) {
	if m.apiKey == "" {
		return model.Response{}, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return model.Response{}, fmt.Errorf("google: create client: %w", err)
	}
	defer client.Close()

	gm := client.GenerativeModel(m.modelName)
	system, history, last, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(req.Tools) > 0 {
		gm.Tools = encodeTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	session := gm.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, last...)
	out := model.Response{}
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.Response{}, ctx.Err()
			}
			return model.Response{}, classify(err)
		}
		accumulate(&out, resp, onDelta)
	}
	return out, nil
}

// classify wraps API failures, marking retryable statuses transient.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && model.TransientStatus(gerr.Code) {
		return model.MarkTransient(fmt.Errorf("google: %w", err))
	}
	return fmt.Errorf("google: %w", err)
}

// accumulate folds one streamed chunk into the response, forwarding text
// deltas as they arrive. Gemini emits function calls whole, never split
// across chunks.
func accumulate(out *model.Response, resp *genai.GenerateContentResponse, onDelta func(model.Chunk)) {
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if p == "" {
				continue
			}
			out.Text += string(p)
			if onDelta != nil {
				onDelta(model.Chunk{TextDelta: string(p)})
			}
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    fmt.Sprintf("call_%d", len(out.ToolCalls)),
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
}

// encodeMessages converts the conversation into Gemini chat history plus the
// parts for the final turn. The system prompt is returned separately.
func encodeMessages(msgs []model.Message) (string, []*genai.Content, []genai.Part, error) {
	var system []string
	var contents []*genai.Content
	callNames := map[string]string{}

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
		case model.RoleUser:
			if msg.Content == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case model.RoleAssistant:
			parts := make([]genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Input})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case model.RoleToolResult:
			parts := make([]genai.Part, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				name := callNames[tr.ToolUseID]
				if name == "" {
					name = tr.ToolUseID
				}
				parts = append(parts, genai.FunctionResponse{
					Name: name,
					Response: map[string]any{
						"content":  tr.Content,
						"is_error": tr.IsError,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		default:
			return "", nil, nil, fmt.Errorf("google: unsupported message role %q", msg.Role)
		}
	}
	if len(contents) == 0 {
		return "", nil, nil, errors.New("google: at least one user or assistant message is required")
	}
	last := contents[len(contents)-1]
	history := contents[:len(contents)-1]
	return strings.Join(system, "\n\n"), history, last.Parts, nil
}

func encodeTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  encodeSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// encodeSchema converts a JSON Schema map into the genai schema type. Only
// the object/properties/required shape used by tool inputs is handled.
func encodeSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]any)
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = schemaType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			properties[key] = prop
		}
		result.Properties = properties
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func schemaType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
