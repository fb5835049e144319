package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

type (
	// OpenAIChatClient is the subset of the OpenAI SDK used by OpenAIClient.
	OpenAIChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// OpenAIClient implements Client via the OpenAI Chat Completions API.
	//
	// Streaming is not implemented: the Chat Completions delta format does
	// not map cleanly onto the typed backpressured iterator this package
	// exposes (spec §9), so callers needing partial output should use the
	// Anthropic adapter or fall back to Complete.
	OpenAIClient struct {
		chat  OpenAIChatClient
		model string
	}
)

// NewOpenAIClient builds an adapter from an existing chat completions
// client, allowing tests to substitute a fake.
func NewOpenAIClient(chat OpenAIChatClient, defaultModel string) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAIClient{chat: chat, model: defaultModel}, nil
}

// NewOpenAIClientFromAPIKey constructs an adapter using the default OpenAI
// HTTP client and the given API key.
func NewOpenAIClientFromAPIKey(apiKey, defaultModel string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIClient(&client.Chat.Completions, defaultModel)
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeOpenAIMessages(req.Messages)
	if err != nil {
		return Response{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if tools := encodeOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

func (c *OpenAIClient) Stream(context.Context, Request) (Streamer, error) {
	return nil, ErrStreamingUnsupported
}

func encodeOpenAIMessages(msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		var text strings.Builder
		for _, p := range m.Parts {
			if v, ok := p.(TextPart); ok {
				text.WriteString(v.Text)
			}
		}
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(text.String()))
		case RoleUser:
			out = append(out, openai.UserMessage(text.String()))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(text.String()))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	return out, nil
}

func encodeOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			continue
		}
		var schema map[string]any
		if err := json.Unmarshal(params, &schema); err != nil {
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  schema,
			},
		})
	}
	return out
}

func translateOpenAIResponse(resp *openai.ChatCompletion) Response {
	var content []Message
	var toolCalls []ToolCall
	for _, choice := range resp.Choices {
		if strings.TrimSpace(choice.Message.Content) != "" {
			content = append(content, Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: choice.Message.Content}}})
		}
		for _, call := range choice.Message.ToolCalls {
			toolCalls = append(toolCalls, ToolCall{
				ID:      call.ID,
				Name:    call.Function.Name,
				Payload: json.RawMessage(call.Function.Arguments),
			})
		}
	}
	stop := ""
	if len(resp.Choices) > 0 {
		stop = string(resp.Choices[0].FinishReason)
	}
	return Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: stop,
	}
}
