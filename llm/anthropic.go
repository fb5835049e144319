package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

type (
	// AnthropicMessagesClient is the subset of the Anthropic SDK client used
	// by AnthropicClient. Satisfied by *sdk.MessageService; tests can supply
	// a fake.
	AnthropicMessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// AnthropicOptions configures AnthropicClient.
	AnthropicOptions struct {
		DefaultModel string
		MaxTokens    int
		Temperature  float64
	}

	// AnthropicClient implements Client on top of Anthropic Claude Messages.
	AnthropicClient struct {
		msg          AnthropicMessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// NewAnthropicClient builds an adapter from an existing Anthropic messages
// client, allowing tests to substitute a fake.
func NewAnthropicClient(msg AnthropicMessagesClient, opts AnthropicOptions) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &AnthropicClient{msg: msg, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewAnthropicClientFromAPIKey constructs an adapter using the default
// Anthropic HTTP client and the given API key.
func NewAnthropicClientFromAPIKey(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&ac.Messages, AnthropicOptions{DefaultModel: defaultModel, MaxTokens: 4096})
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateAnthropicMessage(msg), nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newAnthropicStreamer(ctx, stream), nil
}

func (c *AnthropicClient) prepareRequest(req Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case ToolUsePart:
				var input any
				if len(v.Input) > 0 {
					if err := json.Unmarshal(v.Input, &input); err != nil {
						return nil, nil, fmt.Errorf("anthropic: decode tool_use input: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, v.Name))
			case ToolResultPart:
				blocks = append(blocks, encodeAnthropicToolResult(v))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicToolResult(v ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeAnthropicTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := anthropicInputSchema(def.InputSchema)
		if err != nil {
			continue
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func anthropicInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var decoded struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{Properties: decoded.Properties, Required: decoded.Required}, nil
}

func translateAnthropicMessage(msg *sdk.Message) Response {
	var content []Message
	var toolCalls []ToolCall
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(v.Text)
		case sdk.ToolUseBlock:
			payload, _ := json.Marshal(v.Input)
			toolCalls = append(toolCalls, ToolCall{ID: v.ID, Name: v.Name, Payload: payload})
		}
	}
	if text.Len() > 0 {
		content = append(content, Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text.String()}}})
	}
	return Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// anthropicStreamer adapts the Anthropic Messages SSE stream to Streamer.
// Text deltas are emitted as soon as they arrive; only tool-input JSON is
// buffered, until its content block stops. Close cancels and closes the
// stream without flushing a trailing partial UTF-8 fragment.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan Chunk

	mu       sync.Mutex
	err      error
	pending  strings.Builder
	toolName string
	toolID   string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStreamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan Chunk, 32)}
	go s.run()
	return s
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	}
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	for s.stream.Next() {
		evt := s.stream.Current()
		switch v := evt.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := v.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				s.toolID, s.toolName = tu.ID, tu.Name
			}
		case sdk.ContentBlockDeltaEvent:
			switch d := v.Delta.AsAny().(type) {
			case sdk.TextDelta:
				s.emit(Chunk{Type: ChunkTypeText, Text: d.Text})
			case sdk.InputJSONDelta:
				s.mu.Lock()
				s.pending.WriteString(d.PartialJSON)
				s.mu.Unlock()
			}
		case sdk.ContentBlockStopEvent:
			s.mu.Lock()
			raw := s.pending.String()
			s.pending.Reset()
			name, id := s.toolName, s.toolID
			s.mu.Unlock()
			if raw != "" {
				s.emit(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCall{ID: id, Name: name, Payload: json.RawMessage(raw)}})
			}
		case sdk.MessageDeltaEvent:
			s.emit(Chunk{
				Type:       ChunkTypeUsage,
				StopReason: string(v.Delta.StopReason),
				UsageDelta: &TokenUsage{OutputTokens: int(v.Usage.OutputTokens)},
			})
		}
	}
	if err := s.stream.Err(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return
	}
	s.emit(Chunk{Type: ChunkTypeStop})
}

func (s *anthropicStreamer) emit(c Chunk) {
	select {
	case s.chunks <- c:
	case <-s.ctx.Done():
	}
}
