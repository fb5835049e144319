// Package llm defines the provider-agnostic model client used by the Agent
// Cycle Engine's thinking step. Requests and responses are modeled as typed
// message parts (text, tool use, tool result) so provider adapters can
// translate without lossy flattening to plain strings. See spec §4.1, §4.10.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Role identifies the speaker for a Message.
	Role string

	// Part is a marker interface implemented by every message content block.
	Part interface{ isPart() }

	// TextPart is plain assistant- or user-visible text.
	TextPart struct{ Text string }

	// ToolUsePart declares a tool invocation requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries a tool result back to the model on a later turn.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// Message is one entry in the transcript sent to a model.
	Message struct {
		Role  Role
		Parts []Part
	}

	// ToolDefinition describes a tool exposed to the model, derived from the
	// tool registry (spec §4.4).
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model in a Response or
	// streamed Chunk.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// TokenUsage tracks token counts for a single model call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Request captures the inputs to a model invocation.
	Request struct {
		Model       string
		Messages    []Message
		Tools       []ToolDefinition
		Temperature float32
		MaxTokens   int
	}

	// Response is the result of a non-streaming Complete call.
	Response struct {
		Content    []Message
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Chunk is one streaming event delivered by a Streamer. Type discriminates
	// which field is populated (spec §9: "typed iterator... required flush for
	// trailing partial UTF-8 tokens").
	Chunk struct {
		Type       ChunkType
		Text       string
		ToolCall   *ToolCall
		UsageDelta *TokenUsage
		StopReason string
	}

	// ChunkType discriminates the kind of streaming event a Chunk carries.
	ChunkType string

	// Streamer delivers incremental model output. Callers must drain Recv
	// until io.EOF (or another terminal error) and then Close. Close only
	// releases the stream; it emits no further Chunk, so a partial UTF-8
	// fragment at the end of the stream is not flushed.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Client is the provider-agnostic model client. Implementations translate
	// Requests into provider calls and adapt the response back.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
		Stream(ctx context.Context, req Request) (Streamer, error)
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeStop     ChunkType = "stop"
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// ErrStreamingUnsupported indicates the provider adapter does not implement
// streaming; callers should fall back to Complete.
var ErrStreamingUnsupported = errors.New("llm: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Callers must not retry in a tight loop.
var ErrRateLimited = errors.New("llm: rate limited")
