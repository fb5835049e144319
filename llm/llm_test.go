package llm_test

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/llm"
)

func TestNewAnthropicClientRequiresModel(t *testing.T) {
	_, err := llm.NewAnthropicClient(fakeAnthropicMessages{}, llm.AnthropicOptions{})
	require.Error(t, err)
}

func TestNewAnthropicClientRequiresMessagesClient(t *testing.T) {
	_, err := llm.NewAnthropicClient(nil, llm.AnthropicOptions{DefaultModel: "claude-x"})
	require.Error(t, err)
}

func TestNewOpenAIClientRequiresModel(t *testing.T) {
	_, err := llm.NewOpenAIClient(fakeOpenAIChat{}, "")
	require.Error(t, err)
}

func TestNewOpenAIClientRequiresChatClient(t *testing.T) {
	_, err := llm.NewOpenAIClient(nil, "gpt-x")
	require.Error(t, err)
}

type fakeOpenAIChat struct {
	resp *openai.ChatCompletion
	err  error
}

func (f fakeOpenAIChat) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return f.resp, f.err
}

func TestOpenAIClientCompleteTranslatesResponse(t *testing.T) {
	fake := fakeOpenAIChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message: openai.ChatCompletionMessage{
					Content: "hello there",
				},
			},
		},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	client, err := llm.NewOpenAIClient(fake, "gpt-test")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello there", resp.Content[0].Parts[0].(llm.TextPart).Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestOpenAIClientCompletePropagatesError(t *testing.T) {
	fake := fakeOpenAIChat{err: errors.New("boom")}
	client, err := llm.NewOpenAIClient(fake, "gpt-test")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
}

func TestOpenAIClientStreamUnsupported(t *testing.T) {
	client, err := llm.NewOpenAIClient(fakeOpenAIChat{}, "gpt-test")
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), llm.Request{})
	assert.ErrorIs(t, err, llm.ErrStreamingUnsupported)
}

func TestOpenAIClientCompleteRejectsUnsupportedRole(t *testing.T) {
	client, err := llm.NewOpenAIClient(fakeOpenAIChat{resp: &openai.ChatCompletion{}}, "gpt-test")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.Role("bogus"), Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
}

type fakeAnthropicMessages struct{}

func (fakeAnthropicMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...anthropicoption.RequestOption) (*sdk.Message, error) {
	return nil, nil
}

func (fakeAnthropicMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...anthropicoption.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return nil
}
