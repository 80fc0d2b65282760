package llm

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func newTestReasoner(t *testing.T, stub *stubMessages) *AnthropicReasoner {
	t.Helper()
	r, err := NewAnthropicReasoner(stub, AnthropicOptions{Model: "claude-sonnet-4-5", MaxTokens: 256}, nil)
	require.NoError(t, err)
	return r
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: sdk.StopReasonEndTurn,
	}
}

func TestNewAnthropicReasonerValidation(t *testing.T) {
	_, err := NewAnthropicReasoner(nil, AnthropicOptions{Model: "m"}, nil)
	require.Error(t, err)

	_, err = NewAnthropicReasoner(&stubMessages{}, AnthropicOptions{}, nil)
	require.Error(t, err)
}

func TestGenerateEncodesRequest(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"text": "ok", "confidence": 0.9}`)}
	r := newTestReasoner(t, stub)

	_, err := r.Generate(context.Background(), Request{
		Mode:   ModeChat,
		Prompt: "hello there",
		System: "You are a desk companion.",
		Tools: []ToolSpec{
			{
				Name:        "memory_retrieve_snapshots",
				Description: "Retrieve stored memory snapshots.",
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}},
			},
		},
		ToolChoice: ToolChoiceAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(256), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "You are a desk companion.", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Messages, 1)
	require.Len(t, stub.lastParams.Tools, 1)
	require.NotNil(t, stub.lastParams.Tools[0].OfTool)
	assert.Equal(t, "memory_retrieve_snapshots", stub.lastParams.Tools[0].OfTool.Name)
}

func TestGenerateToolChoiceEncoding(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"text": "ok", "confidence": 0.9}`)}
	r := newTestReasoner(t, stub)

	_, err := r.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "p", ToolChoice: ToolChoiceAny})
	require.NoError(t, err)
	assert.NotNil(t, stub.lastParams.ToolChoice.OfAny)

	_, err = r.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "p", ToolChoice: ToolChoiceNone})
	require.NoError(t, err)
	assert.NotNil(t, stub.lastParams.ToolChoice.OfNone)

	_, err = r.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "p", ToolChoice: ToolChoice("sometimes")})
	require.Error(t, err)
}

func TestGenerateParsesModeResponse(t *testing.T) {
	stub := &stubMessages{resp: textMessage(`{"text": "parsed fine", "confidence": 0.75}`)}
	r := newTestReasoner(t, stub)

	resp, err := r.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "hi"})
	require.NoError(t, err)
	assert.Nil(t, resp.FunctionCall)
	assert.Equal(t, "parsed fine", resp.Text)
	assert.InDelta(t, 0.75, resp.Confidence, 1e-9)
}

func TestGenerateToolUseBecomesFunctionCall(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "call-1", Name: "start_workflow", Input: json.RawMessage(`{"workflow_type": "get_weather"}`)},
		},
	}}
	r := newTestReasoner(t, stub)

	resp, err := r.Generate(context.Background(), Request{Mode: ModeWork, Prompt: "check the weather"})
	require.NoError(t, err)

	require.NotNil(t, resp.FunctionCall)
	assert.Equal(t, "start_workflow", resp.FunctionCall.Name)
	assert.Equal(t, "get_weather", resp.FunctionCall.Arguments["workflow_type"])
	assert.Equal(t, "Let me check.", resp.Raw)
}

func TestGenerateMalformedToolCall(t *testing.T) {
	t.Run("broken arguments", func(t *testing.T) {
		stub := &stubMessages{resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "call-1", Name: "start_workflow", Input: json.RawMessage(`{"workflow_type":`)},
			},
		}}
		r := newTestReasoner(t, stub)

		_, err := r.Generate(context.Background(), Request{Mode: ModeWork, Prompt: "go"})
		require.ErrorIs(t, err, ErrMalformedFunctionCall)
	})

	t.Run("missing name", func(t *testing.T) {
		stub := &stubMessages{resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "call-1", Input: json.RawMessage(`{}`)},
			},
		}}
		r := newTestReasoner(t, stub)

		_, err := r.Generate(context.Background(), Request{Mode: ModeWork, Prompt: "go"})
		require.ErrorIs(t, err, ErrMalformedFunctionCall)
	})
}

func TestGenerateEmptyContentFails(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{StopReason: sdk.StopReasonMaxTokens}}
	r := newTestReasoner(t, stub)

	_, err := r.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "hi"})
	require.ErrorIs(t, err, ErrSchemaViolation)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	r := newTestReasoner(t, &stubMessages{})
	_, err := r.Generate(context.Background(), Request{Mode: ModeChat})
	require.Error(t, err)
}
