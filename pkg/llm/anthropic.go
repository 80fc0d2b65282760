package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK used by the reasoner.
// *sdk.MessageService satisfies it, as does a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic-backed reasoner.
type AnthropicOptions struct {
	// Model is the Claude model identifier. Required.
	Model string

	// MaxTokens caps the completion length. Defaults to 1024.
	MaxTokens int

	// Temperature is passed through when positive.
	Temperature float64
}

// AnthropicReasoner implements Reasoner on top of Anthropic Claude Messages.
type AnthropicReasoner struct {
	msg    MessagesClient
	model  string
	maxTok int64
	temp   float64
	logger *slog.Logger
}

// NewAnthropicReasoner builds a reasoner from a Messages client.
func NewAnthropicReasoner(msg MessagesClient, opts AnthropicOptions, logger *slog.Logger) (*AnthropicReasoner, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic model identifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxTok := int64(opts.MaxTokens)
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &AnthropicReasoner{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
		logger: logger.With("component", "anthropic_reasoner"),
	}, nil
}

// NewAnthropicFromAPIKey constructs a reasoner using the default Anthropic
// HTTP client.
func NewAnthropicFromAPIKey(apiKey string, opts AnthropicOptions, logger *slog.Logger) (*AnthropicReasoner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicReasoner(&ac.Messages, opts, logger)
}

// Generate issues one Messages.New request and decodes the result. A tool_use
// block short-circuits into a FunctionCall; otherwise the concatenated text
// blocks are parsed against the mode's response schema.
func (a *AnthropicReasoner) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("anthropic: prompt is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: a.maxTok,
		Model:     sdk.Model(a.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if a.temp > 0 {
		params.Temperature = sdk.Float(a.temp)
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	choice, err := encodeToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	if choice != nil {
		params.ToolChoice = *choice
	}

	start := time.Now()
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, errors.New("anthropic: nil response message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			// First tool call wins; the contract is one call per turn.
			call, err := decodeToolUse(block)
			if err != nil {
				return nil, err
			}
			a.logger.Debug("llm requested tool",
				"mode", string(req.Mode),
				"tool", call.Name,
				"duration_ms", time.Since(start).Milliseconds())
			return &Response{FunctionCall: call, Raw: text.String()}, nil
		}
	}

	raw := text.String()
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty response (stop_reason=%s)", ErrSchemaViolation, msg.StopReason)
	}
	resp, err := ParseResponse(req.Mode, raw)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("llm response parsed",
		"mode", string(req.Mode),
		"chars", len(raw),
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// Close implements Reasoner. The SDK client holds no resources to release.
func (a *AnthropicReasoner) Close() error { return nil }

func decodeToolUse(block sdk.ContentBlockUnion) (*FunctionCall, error) {
	if block.Name == "" {
		return nil, fmt.Errorf("%w: tool_use block missing name", ErrMalformedFunctionCall)
	}
	args := map[string]any{}
	if len(block.Input) > 0 {
		if err := json.Unmarshal(block.Input, &args); err != nil {
			return nil, fmt.Errorf("%w: tool %s arguments: %v", ErrMalformedFunctionCall, block.Name, err)
		}
	}
	return &FunctionCall{Name: block.Name, Arguments: args}, nil
}

// encodeTools translates ToolSpecs into the SDK tool shape. Tool names in
// this system are already snake_case and provider-safe, so no sanitising map
// is needed.
func encodeTools(specs []ToolSpec) []sdk.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(spec.InputSchema) > 0 {
			schema.ExtraFields = spec.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out
}

func encodeToolChoice(choice ToolChoice) (*sdk.ToolChoiceUnionParam, error) {
	switch choice {
	case "", ToolChoiceAuto:
		return nil, nil
	case ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return &sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case ToolChoiceAny:
		return &sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	default:
		return nil, fmt.Errorf("unsupported tool choice %q", choice)
	}
}
