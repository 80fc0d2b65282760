// Package llm defines the reasoning module boundary: a mode-tagged prompt
// goes in, a structured per-mode response or a function call comes out.
// Implementations adapt a concrete vendor (Anthropic Messages) or a scripted
// double to the same synchronous contract, so the coordinator never touches a
// provider SDK directly.
package llm

import (
	"context"
	"errors"
)

// Mode selects which response contract the reasoner must honour.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeWork     Mode = "work"
	ModeDirect   Mode = "direct"
	ModeInternal Mode = "internal"
	ModeMischief Mode = "mischief"
)

// ToolChoice controls whether the model may, must, or must not call a tool.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceAny  ToolChoice = "any"
	ToolChoiceNone ToolChoice = "none"
)

// SysAction action values a work-mode response may carry.
const (
	ActionStartWorkflow   = "start_workflow"
	ActionExecuteFunction = "execute_function"
	ActionProvideOptions  = "provide_options"
)

var (
	// ErrMalformedFunctionCall reports a tool call whose name or arguments
	// could not be decoded. Callers treat this as a module error, not a crash.
	ErrMalformedFunctionCall = errors.New("malformed_function_call")

	// ErrSchemaViolation reports a response that is not valid JSON for its
	// mode or is missing a required field.
	ErrSchemaViolation = errors.New("response violates mode schema")
)

// ToolSpec describes one tool in the vendor's function-calling shape.
// InputSchema is a JSON Schema document as a generic map.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single reasoning turn.
type Request struct {
	Mode       Mode
	Prompt     string
	System     string
	Tools      []ToolSpec
	ToolChoice ToolChoice
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// SessionControl lets the model request that the active session end.
type SessionControl struct {
	ShouldEndSession bool    `json:"should_end_session"`
	EndReason        string  `json:"end_reason"`
	Confidence       float64 `json:"confidence"`
}

// SysAction is the system directive carried by a work-mode response.
type SysAction struct {
	Action               string         `json:"action"`
	Target               string         `json:"target"`
	Parameters           map[string]any `json:"parameters"`
	Confidence           float64        `json:"confidence"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Reason               string         `json:"reason"`
}

// MischiefAction is one autonomous action from a mischief-mode response.
type MischiefAction struct {
	ActionID string         `json:"action_id"`
	Params   map[string]any `json:"params"`
}

// Response is the decoded result of one reasoning turn. Exactly one of
// FunctionCall or the mode fields is meaningful: when FunctionCall is set the
// model asked for a tool instead of answering.
type Response struct {
	FunctionCall *FunctionCall

	Text       string
	Confidence float64

	// Chat-mode extras.
	StatusUpdates     map[string]float64
	MemoryObservation string
	LearningSignals   map[string]any
	SessionControl    *SessionControl

	// Work-mode directive.
	SysAction *SysAction

	// Mischief-mode plan.
	Actions []MischiefAction

	// Raw is the unparsed model output, kept for logging.
	Raw string
}

// Reasoner is the synchronous reasoning interface the coordinator consumes.
type Reasoner interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Close() error
}
