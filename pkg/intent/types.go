// Package intent turns raw text into intent segments: a BIO token tagger
// produces initial labels, a post-processor merges them into clean
// segments, and a workflow validator scores WORK segments against the
// workflow catalogue, possibly degrading them to CHAT.
package intent

// Type classifies what a segment asks of the system.
type Type string

const (
	IntentCall     Type = "CALL"     // greeting or attention ping
	IntentChat     Type = "CHAT"     // conversational content
	IntentWork     Type = "WORK"     // actionable command
	IntentResponse Type = "RESPONSE" // answer to a pending question
	IntentUnknown  Type = "UNKNOWN"
)

// Default segment priorities, mirroring the scheduler's state table.
const (
	PriorityWork     = 100
	PriorityChat     = 50
	PriorityResponse = 100 // responses are fast-pathed as direct work
)

// Segment is one classified span of the input text.
type Segment struct {
	Text       string         `json:"segment_text"`
	Intent     Type           `json:"intent_type"`
	Confidence float64        `json:"confidence"`
	Priority   int            `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Metadata keys written by the segmenter and validator.
const (
	MetaWorkMode          = "work_mode"
	MetaMatchedWorkflow   = "matched_workflow"
	MetaPotentialWorkflow = "potential_workflow"
	MetaDegradedFromWork  = "degraded_from_work"
	MetaIntentType        = "intent_type"
	MetaConfidence        = "confidence"
)

// TokenTag is one BIO-labelled token. Label is "B-<INTENT>", "I-<INTENT>",
// or "O" for tokens outside any intent span.
type TokenTag struct {
	Token string
	Label string
}

// Tagger assigns BIO labels to the tokens of a text.
type Tagger interface {
	Tag(text string) []TokenTag
}

func defaultPriority(t Type) int {
	switch t {
	case IntentWork:
		return PriorityWork
	case IntentChat:
		return PriorityChat
	case IntentResponse:
		return PriorityResponse
	}
	return 0
}
