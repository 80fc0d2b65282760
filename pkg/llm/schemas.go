package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Per-mode response schemas. Unknown fields pass through unvalidated; missing
// required fields fail hard.
const (
	chatResponseSchema = `{
		"type": "object",
		"required": ["text", "confidence"],
		"properties": {
			"text": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"status_updates": {
				"type": "object",
				"properties": {
					"mood_delta": {"type": "number"},
					"pride_delta": {"type": "number"},
					"helpfulness_delta": {"type": "number"},
					"boredom_delta": {"type": "number"}
				}
			},
			"memory_observation": {"type": "string"},
			"learning_signals": {"type": "object"},
			"session_control": {
				"type": "object",
				"required": ["should_end_session"],
				"properties": {
					"should_end_session": {"type": "boolean"},
					"end_reason": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}`

	workResponseSchema = `{
		"type": "object",
		"required": ["text", "confidence", "sys_action"],
		"properties": {
			"text": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"sys_action": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"action": {"type": "string", "enum": ["start_workflow", "execute_function", "provide_options"]},
					"target": {"type": "string"},
					"parameters": {"type": "object"},
					"confidence": {"type": "number"},
					"requires_confirmation": {"type": "boolean"},
					"reason": {"type": "string"}
				}
			},
			"status_updates": {
				"type": "object",
				"properties": {
					"mood_delta": {"type": "number"},
					"pride_delta": {"type": "number"},
					"helpfulness_delta": {"type": "number"},
					"boredom_delta": {"type": "number"}
				}
			},
			"session_control": {
				"type": "object",
				"required": ["should_end_session"],
				"properties": {
					"should_end_session": {"type": "boolean"},
					"end_reason": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}`

	directResponseSchema = `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string"}
		}
	}`

	internalResponseSchema = `{
		"type": "object",
		"required": ["text", "confidence"],
		"properties": {
			"text": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`

	mischiefResponseSchema = `{
		"type": "object",
		"required": ["actions"],
		"properties": {
			"actions": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["action_id"],
					"properties": {
						"action_id": {"type": "string"},
						"params": {"type": "object"}
					}
				}
			}
		}
	}`
)

func schemaFor(mode Mode) (string, bool) {
	switch mode {
	case ModeChat:
		return chatResponseSchema, true
	case ModeWork:
		return workResponseSchema, true
	case ModeDirect:
		return directResponseSchema, true
	case ModeInternal:
		return internalResponseSchema, true
	case ModeMischief:
		return mischiefResponseSchema, true
	default:
		return "", false
	}
}

type modePayload struct {
	Text              string             `json:"text"`
	Confidence        float64            `json:"confidence"`
	StatusUpdates     map[string]float64 `json:"status_updates"`
	MemoryObservation string             `json:"memory_observation"`
	LearningSignals   map[string]any     `json:"learning_signals"`
	SessionControl    *SessionControl    `json:"session_control"`
	SysAction         *SysAction         `json:"sys_action"`
	Actions           []MischiefAction   `json:"actions"`
}

// ParseResponse decodes raw model output for the given mode. Markdown code
// fences and surrounding prose are tolerated; the first JSON object found is
// the one validated. Direct mode additionally accepts plain text, since its
// schema carries nothing beyond the text itself.
func ParseResponse(mode Mode, raw string) (*Response, error) {
	schema, ok := schemaFor(mode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrSchemaViolation, mode)
	}

	doc, found := extractObject(raw)
	if !found {
		if mode == ModeDirect {
			return &Response{Text: strings.TrimSpace(raw), Raw: raw}, nil
		}
		return nil, fmt.Errorf("%w: mode %s expects a JSON object", ErrSchemaViolation, mode)
	}

	var payload modePayload
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		if mode == ModeDirect {
			return &Response{Text: strings.TrimSpace(raw), Raw: raw}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(doc), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(details, "; "))
	}

	return &Response{
		Text:              payload.Text,
		Confidence:        payload.Confidence,
		StatusUpdates:     payload.StatusUpdates,
		MemoryObservation: payload.MemoryObservation,
		LearningSignals:   payload.LearningSignals,
		SessionControl:    payload.SessionControl,
		SysAction:         payload.SysAction,
		Actions:           payload.Actions,
		Raw:               raw,
	}, nil
}

// extractObject pulls the first balanced top-level JSON object out of raw,
// skipping code fences and leading prose. Brace counting ignores braces inside
// string literals.
func extractObject(raw string) (string, bool) {
	s := raw
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
