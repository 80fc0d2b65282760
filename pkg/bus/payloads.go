package bus

import "encoding/json"

// StateAdvancedPayload is the payload for STATE_ADVANCED events.
// Published by the state queue when a pending item is promoted.
type StateAdvancedPayload struct {
	OldState   string         `json:"old_state"`
	NewState   string         `json:"new_state"`
	Content    string         `json:"content"`            // the text the promoted state must process
	Trigger    string         `json:"trigger,omitempty"`  // human-readable origin, e.g. "intent segment 2"
	Metadata   map[string]any `json:"metadata,omitempty"` // intent provenance, work mode, degradation markers
	CycleIndex int            `json:"cycle_index"`        // cycle that will carry the content
}

// StateChangedPayload is the payload for STATE_CHANGED events.
type StateChangedPayload struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
	Reason   string `json:"reason,omitempty"`
}

// SessionStartedPayload is the payload for SESSION_STARTED events.
type SessionStartedPayload struct {
	SessionID   string `json:"session_id"`
	SessionType string `json:"session_type"` // general, chatting, workflow
	ParentID    string `json:"parent_id,omitempty"`
}

// SessionEndedPayload is the payload for SESSION_ENDED events.
// Reason is a string enum; see session.EndReason.
type SessionEndedPayload struct {
	SessionID   string         `json:"session_id"`
	SessionType string         `json:"session_type"`
	Reason      string         `json:"reason"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// CycleCompletedPayload is the payload for CYCLE_COMPLETED events.
// CycleIndex is strictly monotonic across the life of the loop.
type CycleCompletedPayload struct {
	CycleIndex int    `json:"cycle_index"`
	State      string `json:"state"`           // state the cycle ran under
	Status     string `json:"status"`          // completed or error
	Error      string `json:"error,omitempty"` // set when Status is error
}

// InputLayerCompletePayload is the payload for INPUT_LAYER_COMPLETE events.
// Injected marks content that bypassed capture (queue promotion or a
// synthesized system report).
type InputLayerCompletePayload struct {
	CycleIndex int    `json:"cycle_index"`
	Text       string `json:"text"`
	NLPResult  any    `json:"nlp_result,omitempty"` // intent segments, shape-free at the bus boundary
	Source     string `json:"source"`               // capture, queue, system_report
	Injected   bool   `json:"injected"`
}

// ProcessingLayerCompletePayload is the payload for PROCESSING_LAYER_COMPLETE events.
type ProcessingLayerCompletePayload struct {
	CycleIndex int    `json:"cycle_index"`
	Path       string `json:"path"` // PATH_CHAT or PATH_WORK
	Text       string `json:"text,omitempty"`
	ToolCalled string `json:"tool_called,omitempty"`
}

// OutputLayerCompletePayload is the payload for OUTPUT_LAYER_COMPLETE events.
type OutputLayerCompletePayload struct {
	CycleIndex int  `json:"cycle_index"`
	Chunks     int  `json:"chunks"` // TTS chunks emitted this cycle
	Errored    bool `json:"errored,omitempty"`
}

// LLMResponsePayload is the payload for LLM_RESPONSE_GENERATED events.
type LLMResponsePayload struct {
	CycleIndex   int     `json:"cycle_index"`
	Mode         string  `json:"mode"` // chat, work, direct, internal, mischief
	Text         string  `json:"text,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	FunctionCall string  `json:"function_call,omitempty"` // tool name when the model called one
}

// MemoryCreatedPayload is the payload for MEMORY_CREATED events.
type MemoryCreatedPayload struct {
	SnapshotID  string `json:"snapshot_id"`
	MemoryToken string `json:"memory_token"` // isolation key of the owning identity
	Kind        string `json:"kind"`         // snapshot, observation, profile
	CycleIndex  int    `json:"cycle_index"`
}

// TTSOutputPayload is the payload for TTS_OUTPUT_GENERATED events,
// one per synthesized chunk.
type TTSOutputPayload struct {
	CycleIndex int    `json:"cycle_index"`
	ChunkIndex int    `json:"chunk_index"` // 0-based
	ChunkCount int    `json:"chunk_count"`
	Text       string `json:"text"`
}

// WorkflowStepCompletedPayload is the payload for WORKFLOW_STEP_COMPLETED events.
type WorkflowStepCompletedPayload struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"` // owning workflow session
	StepIndex int            `json:"step_index"` // 0-based
	StepName  string         `json:"step_name"`
	Result    map[string]any `json:"result,omitempty"`
}

// WorkflowFailedPayload is the payload for WORKFLOW_FAILED events.
type WorkflowFailedPayload struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
}

// SleepExitedPayload is the payload for SLEEP_EXITED events.
type SleepExitedPayload struct {
	SleptSeconds float64 `json:"slept_seconds"`
	Reason       string  `json:"reason,omitempty"`
}

// WakeReadyPayload is the payload for WAKE_READY events. Published only
// once the full module set is registered again.
type WakeReadyPayload struct {
	ModulesReloaded []string `json:"modules_reloaded"`
}

// StatusUpdatedPayload is the payload for STATUS_UPDATED events.
type StatusUpdatedPayload struct {
	Field string  `json:"field"` // mood, pride, helpfulness, boredom
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
	Delta float64 `json:"delta"`
}

// LayerErrorPayload is the payload for LAYER_ERROR events.
type LayerErrorPayload struct {
	CycleIndex int    `json:"cycle_index"`
	Layer      string `json:"layer"` // input, processing, output
	Error      string `json:"error"`
}

// M converts a typed payload struct into the free-form map carried on the
// bus. Falls back to an empty map when the payload cannot be marshalled
// (payload structs here always can).
func M(payload any) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Decode reads event data back into a typed payload struct. Shape
// mismatches surface as an error so consumers can fail closed.
func Decode(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
