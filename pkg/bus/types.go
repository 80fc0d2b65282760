// Package bus provides the in-process pub/sub backbone of the orchestrator.
//
// ════════════════════════════════════════════════════════════════
// Delivery semantics
// ════════════════════════════════════════════════════════════════
//
// Two buses with the same subscribe/publish shape but different contracts:
//
// Main bus (Bus):
//
//	Publish delivers synchronously, in subscription order, within the
//	publishing call. A panic in one handler is recovered and logged and
//	does not stop delivery to later handlers. Events published from
//	inside a handler are fully delivered before that handler returns.
//
// Frontend bus (FrontendBus):
//
//	Same shape, but serves high-frequency UI ticks (cursor, drag,
//	animation frames). Inline dispatch, no queueing, no payload typing.
//	Handlers are expected to return within a few milliseconds; a slow
//	handler logs a warning but is never killed.
//
// Handlers are registered under a name. Subscribing the same name twice
// for the same event type is a no-op, so components can wire themselves
// idempotently during startup and wake.
//
// ════════════════════════════════════════════════════════════════
package bus

import "time"

// SystemEvent identifies a lifecycle event on the main bus.
type SystemEvent string

// Pipeline layer and cycle events.
const (
	EventInputLayerComplete      SystemEvent = "INPUT_LAYER_COMPLETE"
	EventProcessingLayerComplete SystemEvent = "PROCESSING_LAYER_COMPLETE"
	EventOutputLayerComplete     SystemEvent = "OUTPUT_LAYER_COMPLETE"
	EventCycleCompleted          SystemEvent = "CYCLE_COMPLETED"
	EventLayerError              SystemEvent = "LAYER_ERROR"
)

// State scheduling events.
const (
	EventStateAdvanced SystemEvent = "STATE_ADVANCED"
	EventStateChanged  SystemEvent = "STATE_CHANGED"
)

// Session lifecycle events.
const (
	EventSessionStarted SystemEvent = "SESSION_STARTED"
	EventSessionEnded   SystemEvent = "SESSION_ENDED"
)

// Module output events.
const (
	EventLLMResponseGenerated SystemEvent = "LLM_RESPONSE_GENERATED"
	EventMemoryCreated        SystemEvent = "MEMORY_CREATED"
	EventTTSOutputGenerated   SystemEvent = "TTS_OUTPUT_GENERATED"
)

// Workflow events.
const (
	EventWorkflowStepCompleted SystemEvent = "WORKFLOW_STEP_COMPLETED"
	EventWorkflowFailed        SystemEvent = "WORKFLOW_FAILED"
)

// Special-state events.
const (
	EventSleepExited   SystemEvent = "SLEEP_EXITED"
	EventWakeReady     SystemEvent = "WAKE_READY"
	EventStatusUpdated SystemEvent = "STATUS_UPDATED"
)

// Event is a single occurrence delivered to subscribers. Data is a
// free-form map at the bus boundary; producers build it from the typed
// payload structs in payloads.go and consumers decode it back through
// Decode, failing closed on shape mismatches.
type Event struct {
	Type      SystemEvent    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one event. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(evt Event)
