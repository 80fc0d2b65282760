// Package session manages the three-tier session model: one General
// Session (GS) as the root scope, at most one active Chatting Session
// (CS) under it, and any number of Workflow Sessions (WS). It owns
// lifecycle, nesting and timeout rules, and the append-only record store.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the three session kinds.
type Type string

const (
	TypeGeneral  Type = "general"
	TypeChatting Type = "chatting"
	TypeWorkflow Type = "workflow"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// EndReason is the string enum carried on SESSION_ENDED events.
type EndReason string

const (
	ReasonCompleted     EndReason = "completed"
	ReasonUserRequest   EndReason = "user_request"
	ReasonTimeout       EndReason = "timeout"
	ReasonParentEnded   EndReason = "parent_ended"
	ReasonWorkInterrupt EndReason = "work_interrupt"
	ReasonError         EndReason = "error"
	ReasonLLMDirected   EndReason = "llm_directed"
)

// Workflow session task types.
const (
	TaskWorkflowAutomation = "workflow_automation"
	TaskSystemNotification = "SYSTEM_NOTIFICATION" // WS without a workflow engine
)

// Sentinel errors for lifecycle contract violations.
var (
	// ErrAlreadyActive indicates a second GS, or a second CS under the
	// same GS, was requested.
	ErrAlreadyActive = errors.New("session already active")

	// ErrNoParent indicates the referenced GS does not exist or is not active.
	ErrNoParent = errors.New("no active parent session")

	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActiveSession indicates no active session of the requested kind.
	ErrNoActiveSession = errors.New("no active session")
)

// Session is one identified scope of interaction.
type Session struct {
	ID           string         `json:"session_id"`
	Type         Type           `json:"session_type"`
	Status       Status         `json:"status"`
	ParentID     string         `json:"parent_id,omitempty"` // GS id for CS/WS
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Workflow sessions only.
	TaskType       string         `json:"task_type,omitempty"`
	TaskDefinition map[string]any `json:"task_definition,omitempty"`

	// Chatting sessions only.
	IdentityContext map[string]any `json:"identity_context,omitempty"`

	EndReason EndReason  `json:"end_reason,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session is still running.
func (s *Session) Active() bool {
	return s.Status == StatusActive || s.Status == StatusPaused
}

func prefixFor(t Type) string {
	switch t {
	case TypeGeneral:
		return "gs_"
	case TypeChatting:
		return "cs_"
	case TypeWorkflow:
		return "ws_"
	}
	return "xs_"
}

var (
	idMu      sync.Mutex
	lastStamp int64
)

// newSessionID builds "<prefix><monotonic ms timestamp>_<random suffix>".
// The stamp is forced strictly increasing so ids sort by creation order
// even when two sessions are created within the same millisecond.
func newSessionID(t Type) string {
	idMu.Lock()
	stamp := time.Now().UnixMilli()
	if stamp <= lastStamp {
		stamp = lastStamp + 1
	}
	lastStamp = stamp
	idMu.Unlock()

	return fmt.Sprintf("%s%d_%s", prefixFor(t), stamp, uuid.NewString()[:6])
}
