// Package state implements the scheduling core of the orchestrator: a
// persisted priority queue of pending states and the manager that runs
// the side effects of entering and leaving each state.
//
// The queue decides WHAT runs next; the manager decides what entering a
// state MEANS (which sessions to open, which modules to park, which
// status fields to pin). The two halves communicate only through the
// event bus and the narrow IdleObserver hook so that neither imports
// the other's internals.
package state

import (
	"errors"
	"time"
)

// State is the coarse behavioural mode the orchestrator is in. Exactly
// one state is current at any time; IDLE is the ambient state when the
// queue is empty and may never be enqueued.
type State string

const (
	StateIdle     State = "IDLE"
	StateChat     State = "CHAT"
	StateWork     State = "WORK"
	StateMischief State = "MISCHIEF"
	StateSleep    State = "SLEEP"
	StateError    State = "ERROR"
)

// WorkMode qualifies a WORK item. Direct work preempts chat; background
// work yields to it.
type WorkMode string

const (
	WorkModeDirect     WorkMode = "direct"
	WorkModeBackground WorkMode = "background"
)

// Queue priority bounds.
const (
	// PriorityInterrupt is used by InterruptChatForWork head inserts.
	// It sits above every default so an interrupting command always
	// outranks queued work.
	PriorityInterrupt = 200

	// DirectWorkFloor is the minimum priority a direct-mode WORK item
	// may carry; BackgroundWorkCeiling is the maximum for background.
	DirectWorkFloor       = 100
	BackgroundWorkCeiling = 30
)

// DefaultPriority returns the scheduling priority a state carries when
// the caller supplies none. Higher runs first.
func DefaultPriority(s State) int {
	switch s {
	case StateWork:
		return 100
	case StateChat:
		return 50
	case StateMischief:
		return 30
	case StateSleep:
		return 10
	case StateError:
		return 5
	default:
		return 0
	}
}

// Valid reports whether s is a member of the closed state enum.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateChat, StateWork, StateMischief, StateSleep, StateError:
		return true
	}
	return false
}

// Item is one scheduled unit of behaviour. TriggerContent records where
// the item came from ("intent segment 2: …"); ContextContent is the text
// the state actually processes.
type Item struct {
	State          State          `json:"state"`
	TriggerContent string         `json:"trigger_content"`
	ContextContent string         `json:"context_content"`
	TriggerUser    string         `json:"trigger_user,omitempty"`
	Priority       int            `json:"priority"`
	WorkMode       WorkMode       `json:"work_mode,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// AddOptions carries the optional arguments of AddState.
type AddOptions struct {
	TriggerUser string
	WorkMode    WorkMode
	Metadata    map[string]any

	// CustomPriority overrides both the default table and the work-mode
	// coercion when non-nil.
	CustomPriority *int
}

// CompletionHandler observes the completion of an item that was current.
// Handlers run outside the queue lock.
type CompletionHandler func(item Item, success bool, resultData map[string]any)

// IdleObserver is notified when the queue drains and the current state
// falls back to IDLE. The State Manager implements it to release session
// references and restore suppressed status fields.
type IdleObserver interface {
	NotifyIdle(oldState State)
}

// Queue errors.
var (
	// ErrIdleNotSchedulable rejects attempts to enqueue IDLE.
	ErrIdleNotSchedulable = errors.New("IDLE cannot be enqueued")

	// ErrUnknownState rejects states outside the enum.
	ErrUnknownState = errors.New("unknown state")
)
