package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/intent"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

// Queue is the scheduling surface between intent analysis and state
// execution. Items sort by priority descending with FIFO tie-break;
// every mutation is persisted so committed work survives a restart.
//
// Promotion is pull-based: the system loop calls CheckAndAdvanceState
// at the start of every tick. Completion never auto-promotes.
type Queue struct {
	logger *slog.Logger
	bus    *bus.Bus
	wctx   *workingctx.Manager
	path   string // empty disables persistence

	mu                  sync.Mutex // protects all fields below
	current             State
	currentItem         *Item
	pending             []Item
	lastCompletionCycle int
	handlers            map[State]CompletionHandler
	idle                IdleObserver
}

// NewQueue creates an empty queue in the IDLE state. path names the
// JSON file mutations are persisted to ("" keeps the queue in-memory
// only, used by tests).
func NewQueue(b *bus.Bus, wctx *workingctx.Manager, path string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:   logger.With("component", "state_queue"),
		bus:      b,
		wctx:     wctx,
		path:     path,
		current:  StateIdle,
		handlers: make(map[State]CompletionHandler),
	}
}

// SetIdleObserver registers the observer notified when the queue drains
// back to IDLE. Must be called before the loop starts.
func (q *Queue) SetIdleObserver(obs IdleObserver) {
	q.mu.Lock()
	q.idle = obs
	q.mu.Unlock()
}

// RegisterCompletionHandler registers the handler invoked when an item
// of the given state completes. One handler per state; later calls
// replace earlier ones.
func (q *Queue) RegisterCompletionHandler(s State, h CompletionHandler) {
	q.mu.Lock()
	q.handlers[s] = h
	q.mu.Unlock()
}

// AddState enqueues a state per the priority rules and reports whether
// the item was accepted. IDLE and unknown states are rejected. If the
// system is idle with nothing executing, the new item is promoted
// immediately instead of waiting for the next tick.
func (q *Queue) AddState(s State, triggerContent, contextContent string, opts *AddOptions) bool {
	if s == StateIdle {
		q.logger.Warn("rejecting enqueue", "error", ErrIdleNotSchedulable)
		return false
	}
	if !s.Valid() {
		q.logger.Warn("rejecting enqueue", "error", ErrUnknownState, "state", s)
		return false
	}
	if opts == nil {
		opts = &AddOptions{}
	}

	item := Item{
		State:          s,
		TriggerContent: triggerContent,
		ContextContent: contextContent,
		TriggerUser:    opts.TriggerUser,
		Priority:       resolvePriority(s, opts),
		WorkMode:       opts.WorkMode,
		Metadata:       opts.Metadata,
		CreatedAt:      time.Now(),
	}

	q.mu.Lock()
	q.insertSortedLocked(item)
	promote := q.current == StateIdle && q.currentItem == nil
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Debug("state enqueued",
		"state", s,
		"priority", item.Priority,
		"work_mode", item.WorkMode,
		"trigger", triggerContent)

	if promote {
		q.CheckAndAdvanceState()
	}
	return true
}

// resolvePriority applies the default table, the caller override, and
// the work-mode bounds. The bounds hold even over a custom priority:
// direct work must outrank chat and background work must yield to it.
func resolvePriority(s State, opts *AddOptions) int {
	p := DefaultPriority(s)
	if opts.CustomPriority != nil {
		p = *opts.CustomPriority
	}
	switch opts.WorkMode {
	case WorkModeDirect:
		if p < DirectWorkFloor {
			p = DirectWorkFloor
		}
	case WorkModeBackground:
		if p > BackgroundWorkCeiling {
			p = BackgroundWorkCeiling
		}
	}
	return p
}

// insertSortedLocked places item after every queued item of equal or
// higher priority, keeping the pending list priority-descending with
// FIFO ties.
func (q *Queue) insertSortedLocked(item Item) {
	at := len(q.pending)
	for i, existing := range q.pending {
		if existing.Priority < item.Priority {
			at = i
			break
		}
	}
	q.pending = append(q.pending, Item{})
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = item
}

// ProcessNLPIntents enqueues the states corresponding to a batch of
// intent segments and returns how many were accepted. CALL segments are
// pure greetings and UNKNOWN segments carry no actionable intent; both
// are dropped. RESPONSE segments are fast-pathed as direct WORK.
// Validator metadata (matched workflow, degradation markers) rides
// along on the queued item.
func (q *Queue) ProcessNLPIntents(segments []intent.Segment) int {
	added := 0
	for i, seg := range segments {
		var s State
		opts := &AddOptions{Metadata: segmentMetadata(seg)}

		switch seg.Intent {
		case intent.IntentCall, intent.IntentUnknown:
			q.logger.Debug("dropping segment", "intent", seg.Intent, "text", seg.Text)
			continue
		case intent.IntentResponse:
			s = StateWork
			opts.WorkMode = WorkModeDirect
		case intent.IntentWork:
			s = StateWork
			if m, ok := seg.Metadata[intent.MetaWorkMode].(string); ok {
				opts.WorkMode = WorkMode(m)
			}
		case intent.IntentChat:
			s = StateChat
		default:
			continue
		}
		if seg.Priority > 0 {
			p := seg.Priority
			opts.CustomPriority = &p
		}

		trigger := fmt.Sprintf("intent segment %d: %s", i, snippet(seg.Text))
		if q.AddState(s, trigger, seg.Text, opts) {
			added++
		}
	}
	return added
}

func segmentMetadata(seg intent.Segment) map[string]any {
	meta := map[string]any{
		intent.MetaIntentType: string(seg.Intent),
		intent.MetaConfidence: seg.Confidence,
	}
	for k, v := range seg.Metadata {
		meta[k] = v
	}
	return meta
}

func snippet(text string) string {
	const max = 48
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

// CheckAndAdvanceState promotes the highest-priority pending item when
// nothing is executing, publishing STATE_ADVANCED. With an empty queue
// it instead falls back to IDLE and notifies the idle observer. Returns
// true only when an item was promoted.
func (q *Queue) CheckAndAdvanceState() bool {
	q.mu.Lock()
	if q.currentItem != nil {
		q.mu.Unlock()
		return false
	}

	if len(q.pending) == 0 {
		if q.current == StateIdle {
			q.mu.Unlock()
			return false
		}
		old := q.current
		q.current = StateIdle
		obs := q.idle
		q.persistLocked()
		q.mu.Unlock()

		q.logger.Info("queue drained, returning to idle", "old_state", old)
		if obs != nil {
			obs.NotifyIdle(old)
		}
		return false
	}

	item := q.pending[0]
	q.pending = q.pending[1:]
	now := time.Now()
	item.StartedAt = &now

	old := q.current
	q.current = item.State
	q.currentItem = &item
	cycle := q.wctx.CycleIndex()
	q.persistLocked()

	payload := bus.StateAdvancedPayload{
		OldState:   string(old),
		NewState:   string(item.State),
		Content:    item.ContextContent,
		Trigger:    item.TriggerContent,
		Metadata:   item.Metadata,
		CycleIndex: cycle,
	}
	q.mu.Unlock()

	q.logger.Info("state advanced",
		"old_state", old,
		"new_state", item.State,
		"priority", item.Priority,
		"cycle", cycle)
	q.bus.Publish(bus.EventStateAdvanced, bus.M(payload), "state_queue")
	return true
}

// CompleteCurrentState marks the executing item completed, records the
// cycle it finished on, and invokes the completion handler registered
// for its state. The current state is left as-is; the loop's next
// CheckAndAdvanceState decides what runs after. Handlers run with the
// queue lock released.
func (q *Queue) CompleteCurrentState(success bool, resultData map[string]any, completionCycle int) {
	q.mu.Lock()
	if q.currentItem == nil {
		q.mu.Unlock()
		return
	}
	item := *q.currentItem
	now := time.Now()
	item.CompletedAt = &now
	q.currentItem = nil
	q.lastCompletionCycle = completionCycle
	handler := q.handlers[item.State]
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("state completed",
		"state", item.State,
		"success", success,
		"completion_cycle", completionCycle)
	if handler != nil {
		handler(item, success, resultData)
	}
}

// InterruptChatForWork inserts a WORK item at the head of the queue with
// interrupt priority. This is the only mutation that bypasses sorted
// insertion; it is how an actionable command spoken mid-chat preempts
// the conversation at the next tick.
func (q *Queue) InterruptChatForWork(commandText, triggerUser string, metadata map[string]any) {
	item := Item{
		State:          StateWork,
		TriggerContent: "chat interrupt: " + snippet(commandText),
		ContextContent: commandText,
		TriggerUser:    triggerUser,
		Priority:       PriorityInterrupt,
		WorkMode:       WorkModeDirect,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}

	q.mu.Lock()
	q.pending = append([]Item{item}, q.pending...)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("chat interrupted for work",
		"command", snippet(commandText),
		"priority", PriorityInterrupt)
}

// CurrentState returns the state currently in effect.
func (q *Queue) CurrentState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// CurrentItem returns a copy of the executing item, if any.
func (q *Queue) CurrentItem() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.currentItem == nil {
		return Item{}, false
	}
	return *q.currentItem, true
}

// Pending returns a copy of the queued items in promotion order.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.pending))
	copy(out, q.pending)
	return out
}

// Len returns the number of queued (not yet promoted) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// LastCompletionCycle returns the cycle index recorded by the most
// recent completion, 0 before any item has completed.
func (q *Queue) LastCompletionCycle() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastCompletionCycle
}

// queueFile is the on-disk shape of the queue.
type queueFile struct {
	CurrentState State     `json:"current_state"`
	CurrentItem  *Item     `json:"current_item,omitempty"`
	Queue        []Item    `json:"queue"`
	SavedAt      time.Time `json:"saved_at"`
}

// persistLocked writes the queue to disk. Failures are logged, not
// fatal: scheduling continues in memory and the next mutation retries.
func (q *Queue) persistLocked() {
	if q.path == "" {
		return
	}
	file := queueFile{
		CurrentState: q.current,
		CurrentItem:  q.currentItem,
		Queue:        q.pending,
		SavedAt:      time.Now(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		q.logger.Error("failed to marshal state queue", "error", err)
		return
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		q.logger.Error("failed to persist state queue", "error", err)
	}
}

// Load restores the queue from disk. An item that was current at
// shutdown was interrupted mid-execution; it is requeued at the head so
// it runs first, and the current state resets to IDLE for the loop to
// re-promote. A missing file is a fresh start.
func (q *Queue) Load() error {
	if q.path == "" {
		return nil
	}
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state queue: %w", err)
	}
	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse state queue: %w", err)
	}

	q.mu.Lock()
	q.pending = file.Queue
	requeued := false
	if file.CurrentItem != nil {
		interrupted := *file.CurrentItem
		interrupted.StartedAt = nil
		q.pending = append([]Item{interrupted}, q.pending...)
		requeued = true
	}
	q.current = StateIdle
	q.currentItem = nil
	n := len(q.pending)
	q.persistLocked()
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("state queue restored",
			"pending", n,
			"requeued_interrupted", requeued,
			"saved_at", file.SavedAt)
	}
	return nil
}
