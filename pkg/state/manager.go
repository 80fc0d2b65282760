package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/intent"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

// Manager errors.
var (
	// ErrMischiefDisabled is returned when a MISCHIEF transition is
	// attempted with behavior.mischief_enabled off.
	ErrMischiefDisabled = errors.New("mischief transitions are disabled")

	// ErrNotInSpecialState is returned by ExitSpecialState outside
	// SLEEP and MISCHIEF.
	ErrNotInSpecialState = errors.New("not in a special state")
)

// WorkflowTypeSystemReport marks WORK items whose workflow session must
// be a SYSTEM_NOTIFICATION: the report content fast-paths straight into
// the processing layer without a workflow engine run.
const WorkflowTypeSystemReport = "system_report"

// suppressedHelpfulness is the value helpfulness is pinned to while
// MISCHIEF is active.
const suppressedHelpfulness = 0.1

// Manager configuration defaults.
const (
	DefaultSleepBoredom         = 0.85
	DefaultMischiefBoredom      = 0.6
	DefaultMischiefMood         = 0.7
	DefaultSpecialStateDebounce = 30 * time.Second
)

// ChangeContext carries the content a state transition must act on.
type ChangeContext struct {
	// Text is the content the new state processes (a chat utterance, a
	// work command).
	Text string

	// WorkflowType selects the workflow session's task type; empty
	// means plain workflow automation.
	WorkflowType string

	Metadata map[string]any
}

// ModuleParker unloads heavy modules on SLEEP entry and reloads them on
// wake. The module registry implements it.
type ModuleParker interface {
	Park() []string
	Restore() []string
}

// MischiefAction is one planned prank. Params may carry a min_mood gate
// checked against the status model before execution.
type MischiefAction struct {
	ActionID string         `json:"action_id"`
	Params   map[string]any `json:"params,omitempty"`
}

// MischiefPlanner produces the action list for a MISCHIEF entry. The
// coordinator adapts the LLM's mischief mode to this interface.
type MischiefPlanner interface {
	PlanMischief(ctx context.Context) ([]MischiefAction, error)
}

// ActionRunner executes a single mischief action.
type ActionRunner interface {
	RunAction(ctx context.Context, actionID string, params map[string]any) error
}

// ManagerConfig tunes the side-effect policy.
type ManagerConfig struct {
	// MischiefEnabled gates MISCHIEF transitions entirely.
	MischiefEnabled bool

	// SleepContextPath is the file written on SLEEP entry and checked
	// at startup to recognise a resumed sleep. Empty disables it.
	SleepContextPath string

	// SleepBoredom is the boredom level at which the manager queues a
	// SLEEP state on its own.
	SleepBoredom float64

	// MischiefBoredom and MischiefMood must both be reached for the
	// manager to queue a MISCHIEF state.
	MischiefBoredom float64
	MischiefMood    float64

	// SpecialStateDebounce is the minimum gap between two self-queued
	// special states.
	SpecialStateDebounce time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SleepBoredom == 0 {
		c.SleepBoredom = DefaultSleepBoredom
	}
	if c.MischiefBoredom == 0 {
		c.MischiefBoredom = DefaultMischiefBoredom
	}
	if c.MischiefMood == 0 {
		c.MischiefMood = DefaultMischiefMood
	}
	if c.SpecialStateDebounce == 0 {
		c.SpecialStateDebounce = DefaultSpecialStateDebounce
	}
	return c
}

// Manager owns the current-state enum and the side effects of entering
// and leaving each state: which sessions open, which modules park,
// which status fields pin. It drives the session manager on promotion
// and forwards session endings back to the queue as completions.
type Manager struct {
	logger   *slog.Logger
	bus      *bus.Bus
	sessions *session.Manager
	wctx     *workingctx.Manager
	status   *workingctx.StatusModel
	queue    *Queue
	cfg      ManagerConfig

	parker  ModuleParker
	planner MischiefPlanner
	actions ActionRunner

	mu               sync.Mutex // protects fields below
	current          State
	sessionID        string
	sessionType      session.Type
	sleptAt          time.Time
	lastSpecialEntry time.Time
}

// NewManager creates the manager, registers it as the queue's idle
// observer, and subscribes it to the session and status events it
// reacts to.
func NewManager(b *bus.Bus, sessions *session.Manager, wctx *workingctx.Manager, status *workingctx.StatusModel, queue *Queue, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger.With("component", "state_manager"),
		bus:      b,
		sessions: sessions,
		wctx:     wctx,
		status:   status,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		current:  StateIdle,
	}
	queue.SetIdleObserver(m)
	b.Subscribe(bus.EventStateAdvanced, "state_manager", m.onStateAdvanced)
	b.Subscribe(bus.EventSessionEnded, "state_manager", m.onSessionEnded)
	b.Subscribe(bus.EventStatusUpdated, "state_manager", m.onStatusUpdated)
	return m
}

// SetModuleParker wires the registry parked on SLEEP. Optional.
func (m *Manager) SetModuleParker(p ModuleParker) { m.parker = p }

// SetMischiefPlanner wires the planner invoked on MISCHIEF. Optional.
func (m *Manager) SetMischiefPlanner(p MischiefPlanner) { m.planner = p }

// SetActionRunner wires the executor for planned mischief actions.
func (m *Manager) SetActionRunner(r ActionRunner) { m.actions = r }

// Current returns the manager's view of the current state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentSession returns the session opened for the current state.
func (m *Manager) CurrentSession() (id string, typ session.Type, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, m.sessionType, m.sessionID != ""
}

// SetState transitions to newState and runs its entry side effects.
// Setting the current state again with a nil context is a no-op success.
// On side-effect failure the queue item (if one is executing for that
// state) is completed as failed so the loop can move on, and SetState
// returns false.
func (m *Manager) SetState(newState State, chg *ChangeContext) bool {
	return m.setState(newState, chg, "set_state")
}

func (m *Manager) setState(newState State, chg *ChangeContext, reason string) bool {
	m.mu.Lock()
	old := m.current
	if newState == old && chg == nil {
		m.mu.Unlock()
		return true
	}
	m.current = newState
	m.mu.Unlock()

	// Side effects run with the manager lock released: ending a stale
	// chat session publishes SESSION_ENDED synchronously, which re-
	// enters this manager.
	if old == StateMischief && newState != StateMischief {
		m.status.RestoreAll()
	}

	var err error
	switch newState {
	case StateChat:
		err = m.enterChat()
	case StateWork:
		err = m.enterWork(chg)
	case StateIdle:
		m.clearSessionRef()
	case StateMischief:
		err = m.enterMischief()
	case StateSleep:
		err = m.enterSleep()
	case StateError:
		m.enterError(chg)
	}

	if err != nil {
		m.logger.Error("state entry failed", "state", newState, "error", err)
		m.completeQueueItem(newState, false, map[string]any{"error": err.Error()})
		return false
	}

	if old != newState {
		m.bus.Publish(bus.EventStateChanged, bus.M(bus.StateChangedPayload{
			OldState: string(old),
			NewState: string(newState),
			Reason:   reason,
		}), "state_manager")
	}
	return true
}

// ExitSpecialState leaves SLEEP or MISCHIEF: restores suppressed status
// fields and parked modules, completes the queue item, and returns the
// manager to IDLE. This is the only way out of SLEEP.
func (m *Manager) ExitSpecialState(reason string) error {
	m.mu.Lock()
	cur := m.current
	sleptAt := m.sleptAt
	m.mu.Unlock()

	switch cur {
	case StateSleep:
		var restored []string
		if m.parker != nil {
			restored = m.parker.Restore()
		}
		m.removeSleepContext()
		m.status.RestoreAll()
		slept := time.Since(sleptAt).Seconds()
		m.completeQueueItem(StateSleep, true, map[string]any{
			"slept_seconds": slept,
			"reason":        reason,
		})
		m.logger.Info("exited sleep", "slept_seconds", slept, "reason", reason)
		m.bus.Publish(bus.EventSleepExited, bus.M(bus.SleepExitedPayload{
			SleptSeconds: slept,
			Reason:       reason,
		}), "state_manager")
		m.bus.Publish(bus.EventWakeReady, bus.M(bus.WakeReadyPayload{
			ModulesReloaded: restored,
		}), "state_manager")

	case StateMischief:
		m.status.RestoreAll()
		m.completeQueueItem(StateMischief, true, map[string]any{"reason": reason})
		m.logger.Info("exited mischief", "reason", reason)

	default:
		return fmt.Errorf("%w: current state is %s", ErrNotInSpecialState, cur)
	}

	m.mu.Lock()
	old := m.current
	m.current = StateIdle
	m.sessionID, m.sessionType = "", ""
	m.mu.Unlock()

	m.bus.Publish(bus.EventStateChanged, bus.M(bus.StateChangedPayload{
		OldState: string(old),
		NewState: string(StateIdle),
		Reason:   reason,
	}), "state_manager")
	return nil
}

// NotifyIdle implements IdleObserver: the queue drained and fell back
// to IDLE. Idempotent.
func (m *Manager) NotifyIdle(old State) {
	m.mu.Lock()
	if m.current == StateIdle {
		m.mu.Unlock()
		return
	}
	m.current = StateIdle
	m.sessionID, m.sessionType = "", ""
	m.mu.Unlock()

	if old == StateMischief {
		m.status.RestoreAll()
	}
	m.logger.Debug("returned to idle", "old_state", old)
	m.bus.Publish(bus.EventStateChanged, bus.M(bus.StateChangedPayload{
		OldState: string(old),
		NewState: string(StateIdle),
		Reason:   "queue_empty",
	}), "state_manager")
}

// ResumeSleepIfPresent re-enters SLEEP at startup when a sleep context
// file from a previous run exists. Returns whether sleep was resumed.
func (m *Manager) ResumeSleepIfPresent() bool {
	if m.cfg.SleepContextPath == "" {
		return false
	}
	if _, err := os.Stat(m.cfg.SleepContextPath); err != nil {
		return false
	}
	if m.hasSpecialQueued(StateSleep) {
		return false
	}
	m.logger.Info("sleep context found, resuming sleep", "path", m.cfg.SleepContextPath)
	return m.queue.AddState(StateSleep, "resumed from sleep context", "", nil)
}

// ── event handlers ──────────────────────────────────────────────

// onStateAdvanced turns a queue promotion into a state entry.
func (m *Manager) onStateAdvanced(evt bus.Event) {
	var p bus.StateAdvancedPayload
	if err := bus.Decode(evt.Data, &p); err != nil {
		m.logger.Error("malformed STATE_ADVANCED payload", "error", err)
		return
	}
	chg := &ChangeContext{
		Text:         p.Content,
		WorkflowType: workflowTypeFrom(p.Metadata),
		Metadata:     p.Metadata,
	}
	m.setState(State(p.NewState), chg, "queue_advance")
}

// workflowTypeFrom resolves the workflow type of a WORK transition: an
// explicit workflow_type wins, else the validator's matched workflow.
func workflowTypeFrom(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if wt, ok := meta["workflow_type"].(string); ok {
		return wt
	}
	if matched, ok := meta[intent.MetaMatchedWorkflow].(string); ok {
		return matched
	}
	return ""
}

// onSessionEnded forwards the ending of the current state's session to
// the queue as a completion. General sessions never advance the queue,
// and neither does a session whose type does not match the executing
// item (a stale chat ended while work is being entered must not
// complete the work item).
func (m *Manager) onSessionEnded(evt bus.Event) {
	var p bus.SessionEndedPayload
	if err := bus.Decode(evt.Data, &p); err != nil {
		m.logger.Error("malformed SESSION_ENDED payload", "error", err)
		return
	}
	want, ok := sessionStateFor(p.SessionType)
	if !ok {
		return
	}

	m.mu.Lock()
	ref := m.sessionID
	refMatch := p.SessionID != "" && p.SessionID == ref
	if refMatch {
		m.sessionID, m.sessionType = "", ""
	}
	m.mu.Unlock()

	if !refMatch && ref != "" {
		return
	}
	it, executing := m.queue.CurrentItem()
	if !executing || it.State != want {
		return
	}

	result := map[string]any{"end_reason": p.Reason}
	for k, v := range p.Summary {
		result[k] = v
	}
	success := p.Reason != string(session.ReasonError)
	m.logger.Info("current session ended, completing state",
		"session_id", p.SessionID,
		"reason", p.Reason)
	m.queue.CompleteCurrentState(success, result, m.wctx.CycleIndex())
}

// sessionStateFor maps an ended session's type to the queue state it
// completes.
func sessionStateFor(sessionType string) (State, bool) {
	switch sessionType {
	case string(session.TypeChatting):
		return StateChat, true
	case string(session.TypeWorkflow):
		return StateWork, true
	}
	return "", false
}

// onStatusUpdated checks whether the status model has drifted into a
// special-state regime. Hits enqueue rather than transition directly,
// so an active chat or work item finishes first.
func (m *Manager) onStatusUpdated(bus.Event) {
	m.mu.Lock()
	debounced := time.Since(m.lastSpecialEntry) < m.cfg.SpecialStateDebounce
	m.mu.Unlock()
	if debounced {
		return
	}

	boredom := m.status.Get(workingctx.StatusBoredom)
	mood := m.status.Get(workingctx.StatusMood)

	switch {
	case boredom >= m.cfg.SleepBoredom:
		if m.hasSpecialQueued(StateSleep) {
			return
		}
		m.markSpecialEntry()
		m.logger.Info("boredom threshold reached, queueing sleep", "boredom", boredom)
		m.queue.AddState(StateSleep, "boredom threshold", "", &AddOptions{
			Metadata: map[string]any{"boredom": boredom},
		})

	case m.cfg.MischiefEnabled && boredom >= m.cfg.MischiefBoredom && mood >= m.cfg.MischiefMood:
		if m.hasSpecialQueued(StateMischief) {
			return
		}
		m.markSpecialEntry()
		m.logger.Info("mischief thresholds reached, queueing mischief",
			"boredom", boredom, "mood", mood)
		m.queue.AddState(StateMischief, "boredom and mood thresholds", "", &AddOptions{
			Metadata: map[string]any{"boredom": boredom, "mood": mood},
		})
	}
}

func (m *Manager) hasSpecialQueued(s State) bool {
	if m.queue.CurrentState() == s {
		return true
	}
	for _, it := range m.queue.Pending() {
		if it.State == s {
			return true
		}
	}
	return false
}

func (m *Manager) markSpecialEntry() {
	m.mu.Lock()
	m.lastSpecialEntry = time.Now()
	m.mu.Unlock()
}

// ── state entry side effects ────────────────────────────────────

func (m *Manager) enterChat() error {
	m.clearSessionRef()
	gsID, err := m.sessions.EnsureGeneralSession()
	if err != nil {
		return fmt.Errorf("ensure general session: %w", err)
	}

	identityCtx := map[string]any{}
	if ref, ok := m.wctx.CurrentIdentity(); ok {
		identityCtx = map[string]any{
			"identity_id":  ref.IdentityID,
			"display_name": ref.DisplayName,
			"memory_token": ref.MemoryToken,
		}
	}

	csID, err := m.sessions.CreateChattingSession(gsID, identityCtx)
	if errors.Is(err, session.ErrAlreadyActive) {
		// Adopt the surviving chat rather than failing the state.
		if cs, ok := m.sessions.ActiveChatting(); ok {
			m.setSessionRef(cs.ID, session.TypeChatting)
			return nil
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("create chatting session: %w", err)
	}
	m.setSessionRef(csID, session.TypeChatting)
	return nil
}

func (m *Manager) enterWork(chg *ChangeContext) error {
	m.clearSessionRef()
	gsID, err := m.sessions.EnsureGeneralSession()
	if err != nil {
		return fmt.Errorf("ensure general session: %w", err)
	}

	// A chat still open when work preempts ends as interrupted, and it
	// must end before the workflow session starts.
	if cs, ok := m.sessions.ActiveChatting(); ok {
		if err := m.sessions.EndChattingSession(cs.ID, true, session.ReasonWorkInterrupt); err != nil {
			m.logger.Warn("failed to end chat before work", "session_id", cs.ID, "error", err)
		}
	}

	text := ""
	wfType := ""
	if chg != nil {
		text = chg.Text
		wfType = chg.WorkflowType
	}
	taskType := session.TaskWorkflowAutomation
	if wfType == WorkflowTypeSystemReport {
		taskType = session.TaskSystemNotification
	}
	taskDef := map[string]any{"command": text}
	if wfType != "" {
		taskDef["workflow_type"] = wfType
	}

	wsID, err := m.sessions.CreateWorkflowSession(gsID, taskType, taskDef)
	if err != nil {
		return fmt.Errorf("create workflow session: %w", err)
	}
	m.setSessionRef(wsID, session.TypeWorkflow)
	return nil
}

func (m *Manager) enterMischief() error {
	if !m.cfg.MischiefEnabled {
		return ErrMischiefDisabled
	}
	m.clearSessionRef()
	m.markSpecialEntry()
	m.status.Suppress(workingctx.StatusHelpfulness, suppressedHelpfulness)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	executed := m.planAndRunMischief(ctx)

	// Mischief opens no session, so nothing will end one to complete
	// the queue item; it completes itself.
	m.completeQueueItem(StateMischief, true, map[string]any{"actions_executed": executed})
	return nil
}

// planAndRunMischief asks the planner for actions and executes the ones
// whose min_mood gate the current mood clears.
func (m *Manager) planAndRunMischief(ctx context.Context) int {
	if m.planner == nil {
		return 0
	}
	actions, err := m.planner.PlanMischief(ctx)
	if err != nil {
		m.logger.Warn("mischief planning failed", "error", err)
		return 0
	}

	mood := m.status.Get(workingctx.StatusMood)
	executed := 0
	for _, a := range actions {
		if min, ok := floatParam(a.Params, "min_mood"); ok && mood < min {
			m.logger.Debug("mood too low for mischief action",
				"action", a.ActionID, "min_mood", min, "mood", mood)
			continue
		}
		if m.actions == nil {
			continue
		}
		if err := m.actions.RunAction(ctx, a.ActionID, a.Params); err != nil {
			m.logger.Warn("mischief action failed", "action", a.ActionID, "error", err)
			continue
		}
		executed++
	}
	m.logger.Info("mischief run finished", "planned", len(actions), "executed", executed)
	return executed
}

func (m *Manager) enterSleep() error {
	m.clearSessionRef()
	m.markSpecialEntry()

	var parked []string
	if m.parker != nil {
		parked = m.parker.Park()
	}
	m.mu.Lock()
	m.sleptAt = time.Now()
	m.mu.Unlock()

	if err := m.writeSleepContext(parked); err != nil {
		m.logger.Warn("failed to write sleep context", "error", err)
	}
	m.logger.Info("entered sleep", "parked_modules", len(parked))
	return nil
}

func (m *Manager) enterError(chg *ChangeContext) {
	m.clearSessionRef()
	detail := ""
	if chg != nil {
		detail = chg.Text
	}
	m.logger.Error("entered error state", "detail", detail)
	m.completeQueueItem(StateError, false, map[string]any{"detail": detail})
}

// completeQueueItem completes the executing queue item only when it
// belongs to the given state, so a direct SetState cannot swallow an
// unrelated item's completion.
func (m *Manager) completeQueueItem(s State, success bool, result map[string]any) {
	it, ok := m.queue.CurrentItem()
	if !ok || it.State != s {
		return
	}
	m.queue.CompleteCurrentState(success, result, m.wctx.CycleIndex())
}

func (m *Manager) setSessionRef(id string, typ session.Type) {
	m.mu.Lock()
	m.sessionID = id
	m.sessionType = typ
	m.mu.Unlock()
}

func (m *Manager) clearSessionRef() {
	m.mu.Lock()
	m.sessionID = ""
	m.sessionType = ""
	m.mu.Unlock()
}

// ── sleep context file ──────────────────────────────────────────

type sleepContext struct {
	SleptAt       time.Time `json:"slept_at"`
	ParkedModules []string  `json:"parked_modules,omitempty"`
}

func (m *Manager) writeSleepContext(parked []string) error {
	if m.cfg.SleepContextPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(sleepContext{
		SleptAt:       time.Now(),
		ParkedModules: parked,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SleepContextPath, data, 0o644)
}

func (m *Manager) removeSleepContext() {
	if m.cfg.SleepContextPath == "" {
		return
	}
	if err := os.Remove(m.cfg.SleepContextPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove sleep context", "error", err)
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
