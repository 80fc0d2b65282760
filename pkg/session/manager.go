package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// Config tunes session lifecycle behaviour.
type Config struct {
	// MaxSessionAge is the inactivity limit before the sweeper force-ends a
	// session. Zero expires sessions on the very next sweep.
	MaxSessionAge time.Duration

	// RecordKeepDays bounds how long completed records are retained by the
	// nightly cleanup.
	RecordKeepDays int
}

// Manager owns the lifecycle of all sessions: creation, nesting rules,
// activity tracking, timeout sweeping, and the SESSION_STARTED /
// SESSION_ENDED events the rest of the core is driven by.
type Manager struct {
	logger  *slog.Logger
	bus     *bus.Bus
	records *RecordStore
	cfg     Config

	cron *cron.Cron

	mu        sync.RWMutex // protects sessions, generalID, chattingID
	sessions  map[string]*Session
	generalID string // active GS id, "" when none
	// chattingID tracks the single active CS per GS. Keyed by GS id so a
	// stale entry cannot outlive its parent.
	chattingID map[string]string
}

// NewManager creates the session manager. The record store may be nil when
// history persistence is not wanted (some unit tests).
func NewManager(b *bus.Bus, records *RecordStore, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger.With("component", "session_manager"),
		bus:        b,
		records:    records,
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		chattingID: make(map[string]string),
	}
}

// StartSweeper begins the periodic jobs: the one-second timeout sweep and
// the nightly record cleanup. Safe to call once.
func (m *Manager) StartSweeper() {
	if m.cron != nil {
		return
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 1s", m.SweepNow); err != nil {
		m.logger.Error("Failed to schedule timeout sweeper", "error", err)
	}
	if m.records != nil && m.cfg.RecordKeepDays > 0 {
		if _, err := m.cron.AddFunc("@daily", func() {
			removed := m.records.CleanupOldRecords(m.cfg.RecordKeepDays)
			if removed > 0 {
				m.logger.Info("Cleaned up old session records", "removed", removed)
			}
		}); err != nil {
			m.logger.Error("Failed to schedule record cleanup", "error", err)
		}
	}
	m.cron.Start()
}

// StopSweeper stops the periodic jobs and waits for a running sweep to end.
func (m *Manager) StopSweeper() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.cron = nil
}

// CreateGeneralSession opens the root scope. Fails with ErrAlreadyActive
// while another GS is active.
func (m *Manager) CreateGeneralSession(meta map[string]any) (string, error) {
	m.mu.Lock()
	if m.generalID != "" {
		id := m.generalID
		m.mu.Unlock()
		return "", fmt.Errorf("%w: general session %s", ErrAlreadyActive, id)
	}
	sess := m.newSessionLocked(TypeGeneral, "", meta)
	m.generalID = sess.ID
	m.mu.Unlock()

	m.sessionStarted(sess)
	return sess.ID, nil
}

// EnsureGeneralSession returns the active GS id, creating one when absent.
func (m *Manager) EnsureGeneralSession() (string, error) {
	m.mu.RLock()
	id := m.generalID
	m.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	return m.CreateGeneralSession(nil)
}

// EndGeneralSession closes the root scope. Active children are cascaded
// first with reason parent_ended, so their SESSION_ENDED events precede
// the GS's own.
func (m *Manager) EndGeneralSession(summary map[string]any) error {
	m.mu.RLock()
	gsID := m.generalID
	m.mu.RUnlock()
	if gsID == "" {
		return fmt.Errorf("%w: general", ErrNoActiveSession)
	}

	for _, child := range m.activeChildren(gsID) {
		if err := m.endSession(child.ID, ReasonParentEnded, nil); err != nil {
			m.logger.Warn("Failed to cascade child session end",
				"session_id", child.ID, "error", err)
		}
	}
	return m.endSession(gsID, ReasonCompleted, summary)
}

// CreateChattingSession opens a CS under the given GS. Fails with
// ErrNoParent when the GS is missing or inactive, and with
// ErrAlreadyActive when a CS already runs under that GS.
func (m *Manager) CreateChattingSession(gsID string, identityCtx map[string]any) (string, error) {
	m.mu.Lock()
	parent, ok := m.sessions[gsID]
	if !ok || parent.Type != TypeGeneral || !parent.Active() {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoParent, gsID)
	}
	if existing := m.chattingID[gsID]; existing != "" {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: chatting session %s", ErrAlreadyActive, existing)
	}
	sess := m.newSessionLocked(TypeChatting, gsID, nil)
	sess.IdentityContext = identityCtx
	m.chattingID[gsID] = sess.ID
	parent.LastActivity = time.Now()
	m.mu.Unlock()

	m.sessionStarted(sess)
	return sess.ID, nil
}

// CreateWorkflowSession opens a WS under the given GS. Any number of WS
// may coexist. The SYSTEM_NOTIFICATION task type marks a WS that carries a
// background report through the processing layer without a workflow engine.
func (m *Manager) CreateWorkflowSession(gsID, taskType string, taskDef map[string]any) (string, error) {
	if taskType == "" {
		taskType = TaskWorkflowAutomation
	}
	m.mu.Lock()
	parent, ok := m.sessions[gsID]
	if !ok || parent.Type != TypeGeneral || !parent.Active() {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoParent, gsID)
	}
	sess := m.newSessionLocked(TypeWorkflow, gsID, nil)
	sess.TaskType = taskType
	sess.TaskDefinition = taskDef
	parent.LastActivity = time.Now()
	m.mu.Unlock()

	m.sessionStarted(sess)
	return sess.ID, nil
}

// EndChattingSession closes a CS. saveMemory is carried on the event
// payload so the processing side can decide whether to write a final
// snapshot; the manager itself does not touch the memory store.
func (m *Manager) EndChattingSession(id string, saveMemory bool, reason EndReason) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	valid := ok && sess.Type == TypeChatting
	m.mu.RUnlock()
	if !valid {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.endSession(id, reason, map[string]any{"save_memory": saveMemory})
}

// EndWorkflowSession closes a WS with its result payload.
func (m *Manager) EndWorkflowSession(id string, result map[string]any, reason EndReason) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	valid := ok && sess.Type == TypeWorkflow
	m.mu.RUnlock()
	if !valid {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.endSession(id, reason, result)
}

// Touch refreshes a session's last-activity stamp. Every inbound event for
// a session must route through here so the timeout sweeper sees liveness.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && sess.Active() {
		sess.LastActivity = time.Now()
	}
}

// Get returns a copy of the session with the given id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ActiveGeneral returns the active GS, if any.
func (m *Manager) ActiveGeneral() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.generalID == "" {
		return Session{}, false
	}
	sess, ok := m.sessions[m.generalID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ActiveChatting returns the active CS under the active GS, if any.
func (m *Manager) ActiveChatting() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	csID := m.chattingID[m.generalID]
	if csID == "" {
		return Session{}, false
	}
	sess, ok := m.sessions[csID]
	if !ok || !sess.Active() {
		return Session{}, false
	}
	return *sess, true
}

// ActiveWorkflows returns the active WS list under the given GS.
func (m *Manager) ActiveWorkflows(gsID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, sess := range m.sessions {
		if sess.Type == TypeWorkflow && sess.ParentID == gsID && sess.Active() {
			out = append(out, *sess)
		}
	}
	return out
}

// List returns a copy of every tracked session.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out
}

// ActiveCounts returns the number of active sessions per type.
func (m *Manager) ActiveCounts() map[Type]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Type]int, 3)
	for _, sess := range m.sessions {
		if sess.Active() {
			counts[sess.Type]++
		}
	}
	return counts
}

// SweepNow runs one timeout sweep: every active session older than
// MaxSessionAge is force-ended with reason timeout. Exposed so tests can
// sweep without waiting on the cron schedule.
func (m *Manager) SweepNow() {
	now := time.Now()

	m.mu.RLock()
	var expired []*Session
	for _, sess := range m.sessions {
		if sess.Active() && now.Sub(sess.LastActivity) > m.cfg.MaxSessionAge {
			expired = append(expired, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range expired {
		// A GS drags its children down first so their ended events are
		// observed before the parent's.
		if sess.Type == TypeGeneral {
			for _, child := range m.activeChildren(sess.ID) {
				if err := m.endSession(child.ID, ReasonParentEnded, nil); err != nil {
					m.logger.Warn("Failed to cascade timeout to child",
						"session_id", child.ID, "error", err)
				}
			}
		}
		if err := m.endSession(sess.ID, ReasonTimeout, nil); err != nil {
			// Already ended by an earlier cascade in this sweep.
			continue
		}
		m.logger.Info("Session timed out",
			"session_id", sess.ID,
			"session_type", sess.Type,
			"max_session_age", m.cfg.MaxSessionAge)
	}
}

// newSessionLocked builds and registers a session. Caller holds m.mu.
func (m *Manager) newSessionLocked(t Type, parentID string, meta map[string]any) *Session {
	now := time.Now()
	sess := &Session{
		ID:           newSessionID(t),
		Type:         t,
		Status:       StatusActive,
		ParentID:     parentID,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     meta,
	}
	m.sessions[sess.ID] = sess
	return sess
}

// activeChildren snapshots the active CS/WS under a GS.
func (m *Manager) activeChildren(gsID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, sess := range m.sessions {
		if sess.ParentID == gsID && sess.Active() {
			out = append(out, *sess)
		}
	}
	return out
}

// endSession transitions a session to its terminal status, updates the
// indexes, appends the completion record, and publishes SESSION_ENDED.
// The bus publish happens with the lock released.
func (m *Manager) endSession(id string, reason EndReason, summary map[string]any) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !sess.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", ErrSessionNotFound, id, sess.Status)
	}

	now := time.Now()
	switch reason {
	case ReasonError:
		sess.Status = StatusError
	case ReasonTimeout, ReasonParentEnded, ReasonWorkInterrupt:
		sess.Status = StatusTerminated
	default:
		sess.Status = StatusCompleted
	}
	sess.EndReason = reason
	sess.EndedAt = &now

	if sess.Type == TypeGeneral && m.generalID == id {
		m.generalID = ""
	}
	if sess.Type == TypeChatting && m.chattingID[sess.ParentID] == id {
		delete(m.chattingID, sess.ParentID)
	}
	ended := *sess
	m.mu.Unlock()

	if m.records != nil {
		m.records.Append(Record{
			SessionID:   ended.ID,
			SessionType: ended.Type,
			Kind:        RecordCompleted,
			Status:      ended.Status,
			Reason:      reason,
			Summary:     summary,
		})
	}
	if m.bus != nil {
		m.bus.Publish(bus.EventSessionEnded, bus.M(bus.SessionEndedPayload{
			SessionID:   ended.ID,
			SessionType: string(ended.Type),
			Reason:      string(reason),
			Summary:     summary,
		}), "session_manager")
	}
	return nil
}

// sessionStarted records and announces a freshly created session.
func (m *Manager) sessionStarted(sess *Session) {
	if m.records != nil {
		m.records.Append(Record{
			SessionID:   sess.ID,
			SessionType: sess.Type,
			Kind:        RecordCreated,
			Status:      StatusActive,
		})
	}
	if m.bus != nil {
		m.bus.Publish(bus.EventSessionStarted, bus.M(bus.SessionStartedPayload{
			SessionID:   sess.ID,
			SessionType: string(sess.Type),
			ParentID:    sess.ParentID,
		}), "session_manager")
	}
	m.logger.Info("Session started",
		"session_id", sess.ID,
		"session_type", sess.Type,
		"parent_id", sess.ParentID)
}
