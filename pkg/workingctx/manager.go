// Package workingctx holds the process-wide working context: a single
// ordered key/value hub for cross-module data, typed accumulation buckets
// that turn sample streams into decisions, and the shared status model.
package workingctx

import (
	"log/slog"
	"sync"
)

// Reserved keys with typed accessors. Components may store additional
// keys freely; these are the ones the core itself depends on.
const (
	KeyCurrentIdentityID  = "current_identity_id"
	KeyCurrentIdentity    = "current_identity"
	KeyCurrentCycleIndex  = "current_cycle_index"
	KeyDeclaredIdentityID = "declared_identity_id"
)

// IdentityRef is the working-context view of an identity: just enough for
// the processing layer to resolve prompts and memory isolation.
type IdentityRef struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	SpeakerID   string `json:"speaker_id,omitempty"`
	MemoryToken string `json:"memory_token"`
}

// Manager is the working context. All mutations are serialised by a
// single mutex; accumulation handlers are dispatched with the lock
// released so they may call back into the manager.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex // protects entries, order, accs
	entries  map[string]any
	order    []string // insertion order of keys
	accs     map[string]*Accumulation
	handlers map[string]DecisionHandler // keyed by accumulation type tag
}

// New creates an empty working context.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "working_context"),
		entries:  make(map[string]any),
		accs:     make(map[string]*Accumulation),
		handlers: make(map[string]DecisionHandler),
	}
}

// Set stores value under key, preserving first-insertion order.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = value
}

// Get returns the value stored under key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

// Delete removes key. Removing an absent key is a no-op.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		return
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Keys returns all keys in insertion order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// CycleIndex returns the current cycle index (0 before the first cycle).
func (m *Manager) CycleIndex() int {
	if v, ok := m.Get(KeyCurrentCycleIndex); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return 0
}

// IncrementCycleIndex bumps the cycle index and returns the new value.
func (m *Manager) IncrementCycleIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	if v, ok := m.entries[KeyCurrentCycleIndex].(int); ok {
		next = v
	}
	next++
	if _, exists := m.entries[KeyCurrentCycleIndex]; !exists {
		m.order = append(m.order, KeyCurrentCycleIndex)
	}
	m.entries[KeyCurrentCycleIndex] = next
	return next
}

// CurrentIdentity returns the resolved identity, if one is set.
func (m *Manager) CurrentIdentity() (IdentityRef, bool) {
	v, ok := m.Get(KeyCurrentIdentity)
	if !ok {
		return IdentityRef{}, false
	}
	ref, ok := v.(IdentityRef)
	return ref, ok
}

// SetCurrentIdentity stores the resolved identity and its id key.
func (m *Manager) SetCurrentIdentity(ref IdentityRef) {
	m.Set(KeyCurrentIdentity, ref)
	m.Set(KeyCurrentIdentityID, ref.IdentityID)
}

// DeclaredIdentityID returns the per-turn declared identity override.
func (m *Manager) DeclaredIdentityID() string {
	if v, ok := m.Get(KeyDeclaredIdentityID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetDeclaredIdentityID sets the declared override; ClearDeclaredIdentity
// removes it after the cycle that consumed it.
func (m *Manager) SetDeclaredIdentityID(id string) { m.Set(KeyDeclaredIdentityID, id) }

// ClearDeclaredIdentity removes the declared override.
func (m *Manager) ClearDeclaredIdentity() { m.Delete(KeyDeclaredIdentityID) }
