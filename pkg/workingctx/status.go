package workingctx

import (
	"sync"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// Status model fields. Values live in [0, 1].
const (
	StatusMood        = "mood"
	StatusPride       = "pride"
	StatusHelpfulness = "helpfulness"
	StatusBoredom     = "boredom"
)

// StatusModel is the shared affect state updated by chat responses and
// read by the special-state entry checks. Every applied change publishes
// STATUS_UPDATED on the main bus.
type StatusModel struct {
	bus *bus.Bus

	mu     sync.Mutex // protects fields, saved
	fields map[string]float64
	saved  map[string]float64 // values stashed by Suppress, restored on Restore
}

// NewStatusModel creates the model with neutral defaults.
func NewStatusModel(b *bus.Bus) *StatusModel {
	return &StatusModel{
		bus: b,
		fields: map[string]float64{
			StatusMood:        0.5,
			StatusPride:       0.5,
			StatusHelpfulness: 0.8,
			StatusBoredom:     0.1,
		},
		saved: make(map[string]float64),
	}
}

// Get returns the current value of a field (0 for unknown fields).
func (s *StatusModel) Get(field string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields[field]
}

// Snapshot returns a copy of every field.
func (s *StatusModel) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Apply adds the given deltas, clamping each field to [0, 1]. Unknown
// field names are ignored. Events publish after the lock is released.
func (s *StatusModel) Apply(deltas map[string]float64) {
	type change struct {
		field             string
		prev, next, delta float64
	}

	s.mu.Lock()
	var changes []change
	for field, delta := range deltas {
		prev, known := s.fields[field]
		if !known || delta == 0 {
			continue
		}
		next := clamp01(prev + delta)
		if next == prev {
			continue
		}
		s.fields[field] = next
		changes = append(changes, change{field: field, prev: prev, next: next, delta: delta})
	}
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	for _, c := range changes {
		s.bus.Publish(bus.EventStatusUpdated, bus.M(bus.StatusUpdatedPayload{
			Field: c.field,
			Old:   c.prev,
			New:   c.next,
			Delta: c.delta,
		}), "status_model")
	}
}

// Set forces a field to a clamped absolute value (used by wake/exit paths).
func (s *StatusModel) Set(field string, value float64) {
	s.mu.Lock()
	if _, known := s.fields[field]; !known {
		s.mu.Unlock()
		return
	}
	old := s.fields[field]
	next := clamp01(value)
	s.fields[field] = next
	s.mu.Unlock()

	if s.bus != nil && next != old {
		s.bus.Publish(bus.EventStatusUpdated, bus.M(bus.StatusUpdatedPayload{
			Field: field,
			Old:   old,
			New:   next,
			Delta: next - old,
		}), "status_model")
	}
}

// Suppress stashes a field's value and pins it to the given floor. Used
// by the MISCHIEF entry to suppress helpfulness.
func (s *StatusModel) Suppress(field string, pinned float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.fields[field]; !known {
		return
	}
	if _, already := s.saved[field]; !already {
		s.saved[field] = s.fields[field]
	}
	s.fields[field] = clamp01(pinned)
}

// Restore undoes a Suppress. Fields without a stashed value are untouched.
func (s *StatusModel) Restore(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.saved[field]; ok {
		s.fields[field] = v
		delete(s.saved, field)
	}
}

// RestoreAll undoes every outstanding Suppress.
func (s *StatusModel) RestoreAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for field, v := range s.saved {
		s.fields[field] = v
		delete(s.saved, field)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
