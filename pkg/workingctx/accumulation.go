package workingctx

import (
	"errors"
	"fmt"
)

// Sentinel errors for accumulation operations.
var (
	// ErrAccumulationExists indicates a bucket with that name already exists.
	ErrAccumulationExists = errors.New("accumulation context already exists")

	// ErrAccumulationNotFound indicates no bucket with that name exists.
	ErrAccumulationNotFound = errors.New("accumulation context not found")
)

// Decision is what a handler tells the manager to do with a bucket that
// crossed its threshold.
type Decision string

const (
	DecisionCreateIdentity Decision = "create_identity"
	DecisionContinue       Decision = "continue_accumulation"
	DecisionReset          Decision = "reset_accumulation"
)

// Accumulation is a typed sample bucket. The input layer feeds samples in
// without knowing what policy applies; the handler registered for the
// bucket's type tag owns the decision.
type Accumulation struct {
	Name      string
	TypeTag   string // e.g. "speaker_samples"
	Samples   []any
	Threshold int
	Metadata  map[string]any
	Resolved  bool
}

// DecisionHandler inspects a bucket that reached its threshold and
// returns the decision to apply. It receives a copy; mutations to the
// copy are not applied.
type DecisionHandler func(acc Accumulation) Decision

// RegisterAccumulationHandler installs the handler for a type tag,
// replacing any previous one.
func (m *Manager) RegisterAccumulationHandler(typeTag string, h DecisionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typeTag] = h
}

// CreateAccumulation creates a named bucket with the given type tag and
// sample-count threshold.
func (m *Manager) CreateAccumulation(name, typeTag string, threshold int, metadata map[string]any) error {
	if threshold < 1 {
		return fmt.Errorf("accumulation %q: threshold must be >= 1, got %d", name, threshold)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accs[name]; exists {
		return fmt.Errorf("%w: %s", ErrAccumulationExists, name)
	}
	m.accs[name] = &Accumulation{
		Name:      name,
		TypeTag:   typeTag,
		Threshold: threshold,
		Metadata:  metadata,
	}
	return nil
}

// Accumulation returns a copy of the named bucket.
func (m *Manager) Accumulation(name string) (Accumulation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accs[name]
	if !ok {
		return Accumulation{}, false
	}
	return copyAccumulation(acc), true
}

// AddSample appends a sample to the named bucket. When the sample count
// reaches the threshold (and the bucket is unresolved), the handler for
// the bucket's type tag is dispatched with the lock released and its
// decision is applied. Returns the decision taken, or "" when the bucket
// is still below threshold or already resolved.
func (m *Manager) AddSample(name string, sample any) (Decision, error) {
	m.mu.Lock()
	acc, ok := m.accs[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAccumulationNotFound, name)
	}
	acc.Samples = append(acc.Samples, sample)

	ready := !acc.Resolved && len(acc.Samples) >= acc.Threshold
	handler := m.handlers[acc.TypeTag]
	snapshot := copyAccumulation(acc)
	m.mu.Unlock()

	if !ready || handler == nil {
		return "", nil
	}

	decision := handler(snapshot)
	m.applyDecision(name, decision)
	return decision, nil
}

func (m *Manager) applyDecision(name string, decision Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accs[name]
	if !ok {
		return
	}
	switch decision {
	case DecisionCreateIdentity:
		acc.Resolved = true
	case DecisionReset:
		acc.Samples = nil
	case DecisionContinue:
		// keep collecting; the handler will be asked again on the next sample
	default:
		m.logger.Warn("Unknown accumulation decision", "accumulation", name, "decision", decision)
	}
}

func copyAccumulation(acc *Accumulation) Accumulation {
	out := *acc
	out.Samples = make([]any, len(acc.Samples))
	copy(out.Samples, acc.Samples)
	return out
}
