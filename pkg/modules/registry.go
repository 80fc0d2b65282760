// Package modules manages the pluggable capability modules the runtime
// reaches by kind: stt, nlp, llm, mem, tts, sys, ui, ani, mov. The registry
// hands out typed views of whatever is registered and parks the perception
// and presentation modules while the system sleeps.
package modules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Kind names a capability slot.
type Kind string

const (
	KindSTT Kind = "stt"
	KindNLP Kind = "nlp"
	KindLLM Kind = "llm"
	KindMem Kind = "mem"
	KindTTS Kind = "tts"
	KindSys Kind = "sys"
	KindUI  Kind = "ui"
	KindAni Kind = "ani"
	KindMov Kind = "mov"
)

// AllKinds lists every capability slot in canonical order.
var AllKinds = []Kind{KindSTT, KindNLP, KindLLM, KindMem, KindTTS, KindSys, KindUI, KindAni, KindMov}

// parkableKinds are unloaded during sleep. Memory, reasoning, and system
// action modules stay live so sleep-time housekeeping can still run.
var parkableKinds = []Kind{KindSTT, KindNLP, KindTTS, KindUI, KindAni, KindMov}

// Valid reports whether k names a known capability slot.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownKind indicates a kind outside the canonical slot list.
	ErrUnknownKind = errors.New("unknown module kind")

	// ErrUnknownAction indicates an action id the sys module does not serve.
	ErrUnknownAction = errors.New("unknown system action")
)

// Module is the minimal surface every capability module shares.
type Module interface {
	Name() string
}

// Input is one unit of captured user input.
type Input struct {
	Text      string
	SpeakerID string
}

// Capture produces user input when available. TryCapture must not block the
// calling cycle; it returns ok=false when nothing is pending. Implemented by
// the stt module.
type Capture interface {
	Module
	TryCapture(ctx context.Context) (Input, bool, error)
}

// Synthesizer renders reply text to speech. Implemented by the tts module.
type Synthesizer interface {
	Module
	Synthesize(ctx context.Context, text string) error
}

// ActionExecutor performs named system actions. Implemented by the sys
// module; the workflow runner executes its steps through this.
type ActionExecutor interface {
	Module
	ExecuteAction(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Surface receives presentation events. Implemented by ui, ani, and mov
// modules.
type Surface interface {
	Module
	Present(ctx context.Context, event string, payload map[string]any) error
}

// Registry holds the registered capability modules by kind.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex // protects modules and parked
	modules map[Kind]Module
	parked  map[Kind]Module
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "module_registry"),
		modules: make(map[Kind]Module),
		parked:  make(map[Kind]Module),
	}
}

// Register installs a module in its slot. Re-registering a kind replaces the
// previous module and discards any parked copy.
func (r *Registry) Register(kind Kind, m Module) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if m == nil {
		return fmt.Errorf("nil module for kind %q", kind)
	}

	r.mu.Lock()
	r.modules[kind] = m
	delete(r.parked, kind)
	r.mu.Unlock()

	r.logger.Debug("Module registered", "kind", string(kind), "name", m.Name())
	return nil
}

// Get returns the active module for a kind. Parked modules are unavailable.
func (r *Registry) Get(kind Kind) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[kind]
	return m, ok
}

// Capture returns the stt module when one is registered and capture-capable.
func (r *Registry) Capture() (Capture, bool) {
	m, ok := r.Get(KindSTT)
	if !ok {
		return nil, false
	}
	c, ok := m.(Capture)
	return c, ok
}

// Synthesizer returns the tts module when one is registered.
func (r *Registry) Synthesizer() (Synthesizer, bool) {
	m, ok := r.Get(KindTTS)
	if !ok {
		return nil, false
	}
	s, ok := m.(Synthesizer)
	return s, ok
}

// Actions returns the sys module when one is registered.
func (r *Registry) Actions() (ActionExecutor, bool) {
	m, ok := r.Get(KindSys)
	if !ok {
		return nil, false
	}
	a, ok := m.(ActionExecutor)
	return a, ok
}

// Surfaces returns every registered presentation surface in canonical order.
func (r *Registry) Surfaces() []Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Surface
	for _, kind := range []Kind{KindUI, KindAni, KindMov} {
		if s, ok := r.modules[kind].(Surface); ok {
			out = append(out, s)
		}
	}
	return out
}

// Kinds returns the active slot names in canonical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for _, kind := range AllKinds {
		if _, ok := r.modules[kind]; ok {
			out = append(out, string(kind))
		}
	}
	return out
}

// Park unloads the perception and presentation modules for sleep and returns
// the parked slot names.
func (r *Registry) Park() []string {
	r.mu.Lock()
	var names []string
	for _, kind := range parkableKinds {
		if m, ok := r.modules[kind]; ok {
			r.parked[kind] = m
			delete(r.modules, kind)
			names = append(names, string(kind))
		}
	}
	r.mu.Unlock()

	r.logger.Info("Modules parked", "kinds", names)
	return names
}

// Restore reinstates every parked module and returns the restored slot names.
func (r *Registry) Restore() []string {
	r.mu.Lock()
	var names []string
	for _, kind := range parkableKinds {
		if m, ok := r.parked[kind]; ok {
			r.modules[kind] = m
			delete(r.parked, kind)
			names = append(names, string(kind))
		}
	}
	r.mu.Unlock()

	r.logger.Info("Modules restored", "kinds", names)
	return names
}

// Close shuts down every module, parked included, that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := make([]Module, 0, len(r.modules)+len(r.parked))
	for _, m := range r.modules {
		all = append(all, m)
	}
	for _, m := range r.parked {
		all = append(all, m)
	}
	r.modules = make(map[Kind]Module)
	r.parked = make(map[Kind]Module)
	r.mu.Unlock()

	var errs []error
	for _, m := range all {
		if closer, ok := m.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", m.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
