package bus

import (
	"log/slog"
	"sync"
	"time"
)

// slowHandlerBudget is how long a frontend handler may run before a
// warning is logged. Frontend ticks arrive at UI frame rates, so a slow
// subscriber degrades the whole surface.
const slowHandlerBudget = 5 * time.Millisecond

// UIEvent is a frontend tick (cursor, drag, animation frame, subtitle).
// Event names are free-form; the frontend owns its vocabulary.
type UIEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// UIHandler consumes one frontend tick.
type UIHandler func(evt UIEvent)

type uiSubscription struct {
	name    string
	handler UIHandler
}

// FrontendBus serves high-frequency UI events with inline, same-goroutine
// dispatch and no queueing. Handlers exceeding slowHandlerBudget are
// warned about, never killed.
type FrontendBus struct {
	logger *slog.Logger

	mu   sync.RWMutex // protects subs
	subs map[string][]uiSubscription
}

// NewFrontend creates an empty frontend bus.
func NewFrontend(logger *slog.Logger) *FrontendBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrontendBus{
		logger: logger.With("component", "frontend_bus"),
		subs:   make(map[string][]uiSubscription),
	}
}

// Subscribe registers handler under handlerName for the given tick type.
// Duplicate names for the same type are a no-op returning false.
func (b *FrontendBus) Subscribe(evtType, handlerName string, handler UIHandler) bool {
	if handler == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[evtType] {
		if sub.name == handlerName {
			return false
		}
	}
	b.subs[evtType] = append(b.subs[evtType], uiSubscription{name: handlerName, handler: handler})
	return true
}

// Unsubscribe removes the named handler for the given tick type.
func (b *FrontendBus) Unsubscribe(evtType, handlerName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[evtType]
	for i, sub := range subs {
		if sub.name == handlerName {
			b.subs[evtType] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the tick inline to every subscriber, timing each one.
func (b *FrontendBus) Publish(evtType string, data map[string]any) {
	b.mu.RLock()
	subs := make([]uiSubscription, len(b.subs[evtType]))
	copy(subs, b.subs[evtType])
	b.mu.RUnlock()

	event := UIEvent{Type: evtType, Data: data, Timestamp: time.Now()}

	for _, sub := range subs {
		start := time.Now()
		b.dispatchUI(sub, event)
		if elapsed := time.Since(start); elapsed > slowHandlerBudget {
			b.logger.Warn("Slow frontend handler",
				"event_type", evtType,
				"handler", sub.name,
				"elapsed", elapsed)
		}
	}
}

func (b *FrontendBus) dispatchUI(sub uiSubscription, event UIEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Frontend handler panicked",
				"event_type", event.Type,
				"handler", sub.name,
				"panic", r)
		}
	}()
	sub.handler(event)
}
