package bus

import (
	"log/slog"
	"sync"
	"time"
)

// subscription pairs a handler with the name it was registered under.
type subscription struct {
	name    string
	handler Handler
}

// Bus is the main lifecycle event bus. Delivery is synchronous and
// in subscription order; see the package doc for the full contract.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex // protects subs
	subs map[SystemEvent][]subscription
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[SystemEvent][]subscription),
	}
}

// Subscribe registers handler under handlerName for the given event type.
// Returns false (and changes nothing) when the same name is already
// subscribed for that event type.
func (b *Bus) Subscribe(evt SystemEvent, handlerName string, handler Handler) bool {
	if handler == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[evt] {
		if sub.name == handlerName {
			return false
		}
	}
	b.subs[evt] = append(b.subs[evt], subscription{name: handlerName, handler: handler})
	return true
}

// Unsubscribe removes the named handler for the given event type.
// Returns false when no such subscription exists.
func (b *Bus) Unsubscribe(evt SystemEvent, handlerName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[evt]
	for i, sub := range subs {
		if sub.name == handlerName {
			b.subs[evt] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the event to every subscriber of evt, synchronously,
// in subscription order. A panicking handler is logged and skipped; the
// remaining handlers still run. The subscriber list is snapshotted before
// dispatch so no lock is held while handlers execute.
func (b *Bus) Publish(evt SystemEvent, data map[string]any, source string) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[evt]))
	copy(subs, b.subs[evt])
	b.mu.RUnlock()

	event := Event{
		Type:      evt,
		Data:      data,
		Source:    source,
		Timestamp: time.Now(),
	}

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

// SubscriberCount returns the number of handlers registered for evt.
func (b *Bus) SubscriberCount(evt SystemEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[evt])
}

func (b *Bus) dispatch(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event_type", event.Type,
				"handler", sub.name,
				"panic", r)
		}
	}()
	sub.handler(event)
}
