package e2e

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// waitForTimeout bounds every event wait. The loop idles tens of
// milliseconds between cycles, so seconds of headroom is plenty.
const waitForTimeout = 5 * time.Second

// recordedEvents is every system event the recorder captures.
var recordedEvents = []bus.SystemEvent{
	bus.EventInputLayerComplete,
	bus.EventProcessingLayerComplete,
	bus.EventOutputLayerComplete,
	bus.EventCycleCompleted,
	bus.EventLayerError,
	bus.EventStateAdvanced,
	bus.EventStateChanged,
	bus.EventSessionStarted,
	bus.EventSessionEnded,
	bus.EventLLMResponseGenerated,
	bus.EventMemoryCreated,
	bus.EventTTSOutputGenerated,
	bus.EventWorkflowStepCompleted,
	bus.EventWorkflowFailed,
	bus.EventSleepExited,
	bus.EventWakeReady,
	bus.EventStatusUpdated,
}

// EventRecorder keeps every system event in arrival order, for
// assertions on sequencing across the whole run.
type EventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

// NewEventRecorder subscribes a recorder to every system event.
func NewEventRecorder(b *bus.Bus) *EventRecorder {
	r := &EventRecorder{}
	for _, typ := range recordedEvents {
		b.Subscribe(typ, "e2e_recorder", r.record)
	}
	return r
}

func (r *EventRecorder) record(evt bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// All returns a snapshot of every recorded event in arrival order.
func (r *EventRecorder) All() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type, in arrival order.
func (r *EventRecorder) OfType(typ bus.SystemEvent) []bus.Event {
	var out []bus.Event
	for _, evt := range r.All() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// Count returns how many events of the given type arrived so far.
func (r *EventRecorder) Count(typ bus.SystemEvent) int {
	return len(r.OfType(typ))
}

// FirstIndex returns the arrival position of the first event of the
// given type matching pred, or -1. A nil pred matches any event of the
// type. Positions are comparable across types, which is what ordering
// assertions need.
func (r *EventRecorder) FirstIndex(typ bus.SystemEvent, pred func(bus.Event) bool) int {
	for i, evt := range r.All() {
		if evt.Type != typ {
			continue
		}
		if pred == nil || pred(evt) {
			return i
		}
	}
	return -1
}

// WaitFor blocks until an event matching pred arrives and returns it.
func (r *EventRecorder) WaitFor(t *testing.T, desc string, pred func(bus.Event) bool) bus.Event {
	t.Helper()
	var found bus.Event
	require.Eventually(t, func() bool {
		for _, evt := range r.All() {
			if pred(evt) {
				found = evt
				return true
			}
		}
		return false
	}, waitForTimeout, 20*time.Millisecond, desc)
	return found
}

// WaitForType blocks until the first event of the given type arrives.
func (r *EventRecorder) WaitForType(t *testing.T, typ bus.SystemEvent) bus.Event {
	t.Helper()
	return r.WaitFor(t, string(typ), func(evt bus.Event) bool { return evt.Type == typ })
}

// payload decodes an event's data into the given payload type.
func payload[T any](t *testing.T, evt bus.Event) T {
	t.Helper()
	var p T
	require.NoError(t, bus.Decode(evt.Data, &p))
	return p
}

// decodesTo reports whether the event's data decodes into T and
// satisfies pred. For use inside WaitFor predicates, where failing to
// decode means "not this one" rather than a test failure.
func decodesTo[T any](evt bus.Event, pred func(T) bool) bool {
	var p T
	if err := bus.Decode(evt.Data, &p); err != nil {
		return false
	}
	return pred(p)
}
