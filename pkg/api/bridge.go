package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// bridgeHandlerName identifies the bridge's bus subscriptions so Stop
// can remove exactly what Start registered.
const bridgeHandlerName = "ws_bridge"

// bridgeQueueDepth is the frame backlog kept while WebSocket writes are
// slow. Bus handlers must not block, so overflow drops frames.
const bridgeQueueDepth = 256

// bridgedEvents is every system event forwarded on the events channel.
var bridgedEvents = []bus.SystemEvent{
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

// bridgedTicks is every frontend tick forwarded on the frontend channel.
var bridgedTicks = []string{"subtitle", "animation"}

// wsFrame is the JSON frame delivered to WebSocket subscribers.
type wsFrame struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBridge fans main-bus events and frontend ticks out to WebSocket
// subscribers. Session lifecycle events go to both the events firehose
// and the sessions channel. Frames queue through a bounded channel so a
// stalled client never holds up a bus publisher.
type EventBridge struct {
	logger *slog.Logger
	conns  *ConnectionManager
	main   *bus.Bus
	front  *bus.FrontendBus

	frames   chan wsFrame
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventBridge creates a bridge delivering to conns. Call Start to
// begin forwarding.
func NewEventBridge(conns *ConnectionManager, main *bus.Bus, front *bus.FrontendBus, logger *slog.Logger) *EventBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBridge{
		logger: logger.With("component", "ws_bridge"),
		conns:  conns,
		main:   main,
		front:  front,
		frames: make(chan wsFrame, bridgeQueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes the bridge to every forwarded event and tick and
// launches the forwarding goroutine.
func (b *EventBridge) Start() {
	for _, evt := range bridgedEvents {
		b.main.Subscribe(evt, bridgeHandlerName, b.forwardEvent)
	}
	if b.front != nil {
		for _, tick := range bridgedTicks {
			b.front.Subscribe(tick, bridgeHandlerName, b.forwardTick)
		}
	}

	b.wg.Add(1)
	go b.run()
}

// Stop removes every subscription Start registered and drains the
// forwarding goroutine.
func (b *EventBridge) Stop() {
	for _, evt := range bridgedEvents {
		b.main.Unsubscribe(evt, bridgeHandlerName)
	}
	if b.front != nil {
		for _, tick := range bridgedTicks {
			b.front.Unsubscribe(tick, bridgeHandlerName)
		}
	}

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *EventBridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case frame := <-b.frames:
			b.send(frame)
		}
	}
}

func (b *EventBridge) forwardEvent(evt bus.Event) {
	frame := wsFrame{
		Channel:   ChannelEvents,
		Type:      string(evt.Type),
		Data:      evt.Data,
		Source:    evt.Source,
		Timestamp: evt.Timestamp,
	}
	b.enqueue(frame)

	if evt.Type == bus.EventSessionStarted || evt.Type == bus.EventSessionEnded {
		frame.Channel = ChannelSessions
		b.enqueue(frame)
	}
}

func (b *EventBridge) forwardTick(evt bus.UIEvent) {
	b.enqueue(wsFrame{
		Channel:   ChannelFrontend,
		Type:      evt.Type,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
	})
}

// enqueue hands a frame to the forwarder without blocking the
// publishing goroutine. Full queue drops the frame.
func (b *EventBridge) enqueue(frame wsFrame) {
	select {
	case b.frames <- frame:
	default:
		b.logger.Warn("Bridge queue full, dropping frame",
			"channel", frame.Channel, "type", frame.Type)
	}
}

func (b *EventBridge) send(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Warn("Failed to marshal bridge frame",
			"channel", frame.Channel, "type", frame.Type, "error", err)
		return
	}
	b.conns.Broadcast(frame.Channel, data)
}
