package core

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/coordinator"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

// Idle backoff bounds. An idle tick sleeps a jittered interval inside
// [idleSleepMin, idleSleepMax] so concurrent deployments do not beat in
// phase against the capture source.
const (
	idleSleepMin = 10 * time.Millisecond
	idleSleepMax = 50 * time.Millisecond
)

// Cycle completion statuses carried on CYCLE_COMPLETED.
const (
	cycleStatusCompleted = "completed"
	cycleStatusError     = "error"
)

// Loop is the single worker goroutine that drives cycles. Exactly one
// cycle is in flight at any time: each tick advances the queue, runs
// the coordinator's three layers to completion, and only then publishes
// CYCLE_COMPLETED and moves the cycle index. The index is strictly
// monotonic and only moves for cycles that actually ran.
type Loop struct {
	logger *slog.Logger
	coord  *coordinator.Coordinator
	queue  *state.Queue
	wctx   *workingctx.Manager
	bus    *bus.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewLoop wires a stopped loop over the coordinator and queue.
func NewLoop(coord *coordinator.Coordinator, queue *state.Queue, wctx *workingctx.Manager, b *bus.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger.With("component", "loop"),
		coord:  coord,
		queue:  queue,
		wctx:   wctx,
		bus:    b,
		stopCh: make(chan struct{}),
	}
}

// Start begins ticking in a goroutine. Safe to call once per Loop.
func (l *Loop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("loop already started, ignoring duplicate Start call")
		return
	}
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight cycle to
// finish. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.running.Store(false)
}

// Running reports whether the loop goroutine is live.
func (l *Loop) Running() bool { return l.running.Load() }

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer l.running.Store(false)

	l.logger.Info("loop started")
	for {
		select {
		case <-l.stopCh:
			l.logger.Info("loop shutting down")
			return
		case <-ctx.Done():
			l.logger.Info("context cancelled, loop shutting down")
			return
		default:
			if !l.Tick(ctx) {
				l.sleep(idleInterval())
			}
		}
	}
}

// Tick runs one pass: promote the next queue item if the slot is free,
// then run a cycle at the next index. Returns whether a cycle ran; an
// idle pass leaves the cycle index untouched.
func (l *Loop) Tick(ctx context.Context) bool {
	l.queue.CheckAndAdvanceState()

	cycle := l.wctx.CycleIndex() + 1
	ran, err := l.coord.RunCycle(ctx, cycle)
	if !ran {
		return false
	}

	status := cycleStatusCompleted
	errText := ""
	if err != nil {
		status = cycleStatusError
		errText = err.Error()
		l.logger.Error("cycle failed", "cycle_index", cycle, "error", err)
	}
	l.bus.Publish(bus.EventCycleCompleted, bus.M(bus.CycleCompletedPayload{
		CycleIndex: cycle,
		State:      string(l.queue.CurrentState()),
		Status:     status,
		Error:      errText,
	}), "loop")
	l.wctx.IncrementCycleIndex()
	return true
}

// sleep waits for the given duration or until stop is signalled.
func (l *Loop) sleep(d time.Duration) {
	select {
	case <-l.stopCh:
	case <-time.After(d):
	}
}

// idleInterval returns a uniform draw from the idle backoff range.
func idleInterval() time.Duration {
	span := int64(idleSleepMax - idleSleepMin)
	return idleSleepMin + time.Duration(rand.Int63n(span))
}
