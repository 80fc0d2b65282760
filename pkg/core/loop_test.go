package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
)

func TestIdleTickKeepsCycleIndex(t *testing.T) {
	c, _, log := newTestCore(t)

	assert.False(t, c.loop.Tick(context.Background()))
	assert.Equal(t, 0, c.WorkingContext().CycleIndex())
	assert.Empty(t, ofType(log.drain(), bus.EventCycleCompleted))
}

func TestCycleCompletedFollowsOutputLayer(t *testing.T) {
	c, script, _ := newTestCore(t)
	script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		Raw: `{"text":"In order.","confidence":0.9}`,
	})

	// Ticks run on this goroutine and the bus dispatches inline, so a
	// plain slice records the true publish order.
	var order []bus.SystemEvent
	for _, typ := range []bus.SystemEvent{bus.EventOutputLayerComplete, bus.EventCycleCompleted} {
		c.Bus().Subscribe(typ, "order_"+string(typ), func(evt bus.Event) {
			order = append(order, evt.Type)
		})
	}

	require.NoError(t, c.InjectInput("Tell me something interesting.", "debug"))
	runUntilIdle(t, c)

	require.Len(t, order, 4, "two cycles, each output then completion")
	assert.Equal(t, []bus.SystemEvent{
		bus.EventOutputLayerComplete, bus.EventCycleCompleted,
		bus.EventOutputLayerComplete, bus.EventCycleCompleted,
	}, order)
}

func TestErrorCycleReportsErrorStatus(t *testing.T) {
	c, script, log := newTestCore(t)
	script.AddRouted(llm.ModeChat, llm.ScriptEntry{Err: errors.New("model offline")})

	require.NoError(t, c.InjectInput("Tell me a story.", "debug"))
	runUntilIdle(t, c)

	events := log.drain()
	completed := ofType(events, bus.EventCycleCompleted)
	require.Len(t, completed, 2)

	var first bus.CycleCompletedPayload
	require.NoError(t, bus.Decode(completed[0].Data, &first))
	assert.Equal(t, cycleStatusCompleted, first.Status)

	var second bus.CycleCompletedPayload
	require.NoError(t, bus.Decode(completed[1].Data, &second))
	assert.Equal(t, 2, second.CycleIndex)
	assert.Equal(t, cycleStatusError, second.Status)
	assert.Contains(t, second.Error, "processing layer")

	require.Len(t, ofType(events, bus.EventLayerError), 1)

	// The failed cycle still consumed its index; the loop keeps going.
	assert.Equal(t, 2, c.WorkingContext().CycleIndex())
	assert.False(t, c.loop.Tick(context.Background()))
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	c, script, log := newTestCore(t)
	waitCh := make(chan struct{})
	blocked := make(chan struct{}, 1)
	script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		Raw:     `{"text":"Done waiting.","confidence":0.9}`,
		WaitCh:  waitCh,
		OnBlock: blocked,
	})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.InjectInput("Tell me when you are ready.", "debug"))

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("reasoner never entered the blocking turn")
	}

	stopDone := make(chan struct{})
	var stopErr error
	go func() {
		stopErr = c.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(waitCh)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	require.NoError(t, stopErr)

	completed := ofType(log.drain(), bus.EventCycleCompleted)
	require.NotEmpty(t, completed)
	var last bus.CycleCompletedPayload
	require.NoError(t, bus.Decode(completed[len(completed)-1].Data, &last))
	assert.Equal(t, cycleStatusCompleted, last.Status, "in-flight cycle completed before teardown")
}

func TestEmergencyStopMarksError(t *testing.T) {
	c, _, log := newTestCore(t)
	require.NoError(t, c.Start(context.Background()))

	c.EmergencyStop("sensor meltdown")

	assert.False(t, c.StatusSnapshot().Running)
	assert.Equal(t, state.StateError, c.States().Current())

	changed := ofType(log.drain(), bus.EventStateChanged)
	require.NotEmpty(t, changed)
	var p bus.StateChangedPayload
	require.NoError(t, bus.Decode(changed[len(changed)-1].Data, &p))
	assert.Equal(t, string(state.StateError), p.NewState)
}

func TestIdleIntervalStaysInBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := idleInterval()
		require.GreaterOrEqual(t, d, idleSleepMin)
		require.Less(t, d, idleSleepMax)
	}
}
