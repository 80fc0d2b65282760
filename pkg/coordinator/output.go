package coordinator

import (
	"context"
	"fmt"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/tts"
)

// outputLayer speaks the processed text and mirrors it to the frontend.
// A cycle with nothing to say (an enqueue, an interrupt, a pure tool
// call) produces zero chunks and no frontend traffic.
func (c *Coordinator) outputLayer(ctx context.Context, cycle int, proc processed) (int, error) {
	if proc.text == "" {
		return 0, nil
	}
	chunks, err := c.speaker.Speak(ctx, c.voice(), cycle, proc.text)
	if err != nil {
		return chunks, fmt.Errorf("speak: %w", err)
	}
	c.publishFrontend(cycle, proc)
	return chunks, nil
}

// voice returns the registered synthesizer, or nil so the speaker still
// publishes subtitle events when no audio device is attached.
func (c *Coordinator) voice() tts.Synth {
	if s, ok := c.modules.Synthesizer(); ok {
		return s
	}
	return nil
}

func (c *Coordinator) publishFrontend(cycle int, proc processed) {
	if c.frontend == nil || len(c.modules.Surfaces()) == 0 {
		return
	}
	c.frontend.Publish("subtitle", map[string]any{
		"cycle_index": cycle,
		"text":        proc.text,
	})
	c.frontend.Publish("animation", map[string]any{
		"cycle_index": cycle,
		"cue":         animationCue(proc.mode),
	})
}

func animationCue(mode llm.Mode) string {
	switch mode {
	case llm.ModeWork:
		return "focused"
	case llm.ModeInternal:
		return "alert"
	default:
		return "talking"
	}
}

// failCycle runs the degraded tail of a cycle: report the layer error,
// speak the fallback line, close the layer contract with an errored
// output event, and end the session the cycle was running under.
func (c *Coordinator) failCycle(ctx context.Context, cycle int, layer string, ref sessionRef, cause error) error {
	c.logger.Error("cycle layer failed",
		"cycle", cycle,
		"layer", layer,
		"error", cause)
	c.bus.Publish(bus.EventLayerError, bus.M(bus.LayerErrorPayload{
		CycleIndex: cycle,
		Layer:      layer,
		Error:      cause.Error(),
	}), "coordinator")

	chunks, err := c.speaker.Speak(ctx, c.voice(), cycle, FallbackText)
	if err != nil {
		c.logger.Error("fallback line failed", "error", err)
	}
	c.bus.Publish(bus.EventOutputLayerComplete, bus.M(bus.OutputLayerCompletePayload{
		CycleIndex: cycle,
		Chunks:     chunks,
		Errored:    true,
	}), "coordinator")

	if ref.id != "" {
		c.flagSessionEnd(ref.id, ref.typ, session.ReasonError, map[string]any{
			"layer": layer,
			"error": cause.Error(),
		})
	}
	c.flushSessionEnds()
	return fmt.Errorf("%s layer: %w", layer, cause)
}
