package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// Synth renders one chunk of text to speech. The registry's tts module
// satisfies it.
type Synth interface {
	Synthesize(ctx context.Context, text string) error
}

// Speaker chunks reply text and drives the synthesizer.
type Speaker struct {
	logger *slog.Logger
	bus    *bus.Bus
	budget int
}

// NewSpeaker creates a speaker with the given chunk budget. A non-positive
// budget uses DefaultChunkBudget.
func NewSpeaker(b *bus.Bus, budget int, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = DefaultChunkBudget
	}
	return &Speaker{
		logger: logger.With("component", "tts_speaker"),
		bus:    b,
		budget: budget,
	}
}

// Speak emits text chunk by chunk, publishing TTS_OUTPUT_GENERATED after
// each synthesized chunk. A nil synth skips synthesis but still publishes,
// so subtitles work without an audio device. Returns the number of chunks
// emitted; on a synthesis error, chunks already emitted stay emitted.
func (s *Speaker) Speak(ctx context.Context, synth Synth, cycleIndex int, text string) (int, error) {
	chunks := Chunk(text, s.budget)
	for i, chunk := range chunks {
		if synth != nil {
			if err := synth.Synthesize(ctx, chunk); err != nil {
				return i, fmt.Errorf("synthesize chunk %d/%d: %w", i+1, len(chunks), err)
			}
		}
		s.bus.Publish(bus.EventTTSOutputGenerated, bus.M(bus.TTSOutputPayload{
			CycleIndex: cycleIndex,
			ChunkIndex: i,
			ChunkCount: len(chunks),
			Text:       chunk,
		}), "tts_speaker")
	}
	if len(chunks) > 0 {
		s.logger.Debug("Spoke response", "cycle_index", cycleIndex, "chunks", len(chunks))
	}
	return len(chunks), nil
}
