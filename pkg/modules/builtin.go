package modules

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// QueueCapture is a channel-fed capture module. Text pushed through Push is
// returned by the next TryCapture. It backs the HTTP input endpoint and
// tests; a real microphone module would implement Capture the same way.
type QueueCapture struct {
	ch chan Input
}

// NewQueueCapture creates a capture module buffering up to size inputs.
func NewQueueCapture(size int) *QueueCapture {
	if size <= 0 {
		size = 16
	}
	return &QueueCapture{ch: make(chan Input, size)}
}

// Name implements Module.
func (q *QueueCapture) Name() string { return "queue_capture" }

// Push enqueues one input. Returns false when the buffer is full.
func (q *QueueCapture) Push(text, speakerID string) bool {
	select {
	case q.ch <- Input{Text: text, SpeakerID: speakerID}:
		return true
	default:
		return false
	}
}

// TryCapture implements Capture without blocking.
func (q *QueueCapture) TryCapture(ctx context.Context) (Input, bool, error) {
	select {
	case <-ctx.Done():
		return Input{}, false, ctx.Err()
	case in := <-q.ch:
		return in, true, nil
	default:
		return Input{}, false, nil
	}
}

// NullSynthesizer discards speech output. Used when no audio device is
// attached.
type NullSynthesizer struct{}

func (NullSynthesizer) Name() string                                { return "null_tts" }
func (NullSynthesizer) Synthesize(_ context.Context, _ string) error { return nil }

// RecordingSynthesizer keeps every synthesized line for inspection.
type RecordingSynthesizer struct {
	mu    sync.Mutex // protects lines
	lines []string
}

// NewRecordingSynthesizer creates an empty recording synthesizer.
func NewRecordingSynthesizer() *RecordingSynthesizer {
	return &RecordingSynthesizer{}
}

// Name implements Module.
func (r *RecordingSynthesizer) Name() string { return "recording_tts" }

// Synthesize implements Synthesizer.
func (r *RecordingSynthesizer) Synthesize(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
	return nil
}

// Spoken returns a copy of every line synthesized so far.
func (r *RecordingSynthesizer) Spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// DemoSystemActions is the built-in sys module. It serves the catalogue's
// workflow actions with canned results and runs mischief actions as no-ops,
// recording everything it executed.
type DemoSystemActions struct {
	startedAt time.Time

	mu       sync.Mutex // protects executed
	executed []string
}

// NewDemoSystemActions creates the built-in sys module.
func NewDemoSystemActions() *DemoSystemActions {
	return &DemoSystemActions{startedAt: time.Now()}
}

// Name implements Module.
func (d *DemoSystemActions) Name() string { return "demo_sys" }

// ExecuteAction implements ActionExecutor for the workflow runner.
func (d *DemoSystemActions) ExecuteAction(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	d.record(action)

	switch action {
	case "get_weather":
		city := "Taipei"
		if v, ok := params["city"].(string); ok && v != "" {
			city = v
		}
		return map[string]any{
			"city":          city,
			"condition":     "sunny",
			"temperature_c": 24,
			"humidity":      0.4,
		}, nil

	case "system_report":
		return map[string]any{
			"status":          "nominal",
			"battery_percent": 87,
			"uptime_s":        time.Since(d.startedAt).Seconds(),
		}, nil

	case "compose_reply":
		text := "All done."
		if city, ok := params["city"].(string); ok && city != "" {
			text = fmt.Sprintf("Weather for %s: sunny, 24 degrees.", city)
		}
		return map[string]any{"text": text}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

// RunAction executes one mischief action. The demo module accepts a small
// fixed set and does nothing beyond recording the call.
func (d *DemoSystemActions) RunAction(_ context.Context, actionID string, _ map[string]any) error {
	switch actionID {
	case "flip_screen", "beep", "wiggle_window", "hide_cursor":
		d.record(actionID)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
}

// Executed returns a copy of every action run so far, in order.
func (d *DemoSystemActions) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.executed))
	copy(out, d.executed)
	return out
}

func (d *DemoSystemActions) record(action string) {
	d.mu.Lock()
	d.executed = append(d.executed, action)
	d.mu.Unlock()
}
