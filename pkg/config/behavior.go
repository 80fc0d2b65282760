package config

import "time"

// BehaviorConfig contains the autonomy policy: when the system drifts
// into SLEEP or MISCHIEF on its own.
type BehaviorConfig struct {
	// MischiefEnabled gates MISCHIEF transitions entirely.
	MischiefEnabled bool

	// SleepBoredom is the boredom level at which an idle system queues
	// SLEEP on its own.
	SleepBoredom float64

	// MischiefBoredom and MischiefMood must both be reached for the
	// system to queue MISCHIEF.
	MischiefBoredom float64
	MischiefMood    float64

	// SpecialStateDebounce is the minimum gap between two self-queued
	// special states.
	SpecialStateDebounce time.Duration
}

// DefaultBehaviorConfig returns the built-in behavior defaults.
// Mischief stays off unless switched on explicitly.
func DefaultBehaviorConfig() *BehaviorConfig {
	return &BehaviorConfig{
		MischiefEnabled:      false,
		SleepBoredom:         0.85,
		MischiefBoredom:      0.6,
		MischiefMood:         0.7,
		SpecialStateDebounce: 30 * time.Second,
	}
}
