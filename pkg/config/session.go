package config

import "time"

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	// MaxAge is the inactivity limit before the sweeper force-ends a
	// session.
	MaxAge time.Duration

	// RecordKeepDays bounds how long completed session records are
	// retained by the nightly cleanup. Zero disables the cleanup.
	RecordKeepDays int
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MaxAge:         5 * time.Minute,
		RecordKeepDays: 30,
	}
}
