package config

import "time"

// RuntimeConfig contains core loop and storage settings.
type RuntimeConfig struct {
	// MemoryDir is the directory holding every persisted artifact:
	// identities, snapshots, session records, the state queue, and the
	// sleep context.
	MemoryDir string

	// CaptureBuffer is the depth of the input capture channel. Pushes
	// beyond it are rejected as backlog.
	CaptureBuffer int

	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryDir:     "./memory",
		CaptureBuffer: 16,
		ToolTimeout:   30 * time.Second,
	}
}
