package config

// TTSConfig tunes speech output.
type TTSConfig struct {
	// ChunkBudget is the character budget per output chunk. Replies
	// longer than it are split at punctuation boundaries.
	ChunkBudget int `yaml:"chunk_budget"`
}

// DefaultTTSConfig returns the built-in TTS defaults.
func DefaultTTSConfig() *TTSConfig {
	return &TTSConfig{
		ChunkBudget: 120,
	}
}
