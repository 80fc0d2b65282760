package config

// LLMConfig selects and tunes the reasoning backend.
type LLMConfig struct {
	// Provider picks the backend: "anthropic" or "scripted".
	Provider ProviderType `yaml:"provider"`

	// Model is the model identifier passed to the provider. Required
	// for the anthropic provider, ignored by the scripted one.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// MaxTokens caps the completion length per turn.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:  ProviderTypeAnthropic,
		Model:     "claude-sonnet-4-20250514",
		APIKeyEnv: "ANTHROPIC_API_KEY",
		MaxTokens: 1024,
	}
}
