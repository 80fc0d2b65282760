package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateRuntime(); err != nil {
		return fmt.Errorf("runtime validation failed: %w", err)
	}

	if err := v.validateSession(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if err := v.validateBehavior(); err != nil {
		return fmt.Errorf("behavior validation failed: %w", err)
	}

	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}

	if err := v.validateTTS(); err != nil {
		return fmt.Errorf("tts validation failed: %w", err)
	}

	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateRuntime() error {
	rt := v.cfg.Runtime
	if rt == nil {
		return NewValidationError("runtime", "", ErrMissingRequiredField)
	}

	if rt.MemoryDir == "" {
		return NewValidationError("runtime", "memory_dir", ErrMissingRequiredField)
	}
	if rt.CaptureBuffer < 1 {
		return NewValidationError("runtime", "capture_buffer", fmt.Errorf("must be at least 1: %w", ErrInvalidValue))
	}
	if rt.ToolTimeout <= 0 {
		return NewValidationError("runtime", "tool_timeout", fmt.Errorf("must be positive: %w", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session
	if s == nil {
		return NewValidationError("session", "", ErrMissingRequiredField)
	}

	if s.MaxAge <= 0 {
		return NewValidationError("session", "max_age", fmt.Errorf("must be positive: %w", ErrInvalidValue))
	}
	if s.RecordKeepDays < 0 {
		return NewValidationError("session", "record_keep_days", fmt.Errorf("must not be negative: %w", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateBehavior() error {
	b := v.cfg.Behavior
	if b == nil {
		return NewValidationError("behavior", "", ErrMissingRequiredField)
	}

	levels := []struct {
		field string
		value float64
	}{
		{"sleep_boredom", b.SleepBoredom},
		{"mischief_boredom", b.MischiefBoredom},
		{"mischief_mood", b.MischiefMood},
	}
	for _, l := range levels {
		if l.value < 0 || l.value > 1 {
			return NewValidationError("behavior", l.field, fmt.Errorf("must be between 0 and 1: %w", ErrInvalidValue))
		}
	}
	if b.SpecialStateDebounce < 0 {
		return NewValidationError("behavior", "special_state_debounce", fmt.Errorf("must not be negative: %w", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l == nil {
		return NewValidationError("llm", "", ErrMissingRequiredField)
	}

	if !l.Provider.IsValid() {
		return NewValidationError("llm", "provider", fmt.Errorf("unknown provider %q: %w", l.Provider, ErrInvalidValue))
	}
	if l.Provider == ProviderTypeAnthropic {
		if l.Model == "" {
			return NewValidationError("llm", "model", fmt.Errorf("required for provider %q: %w", l.Provider, ErrMissingRequiredField))
		}
		if l.APIKeyEnv == "" {
			return NewValidationError("llm", "api_key_env", fmt.Errorf("required for provider %q: %w", l.Provider, ErrMissingRequiredField))
		}
	}
	if l.MaxTokens < 1 {
		return NewValidationError("llm", "max_tokens", fmt.Errorf("must be at least 1: %w", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateTTS() error {
	t := v.cfg.TTS
	if t == nil {
		return NewValidationError("tts", "", ErrMissingRequiredField)
	}

	if t.ChunkBudget < 1 {
		return NewValidationError("tts", "chunk_budget", fmt.Errorf("must be at least 1: %w", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s == nil {
		return NewValidationError("server", "", ErrMissingRequiredField)
	}

	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be between 1 and 65535: %w", ErrInvalidValue))
	}

	return nil
}
