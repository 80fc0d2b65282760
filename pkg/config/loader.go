package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// uepYAMLConfig represents the complete uep.yaml file structure.
// Sections with string durations get their own YAML shapes; the rest
// unmarshal straight into the resolved types.
type uepYAMLConfig struct {
	Runtime  *RuntimeYAMLConfig  `yaml:"runtime"`
	Session  *SessionYAMLConfig  `yaml:"session"`
	Behavior *BehaviorYAMLConfig `yaml:"behavior"`
	LLM      *LLMConfig          `yaml:"llm"`
	TTS      *TTSConfig          `yaml:"tts"`
	Server   *ServerConfig       `yaml:"server"`
}

// RuntimeYAMLConfig holds runtime settings from YAML.
type RuntimeYAMLConfig struct {
	MemoryDir     string `yaml:"memory_dir,omitempty"`
	CaptureBuffer int    `yaml:"capture_buffer,omitempty"`
	ToolTimeout   string `yaml:"tool_timeout,omitempty"` // Parsed to time.Duration
}

// SessionYAMLConfig holds session lifecycle settings from YAML.
type SessionYAMLConfig struct {
	MaxAge         string `yaml:"max_age,omitempty"` // Parsed to time.Duration
	RecordKeepDays *int   `yaml:"record_keep_days,omitempty"`
}

// BehaviorYAMLConfig holds autonomy policy settings from YAML.
type BehaviorYAMLConfig struct {
	MischiefEnabled      *bool   `yaml:"mischief_enabled,omitempty"`
	SleepBoredom         float64 `yaml:"sleep_boredom,omitempty"`
	MischiefBoredom      float64 `yaml:"mischief_boredom,omitempty"`
	MischiefMood         float64 `yaml:"mischief_mood,omitempty"`
	SpecialStateDebounce string  `yaml:"special_state_debounce,omitempty"` // Parsed to time.Duration
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load the YAML file at path
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Initializing configuration")

	// 1. Load the configuration file
	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"provider", cfg.LLM.Provider,
		"memory_dir", cfg.Runtime.MemoryDir,
		"port", cfg.Server.Port,
		"mischief_enabled", cfg.Behavior.MischiefEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, path string) (*Config, error) {
	raw, err := loadUEPYAML(path)
	if err != nil {
		return nil, NewLoadError(filepath.Base(path), err)
	}

	// Resolve sections that parse durations field by field
	runtimeCfg := resolveRuntimeConfig(raw.Runtime)
	sessionCfg := resolveSessionConfig(raw.Session)
	behaviorCfg := resolveBehaviorConfig(raw.Behavior)

	// Merge directly-typed sections over defaults (non-zero values override)
	llmCfg := DefaultLLMConfig()
	if raw.LLM != nil {
		if err := mergo.Merge(llmCfg, raw.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge llm config: %w", err)
		}
	}

	ttsCfg := DefaultTTSConfig()
	if raw.TTS != nil {
		if err := mergo.Merge(ttsCfg, raw.TTS, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge tts config: %w", err)
		}
	}

	serverCfg := DefaultServerConfig()
	if raw.Server != nil {
		if err := mergo.Merge(serverCfg, raw.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	return &Config{
		path:     path,
		Runtime:  runtimeCfg,
		Session:  sessionCfg,
		Behavior: behaviorCfg,
		LLM:      llmCfg,
		TTS:      ttsCfg,
		Server:   serverCfg,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

func loadUEPYAML(path string) (*uepYAMLConfig, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	var config uepYAMLConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}

// resolveRuntimeConfig resolves runtime configuration from YAML, applying defaults.
func resolveRuntimeConfig(rt *RuntimeYAMLConfig) *RuntimeConfig {
	cfg := DefaultRuntimeConfig()

	if rt == nil {
		return cfg
	}

	if rt.MemoryDir != "" {
		cfg.MemoryDir = rt.MemoryDir
	}
	if rt.CaptureBuffer > 0 {
		cfg.CaptureBuffer = rt.CaptureBuffer
	}
	if rt.ToolTimeout != "" {
		if d, err := time.ParseDuration(rt.ToolTimeout); err == nil {
			cfg.ToolTimeout = d
		} else {
			slog.Warn("Invalid tool_timeout in runtime config, using default",
				"value", rt.ToolTimeout,
				"default", cfg.ToolTimeout,
				"error", err)
		}
	}

	return cfg
}

// resolveSessionConfig resolves session configuration from YAML, applying defaults.
func resolveSessionConfig(s *SessionYAMLConfig) *SessionConfig {
	cfg := DefaultSessionConfig()

	if s == nil {
		return cfg
	}

	if s.MaxAge != "" {
		if d, err := time.ParseDuration(s.MaxAge); err == nil {
			cfg.MaxAge = d
		} else {
			slog.Warn("Invalid max_age in session config, using default",
				"value", s.MaxAge,
				"default", cfg.MaxAge,
				"error", err)
		}
	}
	if s.RecordKeepDays != nil {
		cfg.RecordKeepDays = *s.RecordKeepDays
	}

	return cfg
}

// resolveBehaviorConfig resolves behavior configuration from YAML, applying defaults.
func resolveBehaviorConfig(b *BehaviorYAMLConfig) *BehaviorConfig {
	cfg := DefaultBehaviorConfig()

	if b == nil {
		return cfg
	}

	if b.MischiefEnabled != nil {
		cfg.MischiefEnabled = *b.MischiefEnabled
	}
	if b.SleepBoredom > 0 {
		cfg.SleepBoredom = b.SleepBoredom
	}
	if b.MischiefBoredom > 0 {
		cfg.MischiefBoredom = b.MischiefBoredom
	}
	if b.MischiefMood > 0 {
		cfg.MischiefMood = b.MischiefMood
	}
	if b.SpecialStateDebounce != "" {
		if d, err := time.ParseDuration(b.SpecialStateDebounce); err == nil {
			cfg.SpecialStateDebounce = d
		} else {
			slog.Warn("Invalid special_state_debounce in behavior config, using default",
				"value", b.SpecialStateDebounce,
				"default", cfg.SpecialStateDebounce,
				"error", err)
		}
	}

	return cfg
}
