package config

// Config is the fully resolved runtime configuration: every section
// present, every default applied, every duration parsed. Construct it
// with Initialize (from a YAML file) or Default (built-ins only).
type Config struct {
	path string // source file, "" when built from defaults

	Runtime  *RuntimeConfig
	Session  *SessionConfig
	Behavior *BehaviorConfig
	LLM      *LLMConfig
	TTS      *TTSConfig
	Server   *ServerConfig
}

// Path returns the file this configuration was loaded from, or ""
// when it was built from defaults alone.
func (c *Config) Path() string {
	return c.path
}

// Default returns a configuration built entirely from built-in
// defaults, as if an empty YAML file had been loaded.
func Default() *Config {
	return &Config{
		Runtime:  DefaultRuntimeConfig(),
		Session:  DefaultSessionConfig(),
		Behavior: DefaultBehaviorConfig(),
		LLM:      DefaultLLMConfig(),
		TTS:      DefaultTTSConfig(),
		Server:   DefaultServerConfig(),
	}
}
