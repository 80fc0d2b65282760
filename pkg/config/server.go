package config

// ServerConfig contains control API settings.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// AllowedWSOrigins lists additional origin patterns accepted on the
	// WebSocket endpoint beyond same-host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: 8080,
	}
}
