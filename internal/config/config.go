package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultEndpointPath is the server-side path the messaging socket is
// mounted on.
const DefaultEndpointPath = "/chatserver"

// Config represents the global ~/.duochat/config.toml.
type Config struct {
	// ServerAddress is the base address of the chat server, e.g.
	// "https://chat.example.org". Used for both the HTTP API and the
	// messaging socket.
	ServerAddress string `toml:"server_address"`
	// EndpointPath overrides the socket mount path on the server.
	EndpointPath string `toml:"endpoint_path"`
	// DefaultSession names the session used when --session is not given.
	DefaultSession string `toml:"default_session"`
}

// SocketPath returns the configured endpoint path, or the default.
func (c *Config) SocketPath() string {
	if c.EndpointPath != "" {
		return c.EndpointPath
	}
	return DefaultEndpointPath
}

// Load reads config from the given path. Returns an error if the file
// is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
