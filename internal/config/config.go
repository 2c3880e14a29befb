package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.phantom/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// RelayURL is the websocket endpoint of the message relay.
	RelayURL string `toml:"relay_url"`

	// DirectoryURL is the HTTP endpoint of the key directory service.
	DirectoryURL string `toml:"directory_url"`

	// PreKeyCount is the size of the one-time prekey pool generated at
	// registration.
	PreKeyCount int `toml:"prekey_count"`

	// SendMaxAttempts bounds the retry window for an unacknowledged send.
	// Once exhausted, the message is surfaced as failed.
	SendMaxAttempts int `toml:"send_max_attempts"`

	// SendRetrySeconds is the interval between send attempts.
	SendRetrySeconds int `toml:"send_retry_seconds"`
}

// Default returns a config with all tunables set to their defaults.
func Default() *Config {
	return &Config{
		DefaultProfile:   "main",
		RelayURL:         "ws://localhost:8443/ws",
		DirectoryURL:     "http://localhost:8443",
		PreKeyCount:      5,
		SendMaxAttempts:  5,
		SendRetrySeconds: 10,
	}
}

// Load reads config from the given path. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
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
