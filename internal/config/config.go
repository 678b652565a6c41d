package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.sabimarket/config.toml.
type Config struct {
	// BackendURL is the base URL of the hosted backend, e.g.
	// https://abc.sabi-backend.example. Empty means demo mode only.
	BackendURL string `toml:"backend_url"`
	// APIKey is the public (anon) API key sent with every request.
	APIKey string `toml:"api_key"`
	// AccessToken is the signed-in user's JWT issued by the identity
	// provider. The daemon never performs the login flow itself.
	AccessToken string `toml:"access_token"`
	// DefaultSession selects the session when no --session flag is given.
	DefaultSession string `toml:"default_session"`
}

// Load reads config from the given path. Returns zero config and error
// if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
// The file carries the access token, hence 0600.
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
