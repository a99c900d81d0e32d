package server

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config is the immutable service configuration, loaded once at startup.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Throttle   ThrottleConfig            `yaml:"throttle"`
	Callback   CallbackConfig            `yaml:"callback"`
	Operations OperationsConfig          `yaml:"operations"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig covers the listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	// ShutdownTimeout is in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// ThrottleConfig tunes the process-global gate on outbound backend calls.
// A zero limit disables throttling.
type ThrottleConfig struct {
	Limit float64 `yaml:"limit"`
	Burst int     `yaml:"burst"`
}

// CallbackConfig covers the signed notification channel.
type CallbackConfig struct {
	// URL receives the signed PUT after each mutating operation. Empty
	// disables callbacks.
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	Algorithm string `yaml:"algorithm"`
	// TTL is the payload expiry in seconds.
	TTL int `yaml:"ttl"`
}

// OperationsConfig tunes orchestrated transfers.
type OperationsConfig struct {
	// Concurrency bounds the file fan-out inside recursive folder
	// operations.
	Concurrency int `yaml:"concurrency"`
}

// ProviderConfig is one backend's credential and settings block, handed to
// the provider constructor by the in-tree auth handler.
type ProviderConfig struct {
	Credentials map[string]interface{} `yaml:"credentials"`
	Settings    map[string]interface{} `yaml:"settings"`
}

// DefaultConfig returns a runnable configuration with no providers.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":7777"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if c.Callback.Algorithm == "" {
		c.Callback.Algorithm = "sha256"
	}
	if c.Callback.TTL == 0 {
		c.Callback.TTL = 60
	}
	if c.Operations.Concurrency == 0 {
		c.Operations.Concurrency = 5
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}
