// Package config holds the engine's own operating configuration — how it
// runs, not what it computes. It is read by the embedder and passed in as a
// Go struct; the engine never touches the filesystem for its own config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls storage backend selection and within-pull concurrency.
type Config struct {
	// StorePath is the SQLite database file path. ":memory:" selects an
	// ephemeral in-process store (the default test fixture).
	StorePath string `yaml:"store_path"`

	// FanoutLimit bounds how many of a node's input patterns are resolved
	// concurrently within one pull via errgroup.SetLimit. Zero means
	// unlimited.
	FanoutLimit int `yaml:"fanout_limit"`

	// LogLevel is one of "debug", "info", "warn", "error", applied as a
	// minimum level on the supplied logger. Empty leaves that logger's own
	// level in effect.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when an embedder doesn't
// supply one: an in-memory store, unlimited fan-out, no log level floor.
func DefaultConfig() Config {
	return Config{
		StorePath:   ":memory:",
		FanoutLimit: 0,
		LogLevel:    "",
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
