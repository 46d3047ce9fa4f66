// Package config loads and validates sitebench configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBindAddress     = "127.0.0.1:8080"
	DefaultDatabasePath    = "sitebench.db"
	DefaultRunnerBaseURL   = "http://localhost:8000"
	DefaultRunnerTimeout   = 30 * time.Second
	DefaultRelayIdle       = 5 * time.Minute
	DefaultSessionLogDir   = "logs"
	DefaultListLimit       = 20
	MaxListLimit           = 100
	MinWebsiteURLLength    = 10
	MinTaskDescriptionLen  = 5
	DefaultBusKind         = BusKindMemory
	DefaultShutdownTimeout = 15 * time.Second
)

// Message bus backends.
const (
	BusKindMemory = "memory"
	BusKindNATS   = "nats"
)

// Config represents the complete sitebench configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Runner   RunnerConfig   `yaml:"runner"`
	Bus      BusConfig      `yaml:"bus"`
	Logging  LoggingConfig  `yaml:"logging"`
	Models   []ModelConfig  `yaml:"models"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RunnerConfig controls the connection to the execution backend that
// drives the browser agents.
type RunnerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StartPath      string        `yaml:"start_path"`
	StreamPath     string        `yaml:"stream_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RelayIdle      time.Duration `yaml:"relay_idle"`
}

// BusConfig selects the message bus backing the unified event stream.
type BusConfig struct {
	Kind string `yaml:"kind"` // memory or nats
	URL  string `yaml:"url"`
}

// LoggingConfig controls the structured JSONL logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// ModelConfig is one entry of the configured model set. The list is loaded
// once at startup and passed explicitly; changing it affects future
// sessions only.
type ModelConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Provider    string `yaml:"provider"`
}

// DefaultConfig returns the built-in configuration. The default model set
// mirrors the deployed benchmark matrix.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		Runner: RunnerConfig{
			BaseURL:        DefaultRunnerBaseURL,
			StartPath:      "/api/benchmark/stream",
			StreamPath:     "/api/benchmark/stream/%s",
			RequestTimeout: DefaultRunnerTimeout,
			RelayIdle:      DefaultRelayIdle,
		},
		Bus: BusConfig{
			Kind: DefaultBusKind,
		},
		Logging: LoggingConfig{
			Dir:   DefaultSessionLogDir,
			Level: "info",
		},
		Models: []ModelConfig{
			{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai"},
			{ID: "gpt-4o-mini", DisplayName: "GPT-4o Mini", Provider: "openai"},
			{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Provider: "anthropic"},
			{ID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", Provider: "anthropic"},
			{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: "google"},
		},
	}
}

// Load loads configuration from the given path, falling back to defaults
// when the file does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadAndMerge reads a YAML file over the current config values.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITEBENCH_BIND_ADDRESS"); v != "" {
		cfg.Server.BindAddress = v
	}
	if v := os.Getenv("SITEBENCH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SITEBENCH_RUNNER_URL"); v != "" {
		cfg.Runner.BaseURL = v
	}
	if v := os.Getenv("SITEBENCH_BUS_KIND"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := os.Getenv("SITEBENCH_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("SITEBENCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SITEBENCH_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BindAddress) == "" {
		return fmt.Errorf("server.bind_address is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Runner.BaseURL) == "" {
		return fmt.Errorf("runner.base_url is required")
	}
	if !strings.HasPrefix(c.Runner.BaseURL, "http://") && !strings.HasPrefix(c.Runner.BaseURL, "https://") {
		return fmt.Errorf("runner.base_url must be an http(s) URL, got %q", c.Runner.BaseURL)
	}
	if c.Runner.RequestTimeout <= 0 {
		return fmt.Errorf("runner.request_timeout must be positive")
	}

	validBusKinds := map[string]bool{"memory": true, "nats": true}
	if !validBusKinds[strings.ToLower(c.Bus.Kind)] {
		return fmt.Errorf("invalid bus kind: %s (valid: memory, nats)", c.Bus.Kind)
	}
	if strings.EqualFold(c.Bus.Kind, "nats") && strings.TrimSpace(c.Bus.URL) == "" {
		return fmt.Errorf("bus.url is required when bus.kind is nats")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one benchmark model must be configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("models[%d] (%s): provider is required", i, m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id: %s", m.ID)
		}
		seen[m.ID] = true
	}

	return nil
}
