// Package config loads engine configuration from an optional YAML file,
// a .env file, and environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Executor ExecutorConfig `yaml:"executor"`
	Email    EmailConfig    `yaml:"email"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GetHost returns the configured bind host, defaulting to all interfaces.
func (s ServerConfig) GetHost() string {
	if s.Host == "" {
		return "0.0.0.0"
	}
	return s.Host
}

// DatabaseConfig holds the MySQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// AuthConfig holds the static API key every request must bear.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// ExecutorConfig holds the flow executor's tick settings. Enabled controls
// the executor embedded in the API server; the standalone worker ignores it.
type ExecutorConfig struct {
	Enabled        bool `yaml:"enabled"`
	TickIntervalMS int  `yaml:"tick_interval_ms"`
	// ClaimLimit caps how many due executions one tick claims; zero or
	// negative means unbounded.
	ClaimLimit int `yaml:"claim_limit"`
}

// TickInterval returns the tick period as a duration.
func (e ExecutorConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMS) * time.Millisecond
}

// EmailConfig holds outbound-send settings shared by all providers.
type EmailConfig struct {
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
	MaxRetries         int `yaml:"max_retries"`
}

// SendTimeout returns the per-send HTTP timeout.
func (e EmailConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutSeconds) * time.Second
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path and applies defaults. A missing file is
// not an error: the defaults alone are returned so env-only deployments work.
func Load(path string) (*Config, error) {
	var cfg Config
	cfg.Executor.Enabled = true

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 3
	}
	if cfg.Executor.TickIntervalMS == 0 {
		cfg.Executor.TickIntervalMS = 100
	}
	if cfg.Email.SendTimeoutSeconds == 0 {
		cfg.Email.SendTimeoutSeconds = 30
	}
	if cfg.Email.MaxRetries == 0 {
		cfg.Email.MaxRetries = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads the YAML file, then a .env file if present, then
// overrides from environment variables.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env if it exists (no error if missing).
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if key := os.Getenv("SEGFLOW_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if tick := os.Getenv("SEGFLOW_TICK_MS"); tick != "" {
		if t, err := strconv.Atoi(tick); err == nil && t > 0 {
			cfg.Executor.TickIntervalMS = t
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}
