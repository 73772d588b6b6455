// Package config loads the coordination engine's configuration surface
// (§6.3 of the spec), the way internal/policy loads the teacher's YAML
// config: DefaultConfig() seeds a Config, Load unmarshals a file
// on top of it, and environment variables then CLI flags layer over
// that — file, then env, then flags, each overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig is the database.* section.
type DatabaseConfig struct {
	URL               string `yaml:"url"`
	MaxConnections    int    `yaml:"max_connections"`
	ConnectionTimeout int    `yaml:"connection_timeout"` // seconds
}

// ServerConfig is the server.* section.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig is the logging.* section.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // pretty, compact, json
}

// CircuitBreakerConfig is the circuit_breaker.* section (supplemental to
// §6.3's table, grounded on §4.3's tunable defaults).
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Config holds the engine's full configuration.
type Config struct {
	ProjectRoot    string               `yaml:"project_root"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// GlobalStateDir returns the default per-user state directory, the same
// fallback location the teacher uses when no database.url is configured.
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "stringwork-coord")
}

// DefaultConfig returns the documented defaults (§6.3).
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:               filepath.Join(GlobalStateDir(), "coordination.sqlite"),
			MaxConnections:    5,
			ConnectionTimeout: 30,
		},
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost"},
		},
		Logging: LoggingConfig{Level: "info", Format: "pretty"},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			WindowSeconds:    60,
			CooldownSeconds:  30,
		},
	}
}

// Load reads a YAML config file on top of DefaultConfig, then applies
// environment variable overrides. A missing path is not an error — the
// defaults (plus env overrides) are used, matching the teacher's
// tolerance for an absent config file on first run.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides cfg fields from STRINGWORK_COORD_* environment
// variables; a malformed numeric value is silently ignored, leaving the
// file/default value in place (matching the teacher's "env is best
// effort" posture for non-critical overrides).
func applyEnv(cfg *Config) {
	if v := os.Getenv("STRINGWORK_COORD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("STRINGWORK_COORD_DATABASE_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConnections = n
		}
	}
	if v := os.Getenv("STRINGWORK_COORD_DATABASE_CONNECTION_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.ConnectionTimeout = n
		}
	}
	if v := os.Getenv("STRINGWORK_COORD_SERVER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("STRINGWORK_COORD_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("STRINGWORK_COORD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STRINGWORK_COORD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STRINGWORK_COORD_PROJECT_ROOT"); v != "" {
		cfg.ProjectRoot = v
	}
}

// ApplyFlags overrides cfg fields with CLI-flag values, the final layer
// (CLI overrides environment overrides file, §6.3). Empty/zero values
// mean "flag not set" and are left alone.
func ApplyFlags(cfg *Config, databaseURL, listenAddr string, port int) {
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if port != 0 {
		cfg.Server.Port = port
	}
}
