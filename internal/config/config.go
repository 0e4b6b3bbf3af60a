// ABOUTME: Configuration loading and parsing for fold-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fold-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig holds agent transport selection and timing configuration.
// Channels are tried in priority order: unix socket, then TCP, then a
// docker-exec spawn as the fallback.
type TransportConfig struct {
	SocketPath string `yaml:"socket_path"`
	TCPHost    string `yaml:"tcp_host"`
	TCPPort    int    `yaml:"tcp_port"`
	// Fallback selects the spawn channel behavior: "spawn" (default) or "none".
	Fallback string `yaml:"fallback"`

	DefaultTimeout time.Duration `yaml:"-"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`

	ResetTimeout    time.Duration `yaml:"-"`
	HalfOpenTimeout time.Duration `yaml:"-"`

	ResetTimeoutRaw    string `yaml:"reset_timeout"`
	HalfOpenTimeoutRaw string `yaml:"half_open_timeout"`
}

// SessionsConfig holds session pool timing configuration
type SessionsConfig struct {
	IdleAfter     time.Duration `yaml:"-"`
	EvictAfter    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleAfterRaw     string `yaml:"idle_after"`
	EvictAfterRaw    string `yaml:"evict_after"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// DedupeConfig holds idempotency cache configuration
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// ArtifactsConfig holds response artifact storage and cleanup configuration
type ArtifactsConfig struct {
	BaseDir string `yaml:"base_dir"`

	TTL             time.Duration `yaml:"-"`
	OrphanGrace     time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	TTLRaw             string `yaml:"ttl"`
	OrphanGraceRaw     string `yaml:"orphan_grace"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, for use when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts raw duration strings into time.Duration fields.
// Empty strings are left as zero; applyDefaults fills those in afterwards.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.default_timeout", cfg.Transport.DefaultTimeoutRaw, &cfg.Transport.DefaultTimeout},
		{"breaker.reset_timeout", cfg.Breaker.ResetTimeoutRaw, &cfg.Breaker.ResetTimeout},
		{"breaker.half_open_timeout", cfg.Breaker.HalfOpenTimeoutRaw, &cfg.Breaker.HalfOpenTimeout},
		{"sessions.idle_after", cfg.Sessions.IdleAfterRaw, &cfg.Sessions.IdleAfter},
		{"sessions.evict_after", cfg.Sessions.EvictAfterRaw, &cfg.Sessions.EvictAfter},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"artifacts.ttl", cfg.Artifacts.TTLRaw, &cfg.Artifacts.TTL},
		{"artifacts.orphan_grace", cfg.Artifacts.OrphanGraceRaw, &cfg.Artifacts.OrphanGrace},
		{"artifacts.cleanup_interval", cfg.Artifacts.CleanupIntervalRaw, &cfg.Artifacts.CleanupInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// applyDefaults fills in zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8377"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/relay.db"
	}
	if c.Transport.Fallback == "" {
		c.Transport.Fallback = "spawn"
	}
	if c.Transport.DefaultTimeout == 0 {
		c.Transport.DefaultTimeout = 120 * time.Second
	}
	if c.Transport.MaxOutputBytes == 0 {
		c.Transport.MaxOutputBytes = 10 * 1024 * 1024
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 2 * time.Minute
	}
	if c.Breaker.HalfOpenTimeout == 0 {
		c.Breaker.HalfOpenTimeout = time.Minute
	}
	if c.Sessions.IdleAfter == 0 {
		c.Sessions.IdleAfter = 30 * time.Minute
	}
	if c.Sessions.EvictAfter == 0 {
		c.Sessions.EvictAfter = 10 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 5 * time.Minute
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 1000
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = time.Hour
	}
	if c.Artifacts.BaseDir == "" {
		c.Artifacts.BaseDir = "data/artifacts"
	}
	if c.Artifacts.TTL == 0 {
		c.Artifacts.TTL = time.Hour
	}
	if c.Artifacts.OrphanGrace == 0 {
		c.Artifacts.OrphanGrace = 15 * time.Minute
	}
	if c.Artifacts.CleanupInterval == 0 {
		c.Artifacts.CleanupInterval = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Transport.SocketPath == "" && c.Transport.TCPHost == "" && c.Transport.Fallback == "none" {
		return fmt.Errorf("transport requires at least one channel: set socket_path, tcp_host, or fallback=spawn")
	}
	if c.Transport.TCPHost != "" && (c.Transport.TCPPort <= 0 || c.Transport.TCPPort > 65535) {
		return fmt.Errorf("transport.tcp_port must be 1-65535 when tcp_host is set")
	}
	switch c.Transport.Fallback {
	case "spawn", "none":
	default:
		return fmt.Errorf("transport.fallback must be 'spawn' or 'none', got %q", c.Transport.Fallback)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Dedupe.MaxSize < 1 {
		return fmt.Errorf("dedupe.max_size must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	return nil
}
