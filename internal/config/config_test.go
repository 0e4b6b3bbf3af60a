// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"

database:
  path: "./test.db"

transport:
  socket_path: "/tmp/agent.sock"
  tcp_host: "127.0.0.1"
  tcp_port: 8378
  default_timeout: "90s"

breaker:
  failure_threshold: 3
  reset_timeout: "1m"
  half_open_timeout: "30s"

sessions:
  idle_after: "20m"
  evict_after: "5m"
  sweep_interval: "1m"

dedupe:
  ttl: "30m"
  max_size: 500

artifacts:
  base_dir: "/tmp/artifacts"
  ttl: "2h"
  orphan_grace: "10m"
  cleanup_interval: "15m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Transport.SocketPath != "/tmp/agent.sock" {
		t.Errorf("Transport.SocketPath = %q, want %q", cfg.Transport.SocketPath, "/tmp/agent.sock")
	}
	if cfg.Transport.DefaultTimeout != 90*time.Second {
		t.Errorf("Transport.DefaultTimeout = %v, want 90s", cfg.Transport.DefaultTimeout)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Breaker.FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.ResetTimeout != time.Minute {
		t.Errorf("Breaker.ResetTimeout = %v, want 1m", cfg.Breaker.ResetTimeout)
	}
	if cfg.Sessions.IdleAfter != 20*time.Minute {
		t.Errorf("Sessions.IdleAfter = %v, want 20m", cfg.Sessions.IdleAfter)
	}
	if cfg.Dedupe.TTL != 30*time.Minute {
		t.Errorf("Dedupe.TTL = %v, want 30m", cfg.Dedupe.TTL)
	}
	if cfg.Artifacts.TTL != 2*time.Hour {
		t.Errorf("Artifacts.TTL = %v, want 2h", cfg.Artifacts.TTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("FOLD_TEST_SOCKET", "/run/test-agent.sock")

	configPath := writeConfig(t, `
transport:
  socket_path: "${FOLD_TEST_SOCKET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.SocketPath != "/run/test-agent.sock" {
		t.Errorf("SocketPath = %q, want expanded env value", cfg.Transport.SocketPath)
	}
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "${FOLD_NO_SUCH_VAR_12345}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Empty after expansion, so the default applies.
	if cfg.Server.HTTPAddr != ":8377" {
		t.Errorf("HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
dedupe:
  ttl: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "dedupe.ttl") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestDefault_AppliesDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Transport.DefaultTimeout != 120*time.Second {
		t.Errorf("DefaultTimeout = %v, want 120s", cfg.Transport.DefaultTimeout)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.ResetTimeout != 2*time.Minute {
		t.Errorf("ResetTimeout = %v, want 2m", cfg.Breaker.ResetTimeout)
	}
	if cfg.Breaker.HalfOpenTimeout != time.Minute {
		t.Errorf("HalfOpenTimeout = %v, want 1m", cfg.Breaker.HalfOpenTimeout)
	}
	if cfg.Artifacts.TTL != time.Hour {
		t.Errorf("Artifacts.TTL = %v, want 1h", cfg.Artifacts.TTL)
	}
	if cfg.Artifacts.OrphanGrace != 15*time.Minute {
		t.Errorf("Artifacts.OrphanGrace = %v, want 15m", cfg.Artifacts.OrphanGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate, got %v", err)
	}
}

func TestValidate_BadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no channels", func(c *Config) {
			c.Transport.SocketPath = ""
			c.Transport.TCPHost = ""
			c.Transport.Fallback = "none"
		}},
		{"bad tcp port", func(c *Config) {
			c.Transport.TCPHost = "127.0.0.1"
			c.Transport.TCPPort = 0
		}},
		{"bad fallback", func(c *Config) { c.Transport.Fallback = "carrier-pigeon" }},
		{"negative threshold", func(c *Config) { c.Breaker.FailureThreshold = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}
