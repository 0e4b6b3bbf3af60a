// Package config handles configuration loading for fold-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; a missing file is not
// an error for callers that use Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	transport:
//	  socket_path: "${FOLD_AGENT_SOCKET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  default_timeout: "120s"
//	artifacts:
//	  ttl: "1h"
//	  orphan_grace: "15m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: "0.0.0.0:8377"
//	database:
//	  path: "/var/lib/fold-relay/relay.db"
//
// Transport selection (channels tried in priority order):
//
//	transport:
//	  socket_path: "/run/fold-agent.sock"
//	  tcp_host: "127.0.0.1"
//	  tcp_port: 8378
//	  fallback: "spawn"          # docker-exec fallback; "none" disables it
//	  default_timeout: "120s"
//	  max_output_bytes: 10485760
//
// Circuit breaker:
//
//	breaker:
//	  failure_threshold: 5
//	  reset_timeout: "2m"
//	  half_open_timeout: "1m"
//
// Session pool:
//
//	sessions:
//	  idle_after: "30m"      # mark idle after this much inactivity
//	  evict_after: "10m"     # tear down idle sessions after this grace
//	  sweep_interval: "5m"
//
// Idempotency cache and artifact cleanup:
//
//	dedupe:
//	  ttl: "1h"
//	  max_size: 1000
//	artifacts:
//	  base_dir: "/var/lib/fold-relay/artifacts"
//	  ttl: "1h"
//	  orphan_grace: "15m"
//	  cleanup_interval: "30m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
