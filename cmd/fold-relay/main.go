// ABOUTME: Entry point for the fold-relay orchestration server.
// ABOUTME: Bridges chat callers to per-workspace agent containers.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/fold-relay/internal/artifact"
	"github.com/2389/fold-relay/internal/config"
	"github.com/2389/fold-relay/internal/dedupe"
	"github.com/2389/fold-relay/internal/gateway"
	"github.com/2389/fold-relay/internal/session"
	"github.com/2389/fold-relay/internal/store"
	"github.com/2389/fold-relay/internal/tracker"
	"github.com/2389/fold-relay/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __      _     _            _
 / _| ___| | __| |      _ __ ___| | __ _ _   _
| |_ / _ \ |/ _' |_____| '__/ _ \ |/ _' | | | |
|  _| (_) | | (_| |_____| | |  __/ | (_| | |_| |
|_|  \___/|_|\__,_|     |_|  \___|_|\__,_|\__, |
                                          |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: FOLD_RELAY_CONFIG env var > XDG_CONFIG_HOME/fold-relay/relay.yaml > ~/.config/fold-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FOLD_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fold-relay", "relay.yaml")
}

func main() {
	// A .env beside the binary is a dev convenience; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: fold-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the relay server")
		fmt.Println("  init       Write a starter config file")
		fmt.Println("  health     Check relay health")
		fmt.Println("  sessions   List live sessions")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), configPath + " (defaults)", nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Artifacts: %s\n", cfg.Artifacts.BaseDir)
	fmt.Println()

	logger.Info("starting fold-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"db", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	mux, err := session.NewTmuxController()
	if err != nil {
		return fmt.Errorf("creating mux controller: %w", err)
	}

	registry := session.NewRegistry(st, mux, session.Config{
		IdleAfter:     cfg.Sessions.IdleAfter,
		EvictAfter:    cfg.Sessions.EvictAfter,
		SweepInterval: cfg.Sessions.SweepInterval,
	})
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("starting session registry: %w", err)
	}
	defer registry.Stop()

	if err := registry.Sync(ctx); err != nil {
		logger.Warn("session reconciliation incomplete", "error", err)
	}

	client := transport.NewClient(transport.Options{
		Channels: buildChannels(cfg.Transport),
		Breakers: transport.NewBreakerSet(transport.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			HalfOpenTimeout:  cfg.Breaker.HalfOpenTimeout,
		}),
		DefaultTimeout: cfg.Transport.DefaultTimeout,
	})

	tr := tracker.New(st, time.Minute)
	tr.Start()
	defer tr.Stop()

	guard := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer guard.Close()

	reaper := artifact.NewReaper(artifact.Config{
		BaseDir:     cfg.Artifacts.BaseDir,
		TTL:         cfg.Artifacts.TTL,
		OrphanGrace: cfg.Artifacts.OrphanGrace,
		Interval:    cfg.Artifacts.CleanupInterval,
	})
	reaper.Start(ctx)
	defer reaper.Stop()

	service := gateway.NewService(gateway.ServiceConfig{
		DefaultTimeout: cfg.Transport.DefaultTimeout,
		ArtifactDir:    cfg.Artifacts.BaseDir,
	}, st, tr, registry, mux, client, guard, reaper)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gateway.NewServer(service).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	return nil
}

// buildChannels assembles the transport priority list from config:
// unix socket first, TCP next, docker-exec spawn as the fallback.
func buildChannels(cfg config.TransportConfig) []transport.Channel {
	var channels []transport.Channel
	if cfg.SocketPath != "" {
		channels = append(channels, &transport.UnixChannel{DefaultPath: cfg.SocketPath})
	}
	if cfg.TCPHost != "" {
		channels = append(channels, &transport.TCPChannel{
			DefaultAddr: fmt.Sprintf("%s:%d", cfg.TCPHost, cfg.TCPPort),
		})
	}
	if cfg.Fallback == "spawn" {
		channels = append(channels, &transport.SpawnChannel{MaxOutputBytes: cfg.MaxOutputBytes})
	}
	return channels
}

const starterConfig = `# fold-relay configuration
server:
  http_addr: ":8377"

database:
  path: "data/relay.db"

transport:
  # socket_path: "/var/run/fold-agent.sock"
  # tcp_host: "127.0.0.1"
  # tcp_port: 9377
  fallback: "spawn"
  default_timeout: "120s"

breaker:
  failure_threshold: 5
  reset_timeout: "2m"
  half_open_timeout: "1m"

sessions:
  idle_after: "30m"
  evict_after: "10m"
  sweep_interval: "5m"

dedupe:
  ttl: "1h"
  max_size: 1000

artifacts:
  base_dir: "data/artifacts"
  ttl: "1h"
  orphan_grace: "15m"
  cleanup_interval: "30m"

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func apiGet(ctx context.Context, addr, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := apiGet(ctx, cfg.Server.HTTPAddr, "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runSessions(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := apiGet(ctx, cfg.Server.HTTPAddr, "/api/sessions")
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing sessions: status %d", resp.StatusCode)
	}

	var out struct {
		Sessions []struct {
			Workspace      string `json:"workspace"`
			SessionID      string `json:"session_id"`
			Status         string `json:"status"`
			ActiveRequests int    `json:"active_requests"`
			TotalRequests  int    `json:"total_requests"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(out.Sessions) == 0 {
		fmt.Println("No live sessions")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("%-20s %-30s %-12s %8s %8s\n", "WORKSPACE", "SESSION", "STATUS", "ACTIVE", "TOTAL")
	for _, s := range out.Sessions {
		statusColor := color.New(color.FgGreen)
		if s.Status != "active" {
			statusColor = color.New(color.FgYellow)
		}
		fmt.Printf("%-20s %-30s %s %8d %8d\n",
			s.Workspace, s.SessionID,
			statusColor.Sprintf("%-12s", s.Status),
			s.ActiveRequests, s.TotalRequests,
		)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
