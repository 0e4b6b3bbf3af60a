// ABOUTME: Background reaper for on-disk response artifacts.
// ABOUTME: Deletes files past TTL or orphaned, never ones still tracked active.

package artifact

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Options controls a single cleanup run.
type Options struct {
	// Force deletes every artifact regardless of age or tracking.
	Force bool
	// Startup clears stale artifacts left behind by a crash: anything older
	// than the short startup grace goes.
	Startup bool
	// DryRun counts what would be deleted without touching disk.
	DryRun bool
}

// Stats summarizes one cleanup run.
type Stats struct {
	FilesScanned int   `json:"files_scanned"`
	FilesDeleted int   `json:"files_deleted"`
	FilesSkipped int   `json:"files_skipped"`
	BytesFreed   int64 `json:"bytes_freed"`
	OrphansFound int   `json:"orphans_found"`
	Errors       int   `json:"errors"`
	DurationMs   int64 `json:"duration_ms"`
}

// FileInfo describes one artifact on disk.
type FileInfo struct {
	Workspace string    `json:"workspace"`
	RequestID string    `json:"request_id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

// Status is a point-in-time view of the reaper.
type Status struct {
	TrackedRequests int       `json:"tracked_requests"`
	Running         bool      `json:"running"`
	LastRunAt       time.Time `json:"last_run_at,omitempty"`
	LastStats       Stats     `json:"last_stats"`
}

// Config holds reaper timing configuration.
type Config struct {
	BaseDir string
	// TTL deletes artifacts older than this regardless of orphan status.
	TTL time.Duration
	// OrphanGrace deletes untracked artifacts older than this.
	OrphanGrace time.Duration
	// StartupGrace bounds what a startup-mode run preserves.
	StartupGrace time.Duration
	// Interval is the periodic sweep cadence.
	Interval time.Duration
}

// Reaper deletes response artifacts once they are provably no longer needed.
// It only ever removes files; the logical request records live elsewhere and
// stay queryable after their artifact is gone.
type Reaper struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	tracked   map[string]struct{}
	running   bool
	lastRunAt time.Time
	lastStats Stats

	runMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a reaper over cfg.BaseDir. Zero durations select the
// defaults: 1h TTL, 15m orphan grace, 5m startup grace, 30m interval.
func NewReaper(cfg Config) *Reaper {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = 15 * time.Minute
	}
	if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 5 * time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Minute
	}
	return &Reaper{
		cfg:     cfg,
		logger:  slog.Default().With("component", "reaper"),
		now:     time.Now,
		tracked: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// TrackRequest shields a request's artifact from deletion until untracked.
func (r *Reaper) TrackRequest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[id] = struct{}{}
}

// UntrackRequest releases the shield; the artifact becomes subject to the
// normal TTL and orphan rules.
func (r *Reaper) UntrackRequest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}

func (r *Reaper) isTracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracked[id]
	return ok
}

// GetStatus reports tracking and last-run state.
func (r *Reaper) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		TrackedRequests: len(r.tracked),
		Running:         r.running,
		LastRunAt:       r.lastRunAt,
		LastStats:       r.lastStats,
	}
}

// ListFiles enumerates artifacts, for one workspace or all of them.
func (r *Reaper) ListFiles(workspace string) ([]FileInfo, error) {
	var out []FileInfo
	err := r.walk(workspace, func(fi FileInfo) {
		out = append(out, fi)
	})
	return out, err
}

// RunCleanup executes one sweep over the artifact tree. Only one run executes
// at a time; a concurrent call returns zero-valued stats unless force is set,
// in which case it waits its turn. Per-file errors are counted, never fatal.
func (r *Reaper) RunCleanup(ctx context.Context, opts Options) Stats {
	if !r.runMu.TryLock() {
		if !opts.Force {
			return Stats{}
		}
		r.runMu.Lock()
	}
	defer r.runMu.Unlock()

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	start := r.now()
	var stats Stats

	err := r.walk("", func(fi FileInfo) {
		if ctx.Err() != nil {
			return
		}
		stats.FilesScanned++
		r.decide(fi, opts, &stats)
	})
	if err != nil {
		stats.Errors++
		r.logger.Warn("artifact scan failed", "error", err)
	}

	stats.DurationMs = r.now().Sub(start).Milliseconds()

	r.mu.Lock()
	r.running = false
	r.lastRunAt = start
	r.lastStats = stats
	r.mu.Unlock()

	r.logger.Info("artifact cleanup finished",
		"scanned", stats.FilesScanned,
		"deleted", stats.FilesDeleted,
		"skipped", stats.FilesSkipped,
		"orphans", stats.OrphansFound,
		"bytes_freed", stats.BytesFreed,
		"errors", stats.Errors,
		"dry_run", opts.DryRun,
	)
	return stats
}

// decide applies the deletion policy to one file, in strict order: force,
// tracked, startup grace, TTL, orphan grace, keep.
func (r *Reaper) decide(fi FileInfo, opts Options, stats *Stats) {
	age := r.now().Sub(fi.ModTime)

	switch {
	case opts.Force:
		r.remove(fi, opts, stats, false)
	case r.isTracked(fi.RequestID):
		stats.FilesSkipped++
	case opts.Startup && age > r.cfg.StartupGrace:
		r.remove(fi, opts, stats, false)
	case age > r.cfg.TTL:
		r.remove(fi, opts, stats, false)
	case age > r.cfg.OrphanGrace:
		// Untracked past its grace: an orphan.
		r.remove(fi, opts, stats, true)
	default:
		stats.FilesSkipped++
	}
}

// remove deletes one artifact. A file already gone is success (someone else
// won the race); permission and other I/O errors are counted.
func (r *Reaper) remove(fi FileInfo, opts Options, stats *Stats, orphan bool) {
	if orphan {
		stats.OrphansFound++
	}
	if opts.DryRun {
		stats.FilesDeleted++
		return
	}

	if err := os.Remove(fi.Path); err != nil {
		if os.IsNotExist(err) {
			stats.FilesDeleted++
			return
		}
		stats.Errors++
		r.logger.Warn("failed to delete artifact", "path", fi.Path, "error", err)
		return
	}

	stats.FilesDeleted++
	stats.BytesFreed += fi.Size
	r.logger.Debug("artifact deleted", "path", fi.Path, "orphan", orphan)
}

// walk visits every artifact under baseDir, or just one workspace's.
func (r *Reaper) walk(workspace string, visit func(FileInfo)) error {
	var workspaces []string
	if workspace != "" {
		workspaces = []string{workspace}
	} else {
		entries, err := os.ReadDir(r.cfg.BaseDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				workspaces = append(workspaces, e.Name())
			}
		}
	}

	for _, ws := range workspaces {
		dir := filepath.Join(r.cfg.BaseDir, ws, "responses")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			visit(FileInfo{
				Workspace: ws,
				RequestID: strings.TrimSuffix(name, ".json"),
				Path:      filepath.Join(dir, name),
				Size:      info.Size(),
				ModTime:   info.ModTime(),
			})
		}
	}
	return nil
}

// Start launches the periodic sweep. An initial startup-mode run clears
// stale artifacts left behind by a crash.
func (r *Reaper) Start(ctx context.Context) {
	r.RunCleanup(ctx, Options{Startup: true})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunCleanup(context.Background(), Options{})
			case <-r.done:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep. Safe to call multiple times.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}
