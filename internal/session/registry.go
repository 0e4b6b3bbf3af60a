// ABOUTME: Session registry owning the workspace-to-live-session mapping.
// ABOUTME: Serializes creation per workspace and evicts idle sessions in the background.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/fold-relay/internal/store"
)

// ErrActiveRequests is returned when deleting a session that still has work
// in flight and force was not set.
var ErrActiveRequests = errors.New("session has active requests")

// ErrNotFound is returned for operations on a workspace with no session.
var ErrNotFound = errors.New("session not found")

// Config holds registry timing configuration.
type Config struct {
	// IdleAfter marks a session idle after this much inactivity.
	IdleAfter time.Duration
	// EvictAfter tears down an idle session after this further grace period
	// with zero active requests.
	EvictAfter time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
	// ContainerPrefix prefixes the workspace name to form the container name.
	ContainerPrefix string
}

// Stats summarizes registry occupancy by status.
type Stats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Idle        int `json:"idle"`
	Terminating int `json:"terminating"`
}

// Registry owns the mapping from workspace name to its one live interactive
// session. Sessions are created lazily on first request, tracked through
// in-flight request counts, and evicted after sustained inactivity.
type Registry struct {
	store  store.Store
	mux    Controller
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*store.Session
	creating singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry over the given store and mux controller.
func NewRegistry(st store.Store, mux Controller, cfg Config) *Registry {
	if cfg.IdleAfter == 0 {
		cfg.IdleAfter = 30 * time.Minute
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "fold-ws-"
	}
	return &Registry{
		store:    st,
		mux:      mux,
		cfg:      cfg,
		logger:   slog.Default().With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*store.Session),
		done:     make(chan struct{}),
	}
}

// Start restores persisted sessions and launches the idle sweeper.
func (r *Registry) Start(ctx context.Context) error {
	persisted, err := r.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	r.mu.Lock()
	for _, sess := range persisted {
		// In-flight counts did not survive the restart; requests did not either.
		sess.ActiveRequests = 0
		r.sessions[sess.Workspace] = sess
	}
	restored := len(r.sessions)
	r.mu.Unlock()

	if restored > 0 {
		r.logger.Info("sessions restored from store", "count", restored)
	}

	r.wg.Add(1)
	go r.sweepLoop()
	return nil
}

// Stop halts the idle sweeper. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// ContainerFor returns the container name owning the workspace's session.
func (r *Registry) ContainerFor(workspace string) string {
	return r.cfg.ContainerPrefix + workspace
}

// GetOrCreate returns the workspace's session, creating it if absent.
// Concurrent calls for the same workspace collapse into a single creation;
// every caller receives the same session metadata. Creation failures
// propagate to all waiting callers.
func (r *Registry) GetOrCreate(ctx context.Context, workspace string) (*store.Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[workspace]; ok {
		cp := *sess
		r.mu.Unlock()
		return &cp, nil
	}
	r.mu.Unlock()

	v, err, _ := r.creating.Do(workspace, func() (any, error) {
		// Re-check under the flight: a previous winner may have just created it.
		r.mu.Lock()
		if sess, ok := r.sessions[workspace]; ok {
			cp := *sess
			r.mu.Unlock()
			return &cp, nil
		}
		r.mu.Unlock()

		return r.create(ctx, workspace)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Session), nil
}

func (r *Registry) create(ctx context.Context, workspace string) (*store.Session, error) {
	containerID := r.ContainerFor(workspace)
	sessionID := "fold-" + workspace + "-" + uuid.New().String()[:8]

	if err := r.mux.EnsureSession(ctx, containerID, sessionID); err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", workspace, err)
	}

	now := r.now().UTC()
	sess := &store.Session{
		Workspace:      workspace,
		SessionID:      sessionID,
		ContainerID:    containerID,
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		// A duplicate row means a restart left the record behind; adopt it.
		if errors.Is(err, store.ErrDuplicateSession) {
			if existing, getErr := r.store.GetSession(ctx, workspace); getErr == nil {
				sess = existing
			}
		} else {
			return nil, fmt.Errorf("persisting session for %s: %w", workspace, err)
		}
	}

	r.mu.Lock()
	r.sessions[workspace] = sess
	cp := *sess
	r.mu.Unlock()

	r.logger.Info("session created",
		"workspace", workspace,
		"session_id", sess.SessionID,
		"container", containerID,
	)
	return &cp, nil
}

// Get returns the session for a workspace, or ErrNotFound.
func (r *Registry) Get(workspace string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[workspace]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// Delete tears down the workspace's session. It fails with ErrActiveRequests
// if work is in flight and force is not set.
func (r *Registry) Delete(ctx context.Context, workspace string, force bool) error {
	r.mu.Lock()
	sess, ok := r.sessions[workspace]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if sess.ActiveRequests > 0 && !force {
		n := sess.ActiveRequests
		r.mu.Unlock()
		return fmt.Errorf("%s has %d in flight: %w", workspace, n, ErrActiveRequests)
	}
	sess.Status = store.SessionTerminating
	containerID := sess.ContainerID
	sessionID := sess.SessionID
	r.mu.Unlock()

	if err := r.mux.KillSession(ctx, containerID, sessionID); err != nil {
		r.logger.Warn("failed to kill session", "workspace", workspace, "error", err)
	}

	if err := r.store.DeleteSession(ctx, workspace); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting session record for %s: %w", workspace, err)
	}

	r.mu.Lock()
	delete(r.sessions, workspace)
	r.mu.Unlock()

	r.logger.Info("session deleted", "workspace", workspace, "forced", force)
	return nil
}

// TrackStart notes a request dispatched into the workspace's session.
func (r *Registry) TrackStart(workspace string) error {
	return r.adjust(workspace, func(sess *store.Session) {
		sess.ActiveRequests++
		sess.TotalRequests++
		sess.Status = store.SessionActive
		sess.LastActivityAt = r.now().UTC()
	})
}

// TrackComplete notes a request finishing in the workspace's session.
// The active count never goes below zero.
func (r *Registry) TrackComplete(workspace string) error {
	return r.adjust(workspace, func(sess *store.Session) {
		if sess.ActiveRequests > 0 {
			sess.ActiveRequests--
		}
		sess.LastActivityAt = r.now().UTC()
	})
}

func (r *Registry) adjust(workspace string, mutate func(*store.Session)) error {
	r.mu.Lock()
	sess, ok := r.sessions[workspace]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	mutate(sess)
	cp := *sess
	r.mu.Unlock()

	// Persistence is best effort; the in-memory count stays authoritative.
	if err := r.store.UpdateSession(context.Background(), &cp); err != nil {
		r.logger.Warn("failed to persist session counters", "workspace", workspace, "error", err)
	}
	return nil
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*store.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*store.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

// GetStats returns occupancy counts by status.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.sessions)}
	for _, sess := range r.sessions {
		switch sess.Status {
		case store.SessionActive:
			stats.Active++
		case store.SessionIdle:
			stats.Idle++
		case store.SessionTerminating:
			stats.Terminating++
		}
	}
	return stats
}

// Sync reconciles in-memory records against what actually exists in the
// container runtime. Sessions can die independently of this process; records
// whose tmux session is gone are dropped.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[string]*store.Session, len(r.sessions))
	for ws, sess := range r.sessions {
		cp := *sess
		snapshot[ws] = &cp
	}
	r.mu.Unlock()

	var firstErr error
	for workspace, sess := range snapshot {
		live, err := r.mux.ListSessions(ctx, sess.ContainerID)
		if err != nil {
			if errors.Is(err, ErrContainerGone) {
				r.drop(ctx, workspace)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		found := false
		for _, name := range live {
			if name == sess.SessionID {
				found = true
				break
			}
		}
		if !found {
			r.drop(ctx, workspace)
		}
	}
	return firstErr
}

func (r *Registry) drop(ctx context.Context, workspace string) {
	r.mu.Lock()
	delete(r.sessions, workspace)
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, workspace); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("failed to delete dead session record", "workspace", workspace, "error", err)
	}
	r.logger.Info("dropped dead session", "workspace", workspace)
}

// sweepLoop periodically marks inactive sessions idle and evicts the ones
// past their grace period.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(context.Background())
		case <-r.done:
			return
		}
	}
}

// sweep runs one idle/eviction pass.
func (r *Registry) sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var toIdle, toEvict []string
	for workspace, sess := range r.sessions {
		inactive := now.Sub(sess.LastActivityAt)
		switch sess.Status {
		case store.SessionActive:
			if sess.ActiveRequests == 0 && inactive > r.cfg.IdleAfter {
				toIdle = append(toIdle, workspace)
			}
		case store.SessionIdle:
			if sess.ActiveRequests == 0 && inactive > r.cfg.IdleAfter+r.cfg.EvictAfter {
				toEvict = append(toEvict, workspace)
			}
		}
	}
	for _, workspace := range toIdle {
		r.sessions[workspace].Status = store.SessionIdle
	}
	r.mu.Unlock()

	for _, workspace := range toIdle {
		r.logger.Info("session marked idle", "workspace", workspace)
		if sess, err := r.Get(workspace); err == nil {
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				r.logger.Warn("failed to persist idle status", "workspace", workspace, "error", err)
			}
		}
	}

	for _, workspace := range toEvict {
		if err := r.Delete(ctx, workspace, false); err != nil {
			// A request may have started since the snapshot; skip this round.
			if !errors.Is(err, ErrActiveRequests) && !errors.Is(err, ErrNotFound) {
				r.logger.Warn("idle eviction failed", "workspace", workspace, "error", err)
			}
			continue
		}
		r.logger.Info("idle session evicted", "workspace", workspace)
	}
}
