// ABOUTME: Tests for the session registry.
// ABOUTME: Covers single-creation under concurrency, delete conflicts, and idle eviction.

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/store"
)

// fakeMux records controller calls and can be told to fail or report sessions.
type fakeMux struct {
	mu        sync.Mutex
	ensured   []string
	killed    []string
	ensureErr error
	live      map[string][]string // containerID -> session names
	gone      map[string]bool     // containerID -> container missing

	ensureCalls atomic.Int64
}

func newFakeMux() *fakeMux {
	return &fakeMux{live: make(map[string][]string), gone: make(map[string]bool)}
}

func (f *fakeMux) EnsureSession(_ context.Context, containerID, sessionName string) error {
	f.ensureCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, sessionName)
	f.live[containerID] = append(f.live[containerID], sessionName)
	return nil
}

func (f *fakeMux) SendPrompt(context.Context, string, string, RouteMeta, string) error {
	return nil
}

func (f *fakeMux) ListSessions(_ context.Context, containerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[containerID] {
		return nil, ErrContainerGone
	}
	return f.live[containerID], nil
}

func (f *fakeMux) KillSession(_ context.Context, containerID, sessionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionName)
	names := f.live[containerID]
	for i, n := range names {
		if n == sessionName {
			f.live[containerID] = append(names[:i], names[i+1:]...)
			break
		}
	}
	return nil
}

func newTestRegistry(t *testing.T, mux *fakeMux, cfg Config) *Registry {
	t.Helper()
	reg := NewRegistry(store.NewMockStore(), mux, cfg)
	t.Cleanup(reg.Stop)
	return reg
}

func TestRegistry_GetOrCreate(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{})

	sess, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", sess.Workspace)
	assert.Equal(t, "fold-ws-alpha", sess.ContainerID)
	assert.Equal(t, store.SessionActive, sess.Status)
	assert.NotEmpty(t, sess.SessionID)

	// Second call returns the same session without touching the mux again.
	again, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, again.SessionID)
	assert.Equal(t, int64(1), mux.ensureCalls.Load())
}

func TestRegistry_ConcurrentCreateCollapses(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{})

	const callers = 20
	results := make([]*store.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := reg.GetOrCreate(context.Background(), "alpha")
			require.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), mux.ensureCalls.Load(), "concurrent callers must share one creation")
	for _, sess := range results {
		assert.Equal(t, results[0].SessionID, sess.SessionID)
	}
}

func TestRegistry_CreateFailurePropagates(t *testing.T) {
	mux := newFakeMux()
	mux.ensureErr = errors.New("docker daemon unreachable")
	reg := newTestRegistry(t, mux, Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker daemon unreachable")

	// Nothing half-created remains.
	_, err = reg.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_TrackCounters(t *testing.T) {
	reg := newTestRegistry(t, newFakeMux(), Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, reg.TrackStart("alpha"))
	require.NoError(t, reg.TrackStart("alpha"))
	sess, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.ActiveRequests)
	assert.Equal(t, 2, sess.TotalRequests)

	require.NoError(t, reg.TrackComplete("alpha"))
	require.NoError(t, reg.TrackComplete("alpha"))
	require.NoError(t, reg.TrackComplete("alpha"), "extra completion must not error")
	sess, err = reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.ActiveRequests, "active count never goes below zero")
	assert.Equal(t, 2, sess.TotalRequests)

	assert.ErrorIs(t, reg.TrackStart("nope"), ErrNotFound)
}

func TestRegistry_DeleteRefusesActiveWork(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, reg.TrackStart("alpha"))

	err = reg.Delete(context.Background(), "alpha", false)
	assert.ErrorIs(t, err, ErrActiveRequests)
	_, err = reg.Get("alpha")
	assert.NoError(t, err, "refused delete must leave the session intact")

	// Force overrides the conflict.
	require.NoError(t, reg.Delete(context.Background(), "alpha", true))
	_, err = reg.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, mux.killed, 1)
}

func TestRegistry_DeleteUnknownWorkspace(t *testing.T) {
	reg := newTestRegistry(t, newFakeMux(), Config{})
	assert.ErrorIs(t, reg.Delete(context.Background(), "ghost", false), ErrNotFound)
}

func TestRegistry_StatsByStatus(t *testing.T) {
	reg := newTestRegistry(t, newFakeMux(), Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = reg.GetOrCreate(context.Background(), "beta")
	require.NoError(t, err)

	stats := reg.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Idle)

	assert.Len(t, reg.List(), 2)
}

func TestRegistry_IdleSweep(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{
		IdleAfter:  30 * time.Minute,
		EvictAfter: 10 * time.Minute,
	})

	base := time.Now()
	reg.now = func() time.Time { return base }

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, reg.TrackStart("alpha"))

	// Past the idle threshold but still busy: stays active.
	reg.now = func() time.Time { return base.Add(31 * time.Minute) }
	reg.sweep(context.Background())
	sess, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.Status)

	// Work completes; the activity clock restarts from the completion.
	require.NoError(t, reg.TrackComplete("alpha"))
	completedAt := base.Add(31 * time.Minute)

	reg.now = func() time.Time { return completedAt.Add(31 * time.Minute) }
	reg.sweep(context.Background())
	sess, err = reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, sess.Status)

	// Not yet past idle+grace from last activity.
	reg.now = func() time.Time { return completedAt.Add(35 * time.Minute) }
	reg.sweep(context.Background())
	_, err = reg.Get("alpha")
	assert.NoError(t, err)

	// Past idle+grace: evicted and the mux session killed.
	reg.now = func() time.Time { return completedAt.Add(41 * time.Minute) }
	reg.sweep(context.Background())
	_, err = reg.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, mux.killed, 1)
}

func TestRegistry_SyncDropsDeadSessions(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	sess, err := reg.GetOrCreate(context.Background(), "beta")
	require.NoError(t, err)

	// beta's tmux session dies out from under us.
	mux.mu.Lock()
	mux.live[sess.ContainerID] = nil
	mux.mu.Unlock()

	require.NoError(t, reg.Sync(context.Background()))
	_, err = reg.Get("alpha")
	assert.NoError(t, err)
	_, err = reg.Get("beta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SyncDropsGoneContainers(t *testing.T) {
	mux := newFakeMux()
	reg := newTestRegistry(t, mux, Config{})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)

	mux.mu.Lock()
	mux.gone["fold-ws-alpha"] = true
	mux.mu.Unlock()

	require.NoError(t, reg.Sync(context.Background()))
	_, err = reg.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_StartRestoresPersistedSessions(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.CreateSession(context.Background(), &store.Session{
		Workspace:      "alpha",
		SessionID:      "fold-alpha-old",
		ContainerID:    "fold-ws-alpha",
		Status:         store.SessionActive,
		CreatedAt:      time.Now().Add(-time.Hour),
		LastActivityAt: time.Now().Add(-time.Minute),
		ActiveRequests: 3, // stale in-flight count from before the restart
	}))

	reg := NewRegistry(st, newFakeMux(), Config{})
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	sess, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "fold-alpha-old", sess.SessionID)
	assert.Equal(t, 0, sess.ActiveRequests, "in-flight counts do not survive restart")
}
