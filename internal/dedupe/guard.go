// ABOUTME: Thread-safe TTL cache for suppressing duplicate request execution.
// ABOUTME: Makes at-least-once callback delivery behave as at-most-once effect.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Entry records a processed request. Entries are owned exclusively by the
// Guard and evicted by TTL or capacity pressure.
type Entry struct {
	RequestID string
	ChatID    string
	Workspace string
	Timestamp time.Time
}

type guardEntry struct {
	entry   Entry
	element *list.Element
}

// Guard provides a thread-safe, TTL-based, size-limited cache for tracking
// processed request ids. It is used to short-circuit retried callbacks and
// executions. Eviction at capacity is FIFO by insertion order; re-marking an
// existing id does not refresh its position, so a long-lived retry storm
// cannot pin an entry forever.
type Guard struct {
	mu      sync.RWMutex
	seen    map[string]*guardEntry
	order   *list.List // request ids in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	hits    uint64
	misses  uint64
	done    chan struct{}
	closed  bool
}

// Stats is a point-in-time snapshot of guard state.
type Stats struct {
	Size    int
	MaxSize int
	HitRate float64
}

// New creates a new idempotency guard with the specified TTL and maximum size.
// A background goroutine periodically purges expired entries; lookups also
// self-check TTL so staleness is correct between sweeps.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		seen:    make(map[string]*guardEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// IsDuplicate returns true if the request id has been processed and its entry
// has not expired.
func (g *Guard) IsDuplicate(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.seen[requestID]
	if ok && time.Since(entry.entry.Timestamp) < g.ttl {
		g.hits++
		return true
	}
	g.misses++
	return false
}

// MarkProcessed records that a request id has been processed. If the guard is
// at capacity, the oldest entry is evicted to make room. Marking an already
// present id refreshes its timestamp but keeps its insertion position.
func (g *Guard) MarkProcessed(requestID, chatID, workspace string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	if existing, ok := g.seen[requestID]; ok {
		existing.entry.Timestamp = now
		existing.entry.ChatID = chatID
		existing.entry.Workspace = workspace
		return
	}

	if len(g.seen) >= g.maxSize {
		g.evictOldest()
	}

	elem := g.order.PushBack(requestID)
	g.seen[requestID] = &guardEntry{
		entry: Entry{
			RequestID: requestID,
			ChatID:    chatID,
			Workspace: workspace,
			Timestamp: now,
		},
		element: elem,
	}
}

// GetProcessed returns the entry for a processed request id, or false if the
// id is unknown or its entry has expired.
func (g *Guard) GetProcessed(requestID string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.seen[requestID]
	if !ok || time.Since(entry.entry.Timestamp) >= g.ttl {
		return Entry{}, false
	}
	return entry.entry, true
}

// GetStats returns a snapshot of guard occupancy and hit rate.
func (g *Guard) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := g.hits + g.misses
	rate := 0.0
	if total > 0 {
		rate = float64(g.hits) / float64(total)
	}
	return Stats{
		Size:    len(g.seen),
		MaxSize: g.maxSize,
		HitRate: rate,
	}
}

// Clear removes all entries and resets hit statistics.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seen = make(map[string]*guardEntry)
	g.order.Init()
	g.hits = 0
	g.misses = 0
}

// evictOldest removes the oldest entry. Must be called with mu held.
// O(1) using the insertion-order list.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}

	requestID, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.seen, requestID)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runCleanup()
		case <-g.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the guard.
func (g *Guard) runCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for requestID, entry := range g.seen {
		if now.Sub(entry.entry.Timestamp) > g.ttl {
			g.order.Remove(entry.element)
			delete(g.seen, requestID)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
