// ABOUTME: Tests for the idempotency guard used to suppress retried executions.
// ABOUTME: Validates TTL expiration, FIFO eviction, stats, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuard_IsDuplicate_NotSeen(t *testing.T) {
	guard := New(5*time.Minute, 100)
	defer guard.Close()

	assert.False(t, guard.IsDuplicate("never-seen"))
}

func TestGuard_IsDuplicate_Seen(t *testing.T) {
	guard := New(5*time.Minute, 100)
	defer guard.Close()

	guard.MarkProcessed("req-1", "chat-1", "alpha")

	assert.True(t, guard.IsDuplicate("req-1"))
}

func TestGuard_IsDuplicate_Expired(t *testing.T) {
	guard := New(10*time.Millisecond, 100)
	defer guard.Close()

	guard.MarkProcessed("expiring", "chat-1", "alpha")
	assert.True(t, guard.IsDuplicate("expiring"))

	time.Sleep(20 * time.Millisecond)

	// TTL is self-checked on lookup even before the sweep runs.
	assert.False(t, guard.IsDuplicate("expiring"))
}

func TestGuard_GetProcessed(t *testing.T) {
	guard := New(5*time.Minute, 100)
	defer guard.Close()

	guard.MarkProcessed("req-1", "chat-9", "beta")

	entry, ok := guard.GetProcessed("req-1")
	assert.True(t, ok)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "chat-9", entry.ChatID)
	assert.Equal(t, "beta", entry.Workspace)
	assert.False(t, entry.Timestamp.IsZero())

	_, ok = guard.GetProcessed("unknown")
	assert.False(t, ok)
}

func TestGuard_GetProcessed_Expired(t *testing.T) {
	guard := New(10*time.Millisecond, 100)
	defer guard.Close()

	guard.MarkProcessed("req-1", "chat-1", "alpha")
	time.Sleep(20 * time.Millisecond)

	_, ok := guard.GetProcessed("req-1")
	assert.False(t, ok)
}

func TestGuard_FIFOEviction(t *testing.T) {
	guard := New(5*time.Minute, 3)
	defer guard.Close()

	guard.MarkProcessed("req-1", "c", "w")
	guard.MarkProcessed("req-2", "c", "w")
	guard.MarkProcessed("req-3", "c", "w")

	// Re-marking req-1 must NOT move it to the back of the eviction order.
	guard.MarkProcessed("req-1", "c", "w")

	// At capacity: inserting evicts the oldest by insertion order (req-1).
	guard.MarkProcessed("req-4", "c", "w")

	assert.False(t, guard.IsDuplicate("req-1"))
	assert.True(t, guard.IsDuplicate("req-2"))
	assert.True(t, guard.IsDuplicate("req-3"))
	assert.True(t, guard.IsDuplicate("req-4"))
}

func TestGuard_Stats(t *testing.T) {
	guard := New(5*time.Minute, 10)
	defer guard.Close()

	guard.MarkProcessed("req-1", "c", "w")

	assert.True(t, guard.IsDuplicate("req-1"))  // hit
	assert.False(t, guard.IsDuplicate("req-2")) // miss

	stats := guard.GetStats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.MaxSize)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestGuard_Clear(t *testing.T) {
	guard := New(5*time.Minute, 10)
	defer guard.Close()

	guard.MarkProcessed("req-1", "c", "w")
	assert.True(t, guard.IsDuplicate("req-1"))

	guard.Clear()

	assert.False(t, guard.IsDuplicate("req-1"))
	stats := guard.GetStats()
	assert.Equal(t, 0, stats.Size)
}

func TestGuard_BackgroundCleanup(t *testing.T) {
	guard := New(10*time.Millisecond, 100)
	defer guard.Close()

	guard.MarkProcessed("req-1", "c", "w")
	time.Sleep(20 * time.Millisecond)

	// Force the sweep directly rather than waiting for the minute ticker.
	guard.runCleanup()

	stats := guard.GetStats()
	assert.Equal(t, 0, stats.Size)
}

func TestGuard_Close_Idempotent(t *testing.T) {
	guard := New(time.Minute, 10)
	guard.Close()
	guard.Close()
}

func TestGuard_ConcurrentAccess(t *testing.T) {
	guard := New(time.Minute, 1000)
	defer guard.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("req-%d-%d", n, j)
				guard.MarkProcessed(id, "chat", "ws")
				guard.IsDuplicate(id)
				guard.GetProcessed(id)
				guard.GetStats()
			}
		}(i)
	}
	wg.Wait()

	stats := guard.GetStats()
	assert.Equal(t, 1000, stats.Size)
}
