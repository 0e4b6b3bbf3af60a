// ABOUTME: Tests for the circuit breaker state machine.
// ABOUTME: Covers threshold opening, half-open probes, reset, and failure decay.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance the breaker's view of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(DefaultBreakerConfig())
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		assert.True(t, b.Allow(), "call %d should be allowed", i)
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())

	// Fifth failure reaches the threshold.
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	// Sixth call is rejected without attempting the transport.
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// After the half-open timeout, exactly one probe is let through.
	clock.advance(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "second call during probe must be rejected")

	// Successful probe closes the circuit and zeroes failures.
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_FullResetAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())

	// Past the full reset timeout with no traffic: closed with zero failures.
	clock.advance(2*time.Minute + time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_SuccessDecaysFailures(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 3, b.Failures())

	// Success in closed state decays by one, never zeroes.
	b.RecordSuccess()
	assert.Equal(t, 2, b.Failures())
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures(), "decay never goes below zero")
}

func TestBreaker_DecayKeepsDetectorArmed(t *testing.T) {
	b, _ := newTestBreaker()

	// Alternating blips: decay means the counter tracks the trend instead of
	// resetting on every success.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
	}
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSet_PerTarget(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		set.For("container-a").RecordFailure()
	}

	assert.False(t, set.For("container-a").Allow())
	assert.True(t, set.For("container-b").Allow(), "unrelated target must be isolated")

	states := set.States()
	assert.Equal(t, BreakerOpen, states["container-a"])
	assert.Equal(t, BreakerClosed, states["container-b"])
}
