// ABOUTME: Circuit breaker isolating a failing container from further calls.
// ABOUTME: Closed/open/half-open with timed reset and gradual failure decay.

package transport

import (
	"sync"
	"time"
)

// BreakerState is the current circuit state for a target.
type BreakerState int

const (
	// BreakerClosed allows all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls until a cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen allows a single trial call.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once consecutive-ish failures
	// reach this count.
	FailureThreshold int
	// ResetTimeout fully closes an open circuit after this much time with
	// no traffic.
	ResetTimeout time.Duration
	// HalfOpenTimeout allows one trial call through an open circuit after
	// this much time.
	HalfOpenTimeout time.Duration
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     2 * time.Minute,
		HalfOpenTimeout:  time.Minute,
	}
}

// Breaker tracks failures against one target. On repeated failure it opens
// and rejects calls immediately; after HalfOpenTimeout one probe is let
// through, and after ResetTimeout it resets fully closed. A success while
// closed decays the failure count by one rather than zeroing it, so isolated
// blips don't fully reset the detector.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	now         func() time.Time // injectable for tests
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. While half-open, only one probe
// is allowed until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed >= b.cfg.ResetTimeout {
			b.state = BreakerClosed
			b.failures = 0
			b.probing = false
			return true
		}
		if elapsed >= b.cfg.HalfOpenTimeout {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false

	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful exchange. In half-open state it closes
// the circuit and zeroes failures; in closed state it decays the failure
// counter by one, never below zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
	case BreakerClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure notes a failed exchange. Once failures reach the threshold
// the circuit opens; a failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BreakerSet holds one breaker per logical target.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty registry of per-target breakers.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a target, creating it on first use.
func (s *BreakerSet) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[target]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[target] = b
	}
	return b
}

// States returns a snapshot of every tracked target's circuit state.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerState, len(s.breakers))
	for target, b := range s.breakers {
		out[target] = b.State()
	}
	return out
}
