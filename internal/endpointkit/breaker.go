package endpointkit

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-URL circuit breaker. Defaults mirror the
// original implementation's pool.rs CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold    int           // consecutive failures before tripping
	FailureRateThresh   float64       // failure rate over the window before tripping
	MinRequests         int           // minimum requests in the window before rate applies
	Cooldown            time.Duration // time spent Open before trying HalfOpen
	MaxHalfOpenRequests int           // probes admitted while HalfOpen
}

// DefaultBreakerConfig matches the values the original pool construction used.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		FailureRateThresh:   0.5,
		MinRequests:         10,
		Cooldown:            30 * time.Second,
		MaxHalfOpenRequests: 2,
	}
}

// Breaker is a per-URL failure gate. Every method, reads included,
// takes the short mutex; the half-open in-flight count is additionally
// updated through sync/atomic.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	total           int64
	failures        int64
	openedAt        time.Time
	halfOpenInFlight int32
}

// NewBreaker builds a Closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

// maybeTransitionToHalfOpenLocked moves Open -> HalfOpen once the cooldown
// has elapsed. Caller holds b.mu.
func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		atomic.StoreInt32(&b.halfOpenInFlight, 0)
	}
}

// Allow reports whether a new attempt may proceed, admitting at most
// MaxHalfOpenRequests concurrent probes while HalfOpen.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if int(atomic.LoadInt32(&b.halfOpenInFlight)) >= b.cfg.MaxHalfOpenRequests {
			return false
		}
		atomic.AddInt32(&b.halfOpenInFlight, 1)
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful attempt. Closed stays Closed and
// resets the failure streak; HalfOpen closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.consecutiveFail = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.failures = 0
		b.total = 0
	}
}

// RecordFailure reports a failed attempt. Trips Open on consecutive
// failures ≥ FailureThreshold, or on failure rate > threshold once
// MinRequests have been observed. A failure while HalfOpen reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.failures++
	b.consecutiveFail++

	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}

	if b.consecutiveFail >= b.cfg.FailureThreshold {
		b.trip()
		return
	}
	if b.total >= int64(b.cfg.MinRequests) {
		rate := float64(b.failures) / float64(b.total)
		if rate > b.cfg.FailureRateThresh {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	atomic.StoreInt32(&b.halfOpenInFlight, 0)
}
