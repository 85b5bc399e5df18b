package bus

import (
	"sync"
	"time"

	"github.com/basket/media-orchestrator/internal/clock"
)

// BreakerState names the three states of a per-destination circuit breaker
// (spec §4.7).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one destination's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// circuitBreaker absorbs repeated downstream failures for one destination
// (here: one topic). While open, Allow reports false and callers must
// short-circuit to a fallback result rather than attempt delivery.
type circuitBreaker struct {
	mu    sync.Mutex
	clock clock.Source
	cfg   BreakerConfig

	state      BreakerState
	failures   int
	successes  int
	openedAt   time.Time
}

func newCircuitBreaker(src clock.Source, cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{clock: src, cfg: cfg.normalized(), state: BreakerClosed}
}

// Allow reports whether a delivery attempt should proceed. Calling Allow on
// an open breaker past its timeout transitions it to half-open.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.Timeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful delivery.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
}

// RecordFailure reports a failed delivery. A single failure while half-open
// reopens the breaker immediately.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
		}
	}
}

// State reports the breaker's current state, for diagnostics.
func (b *circuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
