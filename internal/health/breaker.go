package health

import (
	"sync"
	"time"
)

// CircuitState is the failure-isolation state guarding one backend.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes a single backend circuit.
type BreakerConfig struct {
	// UnhealthyThreshold is the consecutive failure count that opens the circuit.
	UnhealthyThreshold int
	// HealthyThreshold is the consecutive probe success count that closes it again.
	HealthyThreshold int
	// ResetTimeout is how long an open circuit waits before admitting a probe.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the tuned production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		ResetTimeout:       30 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = d.HealthyThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// breaker tracks one backend's circuit. Safe for concurrent use.
type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu             sync.Mutex
	state          CircuitState
	failures       int
	successes      int
	lastTransition time.Time
	probeInFlight  bool
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{
		cfg:            cfg.normalized(),
		now:            now,
		state:          CircuitClosed,
		lastTransition: now(),
	}
}

func (b *breaker) transitionLocked(next CircuitState) {
	b.state = next
	b.lastTransition = b.now()
	b.probeInFlight = false
	switch next {
	case CircuitClosed:
		b.failures = 0
		b.successes = 0
	case CircuitOpen:
		b.successes = 0
	case CircuitHalfOpen:
		b.successes = 0
	}
}

// admit reports whether a new call may be issued against this backend right
// now. probe is true when the admitted call is a half-open probe; at most one
// probe is in flight at a time.
func (b *breaker) admit() (ok, probe bool, changed bool, state CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, false, false, b.state
	case CircuitOpen:
		if b.now().Sub(b.lastTransition) < b.cfg.ResetTimeout {
			return false, false, false, b.state
		}
		b.transitionLocked(CircuitHalfOpen)
		b.probeInFlight = true
		return true, true, true, b.state
	case CircuitHalfOpen:
		if b.probeInFlight {
			return false, false, false, b.state
		}
		b.probeInFlight = true
		return true, true, false, b.state
	default:
		return false, false, false, b.state
	}
}

// report records a call outcome and returns the resulting state plus whether
// the circuit transitioned.
func (b *breaker) report(success bool) (CircuitState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		if success {
			b.failures = 0
			return b.state, false
		}
		b.failures++
		if b.failures >= b.cfg.UnhealthyThreshold {
			b.transitionLocked(CircuitOpen)
			return b.state, true
		}
		return b.state, false
	case CircuitOpen:
		// Straggler result from a call issued before the trip. The timeout
		// clock keeps running from the trip, not from stragglers.
		return b.state, false
	case CircuitHalfOpen:
		b.probeInFlight = false
		if !success {
			b.transitionLocked(CircuitOpen)
			return b.state, true
		}
		b.successes++
		if b.successes >= b.cfg.HealthyThreshold {
			b.transitionLocked(CircuitClosed)
			return b.state, true
		}
		return b.state, false
	default:
		return b.state, false
	}
}

// tick promotes an expired open circuit to half-open without admitting a
// probe, so subscribers learn about the change before the next request.
func (b *breaker) tick() (CircuitState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.lastTransition) >= b.cfg.ResetTimeout {
		b.transitionLocked(CircuitHalfOpen)
		return b.state, true
	}
	return b.state, false
}

func (b *breaker) snapshot() (CircuitState, int, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.successes, b.lastTransition
}
