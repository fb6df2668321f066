// Package circuitbreaker implements the replica-local circuit breaker
// that sits in front of the delivery client's HTTP calls to the
// external email service.
//
// # State machine
//
//	Closed ──(N consecutive failures)──► Open ──(ResetTime elapsed)──► HalfOpen
//	  ▲                                                                    │
//	  └─────────────────(probe succeeds)─────────────────────────────────┘
//	                     (probe fails) ───────────────────────────────────► Open
//
// Unlike a sliding-window error-rate breaker, this one counts
// consecutive failures only: a process-local counter of consecutive
// failures that opens the breaker once it reaches threshold. A single
// success resets the counter to zero.
//
// # Concurrency
//
// All public methods are safe for concurrent use; they hold the
// internal mutex for the duration of the call. The breaker is
// intentionally replica-local: a global breaker would add a second
// coordination surface for no correctness benefit, since the store's
// lease already prevents duplicate delivery across replicas.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	Threshold int           // consecutive failures required to open
	ResetTime time.Duration // how long the breaker stays open before half-open
}

// Breaker is the delivery client's circuit breaker.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// New creates a breaker with the given configuration. A non-positive
// Threshold or ResetTime disables tripping: Allow always returns true.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call should proceed. In StateOpen it also
// performs the Open → HalfOpen transition once ResetTime has elapsed,
// admitting exactly the call that triggers the transition as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Threshold <= 0 || b.cfg.ResetTime <= 0 {
		return true
	}

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTime {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// Only one probe in flight at a time.
		return false
	}
	return true
}

// RecordSuccess resets the consecutive-failure counter and, from
// HalfOpen, closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure counter. From
// Closed it opens the breaker once the threshold is reached; from
// HalfOpen the failed probe reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.cfg.Threshold > 0 && b.consecutiveFailures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveFailures = b.cfg.Threshold
	}
}

// State returns the current breaker state, applying the automatic
// Open → HalfOpen transition if ResetTime has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.ResetTime > 0 && time.Since(b.openedAt) >= b.cfg.ResetTime {
		b.state = StateHalfOpen
	}
	return b.state
}

// ConsecutiveFailures returns the current run length of failures,
// exposed for metrics.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
