package transport

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker guards connect attempts against a failing peer: after
// failureThreshold consecutive failures it opens and fails fast until
// openDuration elapses, then allows one half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failureThreshold int
	openDuration     time.Duration
	consecutive      int
	openedAt         time.Time
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(failureThreshold int, openDuration time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, openDuration: openDuration}
}

// Allow reports whether a connect attempt may proceed, transitioning OPEN to
// HALF-OPEN once the cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutive = 0
}

// RecordFailure increments the failure count, opening the breaker once
// failureThreshold consecutive failures have been observed. A failure while
// HALF-OPEN reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutive++
	if b.consecutive >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// State reports the current state as a string, for tests and diagnostics.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
