// Package resilience holds the circuit breaker workers use to stop hammering a
// backend whose pops keep failing.
package resilience

import (
	"sync"
	"time"
)

// State is the state of a CircuitBreaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and lets a single
// trial through once cooldown has elapsed. A successful trial closes it, a failed
// one opens it for another cooldown.
//
// A breaker with maxFailures <= 0 never opens.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Allow reports whether a call may proceed. When it may not, wait is the time
// left until the next trial.
func (cb *CircuitBreaker) Allow() (wait time.Duration, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		remaining := cb.cooldown - cb.now().Sub(cb.openedAt)
		if remaining > 0 {
			return remaining, false
		}
		cb.state = StateHalfOpen
		cb.trialing = true
		return 0, true
	case StateHalfOpen:
		if cb.trialing {
			return cb.cooldown, false
		}
		cb.trialing = true
		return 0, true
	default:
		return 0, true
	}
}

// RecordFailure counts a failed call and reports whether the breaker is now open.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.maxFailures <= 0 {
		return false
	}
	if cb.state == StateHalfOpen {
		cb.open()
		return true
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.open()
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trialing = false
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failures counted while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.trialing = false
}
