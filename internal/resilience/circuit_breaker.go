package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/cyavt/server-bot-ai/internal/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the service recovered
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned by Call while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// halfOpenProbes is how many consecutive successes close the circuit
// again after the reset timeout.
const halfOpenProbes = 3

// CircuitBreaker guards a flaky dependency: after maxFailures
// consecutive failures requests are rejected outright until resetTimeout
// elapses, then a handful of probe requests decide whether to close.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu            sync.RWMutex
	state         CircuitState
	failureCount  int
	successCount  int
	lastFailTime  time.Time
	totalRequests int64
	totalFailures int64
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Call runs fn under breaker protection. While the circuit is open it
// returns ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.RecordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) >= cb.resetTimeout {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

// RecordResult feeds one request outcome into the breaker.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= halfOpenProbes {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe reopens immediately
		cb.transition(StateOpen)
		cb.successCount = 0
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(next CircuitState) {
	cb.state = next
	observability.UpdateCircuitBreakerState(cb.name, int(next))
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns cumulative request and failure counts.
func (cb *CircuitBreaker) GetStats() (state CircuitState, requests, failures int64, failureRate float64) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state = cb.state
	requests = cb.totalRequests
	failures = cb.totalFailures
	if requests > 0 {
		failureRate = float64(failures) / float64(requests) * 100.0
	}
	return
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}
