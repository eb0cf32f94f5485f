package httpmw

import (
	"errors"
	"sync"
	"time"

	"tusdrop/internal/logging"
)

// CircuitState is the breaker's current state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("httpmw: circuit breaker is open")

// CircuitBreaker wraps calls into the storage backend so a failing
// backend fails fast instead of piling up goroutines on slow I/O.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	halfOpenInUse   bool
}

// NewCircuitBreaker opens after maxFailures consecutive failures and
// attempts recovery after timeout.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, timeout: timeout, state: StateClosed}
}

// Execute runs fn under the breaker's protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = StateHalfOpen
			cb.halfOpenInUse = false
			logging.Info("circuit_breaker_half_open", nil)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if cb.halfOpenInUse {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenInUse = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			logging.Warn("circuit_breaker_open", map[string]any{"failures": cb.failures})
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		logging.Info("circuit_breaker_closed", nil)
	}
	cb.failures = 0
	return nil
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
