package payhook

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerState is the position of a breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// Breaker defaults
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second
)

// CircuitBreaker guards calls to a dependency that may be down.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is open, in which case it returns
	// ErrCircuitOpen without calling fn.
	Execute(ctx context.Context, fn func() error) error
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive failures.
// Once resetTimeout has passed it admits exactly one probe: success closes
// it, failure reopens it for another resetTimeout.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    func(state CircuitBreakerState)
	now              func() time.Time

	state    CircuitBreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewDefaultCircuitBreaker creates a closed breaker. Non-positive arguments
// take the package defaults. onStateChange, if set, is called with the lock held.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultBreakerFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerResetTimeout
	}
	return &DefaultCircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
		now:              time.Now,
		state:            StateClosed,
	}
}

// State reports the breaker position. An open breaker whose reset timeout
// has elapsed reports half-open.
func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// advance moves an expired open breaker to half-open. Caller holds mu.
func (cb *DefaultCircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is the half-open probe.
func (cb *DefaultCircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *DefaultCircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	if err == nil {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	if probe || (cb.state == StateClosed && cb.failures >= cb.failureThreshold) {
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) transition(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}
