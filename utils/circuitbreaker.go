package utils

import (
	"errors"
	"sync"
	"time"
)

// Breaker states.
const (
	BreakerClosed = iota
	BreakerOpen
	BreakerHalfOpen
)

// ErrBreakerOpen is returned without invoking the wrapped operation while
// the breaker is open (or while a half-open probe is already in flight).
var ErrBreakerOpen = errors.New("circuit breaker open")

// CircuitBreaker isolates one failing endpoint. Use one instance per
// distinct external endpoint so a bad RPC host does not suppress traffic
// to healthy ones.
type CircuitBreaker struct {
	mu sync.Mutex

	state        int
	failures     int
	threshold    int
	resetTimeout time.Duration
	resumeAt     time.Time
	probing      bool

	now func() time.Time // test hook
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Do invokes op unless the breaker is open. State transitions:
// closed → open at `threshold` consecutive failures; open → half-open once
// resetTimeout elapses, letting exactly one probe through; the probe's
// result decides closed vs open again.
func (cb *CircuitBreaker) Do(op func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Before(cb.resumeAt) {
			return ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return ErrBreakerOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.probing = false
		if err == nil {
			cb.state = BreakerClosed
			cb.failures = 0
		} else {
			cb.state = BreakerOpen
			cb.resumeAt = cb.now().Add(cb.resetTimeout)
		}
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.resumeAt = cb.now().Add(cb.resetTimeout)
	}
}

// State reports the current breaker state.
func (cb *CircuitBreaker) State() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
