package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Transport so that sends fail fast with
// ErrCircuitOpen after threshold consecutive failures, for timeout.
type CircuitBreaker struct {
	Transport
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around t.
func NewCircuitBreaker(t Transport, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		Transport: t,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial send.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open once timeout elapsed.
// Only one trial send is let through while half-open.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Send implements Transport.Send with circuit breaker logic.
func (cb *CircuitBreaker) Send(ctx context.Context, to int, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.Transport.Send(ctx, to, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}
