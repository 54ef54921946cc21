// Package resilience short-circuits calls to a coordination store that keeps
// failing, so fail-open paths return at once instead of waiting out timeouts
// and retries on every request.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all calls through
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses
	StateOpen
	// StateHalfOpen lets a probe through to test recovery
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

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker opens after maxFailures consecutive failures and lets a
// single probe through once openTimeout has elapsed.
type CircuitBreaker struct {
	maxFailures  int
	openTimeout  time.Duration
	isFailure    func(error) bool
	now          func() time.Time
	onTransition func(from, to State)

	mu           sync.Mutex
	state        State
	failures     int
	lastFailTime time.Time
	probing      bool
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailurePredicate decides which errors count as failures. By default
// every non-nil error does.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionHook is called outside the lock on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(maxFailures int, openTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		openTimeout: openTimeout,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
		state:       StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. Errors that are not failures
// by the predicate are returned without affecting the circuit.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err != nil && cb.isFailure(err))
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.openTimeout {
			allowed = false
			break
		}
		cb.state = StateHalfOpen
		cb.probing = true
	case StateHalfOpen:
		// one probe at a time
		if cb.probing {
			allowed = false
			break
		}
		cb.probing = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	from := cb.state
	wasProbe := cb.probing
	cb.probing = false
	if failed {
		cb.lastFailTime = cb.now()
		if from == StateHalfOpen && wasProbe {
			cb.state = StateOpen
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.maxFailures {
				cb.state = StateOpen
			}
		}
	} else {
		cb.failures = 0
		cb.state = StateClosed
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the consecutive failure count
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
