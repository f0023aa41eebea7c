// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means the circuit breaker is working normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means the circuit breaker is blocking calls.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means the circuit breaker is testing if service recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Gauge maps the state to 0=open, 1=half-open, 2=closed.
func (s CircuitBreakerState) Gauge() int64 {
	switch s {
	case StateClosed:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open before closing.
	SuccessThreshold int

	// Timeout is how long to wait before trying half-open state.
	Timeout time.Duration

	// Name is the circuit breaker identifier for logging/metrics.
	Name string
}

// StateChangeFunc is called after every state transition, outside the lock.
type StateChangeFunc func(name string, from, to CircuitBreakerState)

// CircuitBreaker stops calling an endpoint that keeps failing.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	onChange     StateChangeFunc
	now          func() time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the breaker identifier.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed. An open breaker whose timeout
// elapsed moves to half-open and admits the call as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from := cb.state
	cb.checkState()
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to != StateOpen
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// RecordFailure registers a failed call. A failure while half-open reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Call executes fn if the circuit breaker allows, tracking success/failure.
// An open circuit returns a CallError with code CIRCUIT_OPEN.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		return cb.openError()
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// must be called under lock
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.failures = 0
	cb.successes = 0
}

// checkState transitions the circuit breaker state if appropriate.
// Must be called under lock.
func (cb *CircuitBreaker) checkState() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) openError() *errors.CallError {
	return errors.New(errors.KindServerError, "circuit breaker open", nil).
		WithCode(errors.CodeCircuitOpen).
		WithDetail("breaker", cb.config.Name).
		WithRetryable(false)
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Open manually forces the circuit breaker to open state.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateOpen
	cb.lastFailTime = cb.now()
	cb.mu.Unlock()
	cb.notify(from, StateOpen)
}

// BreakerSet holds one circuit breaker per endpoint, created on first use.
type BreakerSet struct {
	config   CircuitBreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing config. onChange may be nil.
func NewBreakerSet(config CircuitBreakerConfig, onChange StateChangeFunc) *BreakerSet {
	return &BreakerSet{
		config:   config,
		onChange: onChange,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for endpoint.
func (s *BreakerSet) Get(endpoint string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[endpoint]; ok {
		return cb
	}
	cfg := s.config
	cfg.Name = endpoint
	cb := NewCircuitBreaker(cfg)
	cb.onChange = s.onChange
	cb.now = s.now
	s.breakers[endpoint] = cb
	return cb
}

// States returns the current state of every known breaker.
func (s *BreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()

	out := make(map[string]CircuitBreakerState, len(names))
	for _, name := range names {
		out[name] = s.Get(name).State()
	}
	return out
}

// Reset closes every breaker.
func (s *BreakerSet) Reset() {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()
	for _, cb := range breakers {
		cb.Reset()
	}
}
