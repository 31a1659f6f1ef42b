package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState is the state of a circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned while the breaker rejects calls
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe budget is used up
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCircuitBreakerConfig is returned for unusable settings
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds the thresholds of a breaker guarding one collaborator
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the circuit
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is let through
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests bounds concurrent probes
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
}

// Validate checks the configuration
func (c CircuitBreakerConfig) Validate() error {
	switch {
	case c.MaxFailures == 0:
		return errors.New("max_failures must be greater than 0")
	case c.Timeout <= 0:
		return errors.New("timeout must be greater than 0")
	case c.MaxHalfOpenRequests == 0:
		return errors.New("max_half_open_requests must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig trips after 5 failures and probes again after 30s
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a collaborator that keeps failing.
// Notification channels and the escalation client each own one.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    Clock

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     uint32
	openedAt     time.Time
	halfOpenReqs uint32
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCircuitBreakerConfig, name, err)
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  CircuitBreakerStateClosed,
	}, nil
}

// WithClock replaces the time source; used by tests
func (cb *CircuitBreaker) WithClock(now Clock) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// Name returns the guarded collaborator's name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may proceed. Every nil return must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerStateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitBreakerOpen
		}
		cb.state = CircuitBreakerStateHalfOpen
		cb.halfOpenReqs = 1
		return nil
	case CircuitBreakerStateHalfOpen:
		if cb.halfOpenReqs >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes a half-open circuit and clears the failure count
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures = 0
	cb.halfOpenReqs = 0
	cb.state = CircuitBreakerStateClosed
	return oldState, cb.state
}

// RecordFailure counts a failure; a failed probe reopens immediately
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures++

	switch cb.state {
	case CircuitBreakerStateHalfOpen:
		cb.trip()
	case CircuitBreakerStateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.trip()
		}
	}
	return oldState, cb.state
}

// caller holds mu
func (cb *CircuitBreaker) trip() {
	cb.state = CircuitBreakerStateOpen
	cb.openedAt = cb.now()
	cb.halfOpenReqs = 0
}

// Do runs fn through the breaker and records its outcome
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
