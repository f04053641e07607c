// Package resilience provides the circuit breaker guarding the inference
// executor against cascading native-runtime failures.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open) that protects callers from hammering a dependency that keeps
// failing. It is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and OpenDuration has not yet elapsed since it tripped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — every call proceeds.
	StateClosed State = iota

	// StateOpen rejects calls immediately with [ErrCircuitOpen] until
	// OpenDuration elapses since the breaker tripped.
	StateOpen

	// StateHalfOpen is the probe state entered after OpenDuration elapses. A
	// bounded number of trial calls are let through; consecutive successes
	// close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenPermits is the maximum number of concurrent trial calls allowed
	// in the half-open state. Default: 3.
	HalfOpenPermits int

	// HalfOpenSuccessThreshold is the number of consecutive successful probe
	// calls required to close the breaker. Default: equals HalfOpenPermits.
	HalfOpenSuccessThreshold int
}

// CircuitBreaker implements the three-state circuit breaker pattern
// described by the Circuit Breaker State data model: state, consecutive
// failures, the time it opened, and half-open probe bookkeeping.
type CircuitBreaker struct {
	name                     string
	failureThreshold         int
	openDuration             time.Duration
	halfOpenPermits          int
	halfOpenSuccessThreshold int

	mu                    sync.Mutex
	state                 State
	failures              int
	openedAt              time.Time
	halfOpenPermitsIssued int
	halfOpenSuccesses     int
}

// New creates a [CircuitBreaker] with the supplied configuration. Zero-value
// fields are replaced with their documented defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenPermits <= 0 {
		cfg.HalfOpenPermits = 3
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = cfg.HalfOpenPermits
	}
	return &CircuitBreaker{
		name:                     cfg.Name,
		failureThreshold:         cfg.FailureThreshold,
		openDuration:             cfg.OpenDuration,
		halfOpenPermits:          cfg.HalfOpenPermits,
		halfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
		state:                    StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without invoking fn. In the half-open state a bounded
// number of probe calls are permitted.
//
// retryable classifies whether a non-nil error from fn should count against
// the breaker; a nil retryable treats every error as retryable. Errors the
// classifier marks non-retryable (validation, configuration faults) leave
// breaker state untouched.
func (cb *CircuitBreaker) Execute(fn func() error, retryable func(error) bool) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.openDuration {
			cb.state = StateHalfOpen
			cb.halfOpenPermitsIssued = 0
			cb.halfOpenSuccesses = 0
			slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if cb.halfOpenPermitsIssued >= cb.halfOpenPermits {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenPermitsIssued++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.recordSuccess(inHalfOpen)
		return nil
	}
	if retryable == nil || retryable(err) {
		cb.recordFailure(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.failureThreshold
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenSuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenPermitsIssued = 0
			cb.halfOpenSuccesses = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State returns the current [State]. If the breaker is open and OpenDuration
// has elapsed, the returned state is [StateHalfOpen]; the actual transition
// happens on the next [Execute] call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.openDuration {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenPermitsIssued = 0
	cb.halfOpenSuccesses = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
