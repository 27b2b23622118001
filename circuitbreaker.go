package main

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the bank while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold    int           // consecutive indeterminate outcomes before opening
	CooldownPeriod      time.Duration // time spent OPEN before a probe is allowed
	HalfOpenMaxRequests int           // successful probes needed to close again
}

// DefaultCircuitBreakerConfig returns production defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    10,
		CooldownPeriod:      30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker guards the bank. Only calls whose outcome is unknown count as failures;
// a decline or a rejection is a healthy bank answering.
type CircuitBreaker struct {
	name            string
	state           CircuitState
	failureCount    int
	successCount    int
	totalRequests   int
	errorCount      int
	rejectedCount   int
	lastStateChange time.Time
	lastError       error
	mu              sync.RWMutex
	config          CircuitBreakerConfig
	logger          *StructuredLogger
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with given config
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *StructuredLogger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:            name,
		state:           StateClosed,
		config:          config,
		logger:          logger,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open. A non-nil error from fn is recorded as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastStateChange) >= cb.config.CooldownPeriod {
			cb.transitionTo(StateHalfOpen, "cooldown elapsed")
			return nil
		}
		cb.rejectedCount++
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if err != nil {
		cb.errorCount++
		cb.failureCount++
		cb.successCount = 0
		cb.lastError = err

		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", cb.failureCount))
			}
		case StateHalfOpen:
			cb.transitionTo(StateOpen, "probe failed")
		}
		return
	}

	cb.failureCount = 0
	cb.successCount++

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.HalfOpenMaxRequests {
		cb.transitionTo(StateClosed, fmt.Sprintf("%d successful probes", cb.successCount))
	}
}

// transitionTo must be called with mu held
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.failureCount = 0
	cb.successCount = 0

	if cb.logger != nil {
		LogCircuitBreakerStateChange(cb.logger, cb.name, oldState.String(), newState.String(), reason)
	}
}

// GetState returns the current state (thread-safe)
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"name":                  cb.name,
		"state":                 cb.state.String(),
		"failure_count":         cb.failureCount,
		"success_count":         cb.successCount,
		"total_requests":        cb.totalRequests,
		"error_count":           cb.errorCount,
		"rejected_count":        cb.rejectedCount,
		"last_state_change":     cb.lastStateChange.Format(time.RFC3339),
		"time_in_current_state": cb.now().Sub(cb.lastStateChange).String(),
	}

	if cb.lastError != nil {
		stats["last_error"] = cb.lastError.Error()
	}

	return stats
}

// Reset forces the breaker back to CLOSED
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transitionTo(StateClosed, "manual reset")
	}
	cb.totalRequests = 0
	cb.errorCount = 0
	cb.rejectedCount = 0
	cb.lastError = nil
}
