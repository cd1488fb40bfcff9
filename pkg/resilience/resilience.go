// Package resilience provides battle-tested reliability patterns for distributed systems.
package resilience

import (
	"context"

	"gridworks/pkg/helper/log"
)

// Manager coordinates the resilience patterns the peer transport uses:
// a circuit breaker per peer and a retry policy for connection setup.
type Manager struct {
	circuitBreakers *CircuitBreakerManager
	retryManager    *RetryManager
	logger          log.Logger
}

// NewManager creates a new resilience manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewBasicLogger(log.InfoLevel)
	}

	return &Manager{
		circuitBreakers: NewCircuitBreakerManager(logger),
		retryManager:    NewRetryManager(logger),
		logger:          logger,
	}
}

// ExecuteWithResilience runs fn behind the named circuit breaker, retrying
// according to the policy registered for name.
func (m *Manager) ExecuteWithResilience(ctx context.Context, name string, fn func() error) error {
	circuitBreaker := m.circuitBreakers.GetOrCreate(name, DefaultCircuitBreakerSettings(name))

	return circuitBreaker.Execute(func() error {
		policy := m.retryManager.GetPolicy(name)
		return policy.RetryWithLogger(ctx, fn, m.logger)
	})
}

// CircuitBreakers returns the circuit breaker manager.
func (m *Manager) CircuitBreakers() *CircuitBreakerManager {
	return m.circuitBreakers
}

// Retry returns the retry manager.
func (m *Manager) Retry() *RetryManager {
	return m.retryManager
}
