// Package resilience provides circuit breaker protection for calls to
// remote backends. It wraps sony/gobreaker behind the configuration shape
// used across the project.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before tripping
	FailureThreshold uint32
	// FailureRatio trips the breaker when exceeded over a minimum request count
	FailureRatio float64
	// MinimumRequestCount is the number of requests before FailureRatio applies
	MinimumRequestCount uint32
	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout time.Duration
	// MaxRequestsHalfOpen limits concurrent probes in the half-open state
	MaxRequestsHalfOpen uint32
}

// DefaultCircuitBreakerConfig returns production defaults tuned for a
// low-latency store backend.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		FailureRatio:        0.6,
		MinimumRequestCount: 10,
		ResetTimeout:        30 * time.Second,
		MaxRequestsHalfOpen: 5,
	}
}

// CircuitBreaker implements the circuit breaker pattern over gobreaker
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewLogger("resilience.circuit_breaker")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cb := &CircuitBreaker{
		name:    name,
		logger:  logger,
		metrics: metrics,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequestsHalfOpen,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= config.FailureThreshold {
				return true
			}
			if config.FailureRatio > 0 && counts.Requests >= config.MinimumRequestCount {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= config.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			cb.metrics.IncrementCounterWithLabels("circuit_breaker.state_change", 1, map[string]string{
				"name": name,
				"to":   to.String(),
			})
		},
	}

	cb.breaker = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// Execute runs fn under breaker protection. A rejected call returns
// ErrCircuitOpen; callers should treat it like backend unavailability.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state as a string
func (c *CircuitBreaker) State() string {
	return c.breaker.State().String()
}
