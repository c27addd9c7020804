// Package retry provides bounded retry policies for transient failures,
// built on cenkalti/backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultConfig returns a retry configuration suitable for cache store
// operations, where latency budgets are small.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  2 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

// ExponentialBackoff implements an exponential backoff retry policy with jitter
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 50 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 500 * time.Millisecond
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 2 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	return &ExponentialBackoff{config: config}
}

// Execute runs fn until it succeeds, the retry budget is exhausted, or the
// context is cancelled. Permanent errors (wrapped with Permanent) are not
// retried.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.InitialInterval
	bo.MaxInterval = e.config.MaxInterval
	bo.MaxElapsedTime = e.config.MaxElapsedTime
	bo.Multiplier = e.config.Multiplier

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if e.config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, e.config.MaxRetries)
	}

	return backoff.Retry(func() error {
		return fn(ctx)
	}, policy)
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NoRetry returns a policy that executes fn exactly once
func NoRetry() Policy { return noRetry{} }

type noRetry struct{}

func (noRetry) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
