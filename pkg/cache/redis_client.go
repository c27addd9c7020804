package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/developer-mesh/gencache/pkg/observability"
	"github.com/developer-mesh/gencache/pkg/resilience"
	"github.com/developer-mesh/gencache/pkg/retry"
)

// ResilientRedisClient wraps the Redis client with circuit breaker and
// bounded retry. All errors other than redis.Nil are normalized to
// ErrStoreUnavailable so the facade can degrade uniformly.
type ResilientRedisClient struct {
	client         *redis.Client
	circuitBreaker *resilience.CircuitBreaker
	retryPolicy    retry.Policy
	logger         observability.Logger
	metrics        observability.MetricsClient
}

// NewResilientRedisClient creates a resilient Redis client with the
// project's default breaker and retry settings.
func NewResilientRedisClient(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *ResilientRedisClient {
	if logger == nil {
		logger = observability.NewLogger("cache.l2.redis")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &ResilientRedisClient{
		client:         client,
		circuitBreaker: resilience.NewCircuitBreaker("l2_redis", resilience.DefaultCircuitBreakerConfig(), logger, metrics),
		retryPolicy:    retry.NewExponentialBackoff(retry.DefaultConfig()),
		logger:         logger,
		metrics:        metrics,
	}
}

// errNotFound distinguishes a clean miss from backend failure inside the
// breaker, so misses do not count against it.
var errNotFound = errors.New("key not found")

// Get retrieves a raw value. Returns ("", false, nil) on a clean miss.
func (r *ResilientRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		var val string
		err := r.retryPolicy.Execute(ctx, func(ctx context.Context) error {
			v, err := r.client.Get(ctx, key).Result()
			if err == redis.Nil {
				return retry.Permanent(errNotFound)
			}
			if err != nil {
				return err
			}
			val = v
			return nil
		})
		return val, err
	})

	if err != nil {
		if errors.Is(err, errNotFound) {
			return "", false, nil
		}
		return "", false, r.normalize(err)
	}
	return result.(string), true, nil
}

// Set stores a value with an expiration
func (r *ResilientRedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	_, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return nil, r.retryPolicy.Execute(ctx, func(ctx context.Context) error {
			return r.client.Set(ctx, key, value, expiration).Err()
		})
	})
	return r.normalize(err)
}

// Del removes keys and returns how many existed
func (r *ResilientRedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	result, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		var n int64
		err := r.retryPolicy.Execute(ctx, func(ctx context.Context) error {
			v, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return err
			}
			n = v
			return nil
		})
		return n, err
	})
	if err != nil {
		return 0, r.normalize(err)
	}
	return result.(int64), nil
}

// ScanKeys iterates keys matching pattern. Uses SCAN, never KEYS.
func (r *ResilientRedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	result, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return keys, nil
			}
		}
	})
	if err != nil {
		return nil, r.normalize(err)
	}
	return result.([]string), nil
}

// Ping verifies connectivity
func (r *ResilientRedisClient) Ping(ctx context.Context) error {
	_, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return r.normalize(err)
}

// normalize maps transport failures, timeouts, and open-breaker rejections
// to ErrStoreUnavailable; context cancellation passes through.
func (r *ResilientRedisClient) normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ErrStoreUnavailable
}
