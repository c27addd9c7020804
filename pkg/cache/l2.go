package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// L2Store is the warm shared tier. Calls are network-bound: every
// operation honors the caller's deadline and returns ErrStoreUnavailable
// on timeout or backend failure instead of blocking indefinitely.
type L2Store interface {
	// Get returns (nil, nil) on a clean miss
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)
	PutWithTTL(ctx context.Context, entry *CacheEntry, ttl time.Duration) error
	Remove(ctx context.Context, key CacheKey) error
	// RemoveKeys removes canonical key strings, returning how many existed
	RemoveKeys(ctx context.Context, keys []string) (int, error)
	// RemovePrefix removes every entry whose canonical key has the prefix
	RemovePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

// RedisStore implements L2Store on Redis through the resilient client
type RedisStore struct {
	client       *ResilientRedisClient
	keyPrefix    string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       observability.Logger
	metrics      observability.MetricsClient
}

// NewRedisStore creates the Redis-backed L2 tier
func NewRedisStore(client *redis.Client, config L2Config, logger observability.Logger, metrics observability.MetricsClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = observability.NewLogger("cache.l2")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gencache"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 50 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 200 * time.Millisecond
	}

	return &RedisStore{
		client:       NewResilientRedisClient(client, logger, metrics),
		keyPrefix:    config.KeyPrefix,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

func (s *RedisStore) redisKey(canonical string) string {
	return s.keyPrefix + ":entry:" + canonical
}

// withDeadline applies the store's default timeout when the caller did not
// supply one.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Get fetches and decodes an entry
func (s *RedisStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	ctx, cancel := withDeadline(ctx, s.readTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "cache.l2.get")
	defer span.End()

	start := time.Now()
	data, found, err := s.client.Get(ctx, s.redisKey(key.String()))
	s.metrics.RecordLatency("l2.get", time.Since(start))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// A corrupt entry is unrecoverable; drop it and report a miss
		s.logger.Warn("Dropping undecodable L2 entry", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
		_ = s.Remove(ctx, key)
		return nil, nil
	}
	return &entry, nil
}

// PutWithTTL encodes and stores an entry. The Redis expiration includes the
// grace window embedded in the entry's ExpiresAt plus TTL semantics: the
// caller passes the full retention duration.
func (s *RedisStore) PutWithTTL(ctx context.Context, entry *CacheEntry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: non-positive ttl", ErrInvalidEntry)
	}

	ctx, cancel := withDeadline(ctx, s.writeTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "cache.l2.put")
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	start := time.Now()
	err = s.client.Set(ctx, s.redisKey(entry.Key.String()), string(data), ttl)
	s.metrics.RecordLatency("l2.put", time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Remove deletes one entry
func (s *RedisStore) Remove(ctx context.Context, key CacheKey) error {
	_, err := s.RemoveKeys(ctx, []string{key.String()})
	return err
}

// RemoveKeys deletes entries by canonical key string
func (s *RedisStore) RemoveKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := withDeadline(ctx, s.writeTimeout)
	defer cancel()

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}

	n, err := s.client.Del(ctx, redisKeys...)
	return int(n), err
}

// RemovePrefix scans for matching keys and deletes them
func (s *RedisStore) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	ctx, cancel := withDeadline(ctx, s.writeTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "cache.l2.remove_prefix")
	defer span.End()

	keys, err := s.client.ScanKeys(ctx, s.redisKey(prefix)+"*")
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return int(n), nil
}

// Ping verifies the backend is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := withDeadline(ctx, s.readTimeout)
	defer cancel()
	return s.client.Ping(ctx)
}
