package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gencache/pkg/observability"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := NewRedisStore(client, L2Config{
		KeyPrefix:    "test",
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	}, observability.NewNoopLogger(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return store, mr
}

func l2Entry(ns, fingerprint, payload string) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Key: CacheKey{
			Namespace:     ns,
			ContentType:   "completion",
			ScopeID:       "public",
			PriorityClass: PriorityNormal,
			Fingerprint:   fingerprint,
		},
		Payload:           payload,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
		SecurityNamespace: ns,
		TTL:               time.Hour,
	}
}

func TestNewRedisStore(t *testing.T) {
	t.Run("nil client rejected", func(t *testing.T) {
		store, err := NewRedisStore(nil, L2Config{}, nil, nil)
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestRedisStore_PutGet(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	entry := l2Entry("tenant-a", "fp-1", "the answer")
	require.NoError(t, store.PutWithTTL(ctx, entry, time.Hour))

	got, err := store.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, "tenant-a", got.SecurityNamespace)
}

func TestRedisStore_CleanMiss(t *testing.T) {
	store, _ := setupRedisStore(t)

	got, err := store.Get(context.Background(), l2Entry("tenant-a", "absent", "").Key)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	entry := l2Entry("tenant-a", "fp-1", "short lived")
	require.NoError(t, store.PutWithTTL(ctx, entry, time.Minute))

	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, entry.Key)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_RejectsInvalidPuts(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	err := store.PutWithTTL(ctx, nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	err = store.PutWithTTL(ctx, l2Entry("tenant-a", "fp-1", "x"), 0)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRedisStore_CorruptEntryIsMiss(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	entry := l2Entry("tenant-a", "fp-1", "valid")
	require.NoError(t, store.PutWithTTL(ctx, entry, time.Hour))
	require.NoError(t, mr.Set(store.redisKey(entry.Key.String()), "{not json"))

	got, err := store.Get(ctx, entry.Key)
	assert.NoError(t, err)
	assert.Nil(t, got)

	// The corrupt value was dropped, not left to fail again
	assert.False(t, mr.Exists(store.redisKey(entry.Key.String())))
}

func TestRedisStore_RemoveKeys(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	e1 := l2Entry("tenant-a", "fp-1", "one")
	e2 := l2Entry("tenant-a", "fp-2", "two")
	require.NoError(t, store.PutWithTTL(ctx, e1, time.Hour))
	require.NoError(t, store.PutWithTTL(ctx, e2, time.Hour))

	n, err := store.RemoveKeys(ctx, []string{e1.Key.String(), e2.Key.String(), "tenant-a:completion:public:normal:absent"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Get(ctx, e1.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err = store.RemoveKeys(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_RemovePrefix(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutWithTTL(ctx, l2Entry("tenant-a", "fp-1", "one"), time.Hour))
	require.NoError(t, store.PutWithTTL(ctx, l2Entry("tenant-a", "fp-2", "two"), time.Hour))
	require.NoError(t, store.PutWithTTL(ctx, l2Entry("tenant-b", "fp-1", "other"), time.Hour))

	n, err := store.RemovePrefix(ctx, "tenant-a:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Get(ctx, l2Entry("tenant-b", "fp-1", "").Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "other", got.Payload)
}

func TestRedisStore_BackendFailure(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	entry := l2Entry("tenant-a", "fp-1", "payload")
	require.NoError(t, store.PutWithTTL(ctx, entry, time.Hour))

	mr.Close()

	_, err := store.Get(ctx, entry.Key)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.PutWithTTL(ctx, entry, time.Hour)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)
}

func TestRedisStore_HonorsCallerDeadline(t *testing.T) {
	store, _ := setupRedisStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, l2Entry("tenant-a", "fp-1", "").Key)
	assert.Error(t, err)
}
