package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gencache/pkg/observability"
)

func newTestIndex(t *testing.T, maxCandidates int) *MemoryIndex {
	t.Helper()
	return NewMemoryIndex(SimilarityConfig{
		MaxCandidates: maxCandidates,
		QueryDeadline: 100 * time.Millisecond,
	}, observability.NewNoopLogger(), nil)
}

func idxKey(ns, fingerprint string) CacheKey {
	return CacheKey{
		Namespace:     ns,
		ContentType:   "completion",
		ScopeID:       "public",
		PriorityClass: PriorityNormal,
		Fingerprint:   fingerprint,
	}
}

func TestMemoryIndex_IndexAndQuery(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "fp-1"), []float32{1, 0, 0}, 0.9, time.Now()))

	t.Run("identical vector matches at 1.0", func(t *testing.T) {
		matches, err := idx.Query(ctx, "tenant-a", []float32{1, 0, 0}, 0.95)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "fp-1", matches[0].Key.Fingerprint)
		assert.InDelta(t, 1.0, float64(matches[0].Score), 0.001)
	})

	t.Run("scale invariance", func(t *testing.T) {
		matches, err := idx.Query(ctx, "tenant-a", []float32{5, 0, 0}, 0.95)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("orthogonal vector misses", func(t *testing.T) {
		matches, err := idx.Query(ctx, "tenant-a", []float32{0, 1, 0}, 0.95)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("below threshold excluded", func(t *testing.T) {
		// cos(45 degrees) is about 0.707
		matches, err := idx.Query(ctx, "tenant-a", []float32{1, 1, 0}, 0.95)
		require.NoError(t, err)
		assert.Empty(t, matches)

		matches, err = idx.Query(ctx, "tenant-a", []float32{1, 1, 0}, 0.7)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
}

func TestMemoryIndex_NamespaceIsolation(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "fp-1"), []float32{1, 0, 0}, 0.9, time.Now()))
	require.NoError(t, idx.Index(ctx, idxKey("tenant-b", "fp-2"), []float32{1, 0, 0}, 0.9, time.Now()))

	matches, err := idx.Query(ctx, "tenant-a", []float32{1, 0, 0}, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "tenant-a", matches[0].Key.Namespace)

	// A namespace with no partition is a clean miss, never an error
	matches, err = idx.Query(ctx, "tenant-c", []float32{1, 0, 0}, 0.9)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndex_Ordering(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	// Same similarity, different quality
	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "low-quality"), []float32{1, 0, 0}, 0.5, newer))
	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "high-quality"), []float32{1, 0, 0}, 0.9, older))
	// Same similarity and quality, different age
	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "old-tie"), []float32{0, 1, 0}, 0.7, older))
	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "new-tie"), []float32{0, 1, 0}, 0.7, newer))

	matches, err := idx.Query(ctx, "tenant-a", []float32{1, 0, 0}, 0.95)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "high-quality", matches[0].Key.Fingerprint)

	matches, err = idx.Query(ctx, "tenant-a", []float32{0, 1, 0}, 0.95)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "new-tie", matches[0].Key.Fingerprint)
}

func TestMemoryIndex_MaxCandidates(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Index(ctx, idxKey("tenant-a", fmt.Sprintf("fp-%d", i)), []float32{1, 0, 0}, 0.5, time.Now()))
	}

	matches, err := idx.Query(ctx, "tenant-a", []float32{1, 0, 0}, 0.9)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	key := idxKey("tenant-a", "fp-1")
	require.NoError(t, idx.Index(ctx, key, []float32{1, 0, 0}, 0.9, time.Now()))
	require.Equal(t, 1, idx.Len("tenant-a"))

	require.NoError(t, idx.Remove(ctx, key))
	assert.Equal(t, 0, idx.Len("tenant-a"))

	// Removing from an absent namespace is a no-op
	assert.NoError(t, idx.Remove(ctx, idxKey("tenant-zzz", "fp-1")))
}

func TestMemoryIndex_ReindexReplaces(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	key := idxKey("tenant-a", "fp-1")
	require.NoError(t, idx.Index(ctx, key, []float32{1, 0, 0}, 0.9, time.Now()))
	require.NoError(t, idx.Index(ctx, key, []float32{0, 1, 0}, 0.9, time.Now()))

	assert.Equal(t, 1, idx.Len("tenant-a"))

	matches, err := idx.Query(ctx, "tenant-a", []float32{0, 1, 0}, 0.95)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMemoryIndex_InvalidVectors(t *testing.T) {
	idx := newTestIndex(t, 10)
	ctx := context.Background()

	err := idx.Index(ctx, idxKey("tenant-a", "fp-1"), nil, 0.9, time.Now())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	err = idx.Index(ctx, idxKey("tenant-a", "fp-1"), []float32{0, 0, 0}, 0.9, time.Now())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	// Dimension mismatch is skipped silently at query time
	require.NoError(t, idx.Index(ctx, idxKey("tenant-a", "fp-2"), []float32{1, 0}, 0.9, time.Now()))
	matches, err := idx.Query(ctx, "tenant-a", []float32{1, 0, 0}, 0.5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, float64(CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6})), 0.001)
	assert.InDelta(t, 0.0, float64(CosineSimilarity([]float32{1, 0}, []float32{0, 1})), 0.001)
	assert.InDelta(t, -1.0, float64(CosineSimilarity([]float32{1, 0}, []float32{-1, 0})), 0.001)
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}
