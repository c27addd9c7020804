package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBuilder_BuildKey(t *testing.T) {
	builder := NewKeyBuilder(nil)

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		k1, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "what is the capital of france")
		require.NoError(t, err)
		k2, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "what is the capital of france")
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
		assert.Equal(t, k1.String(), k2.String())
	})

	t.Run("logically equivalent content collides", func(t *testing.T) {
		k1, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "What  is the\tcapital of France")
		require.NoError(t, err)
		k2, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "what is the capital of france")
		require.NoError(t, err)

		assert.Equal(t, k1.Fingerprint, k2.Fingerprint)
	})

	t.Run("distinct content yields distinct fingerprints", func(t *testing.T) {
		k1, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "question one")
		require.NoError(t, err)
		k2, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "question two")
		require.NoError(t, err)

		assert.NotEqual(t, k1.Fingerprint, k2.Fingerprint)
	})

	t.Run("namespace changes the key", func(t *testing.T) {
		k1, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "same question")
		require.NoError(t, err)
		k2, err := builder.BuildKey("tenant-b", "completion", "user-1", PriorityNormal, "same question")
		require.NoError(t, err)

		assert.NotEqual(t, k1.String(), k2.String())
		// Only the namespace segment differs; the fingerprint is content-derived
		assert.Equal(t, k1.Fingerprint, k2.Fingerprint)
	})

	t.Run("empty namespace rejected", func(t *testing.T) {
		_, err := builder.BuildKey("", "completion", "user-1", PriorityNormal, "content")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidKeyInput)
	})

	t.Run("empty content type rejected", func(t *testing.T) {
		_, err := builder.BuildKey("tenant-a", "", "user-1", PriorityNormal, "content")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidKeyInput)
	})

	t.Run("empty priority defaults to normal", func(t *testing.T) {
		k, err := builder.BuildKey("tenant-a", "completion", "user-1", "", "content")
		require.NoError(t, err)
		assert.Equal(t, PriorityNormal, k.PriorityClass)
	})

	t.Run("empty content is a valid key", func(t *testing.T) {
		k, err := builder.BuildKey("tenant-a", "completion", "user-1", PriorityNormal, "")
		require.NoError(t, err)
		assert.NotEmpty(t, k.Fingerprint)
	})
}

func TestCacheKey_String(t *testing.T) {
	t.Run("canonical form has five segments", func(t *testing.T) {
		k := CacheKey{
			Namespace:     "tenant-a",
			ContentType:   "completion",
			ScopeID:       "user-1",
			PriorityClass: PriorityHigh,
			Fingerprint:   "abc123",
		}
		assert.Equal(t, "tenant-a:completion:user-1:high:abc123", k.String())
	})

	t.Run("colons in fields are sanitized", func(t *testing.T) {
		k := CacheKey{
			Namespace:     "tenant:a",
			ContentType:   "completion",
			ScopeID:       "user 1",
			PriorityClass: PriorityNormal,
			Fingerprint:   "abc123",
		}
		s := k.String()
		assert.Equal(t, 5, len(strings.Split(s, ":")))
		assert.Contains(t, s, "tenant_a")
		assert.Contains(t, s, "user_1")
	})
}

func TestCacheKey_Prefix(t *testing.T) {
	k := CacheKey{
		Namespace:     "tenant-a",
		ContentType:   "completion",
		ScopeID:       "user-1",
		PriorityClass: PriorityNormal,
		Fingerprint:   "abc123",
	}

	prefix := k.Prefix()
	assert.Equal(t, "tenant-a:completion:user-1:", prefix)
	assert.True(t, strings.HasPrefix(k.String(), prefix))
}

func TestParseKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		builder := NewKeyBuilder(nil)
		original, err := builder.BuildKey("tenant-a", "summary", "scope-9", PriorityCritical, "some content")
		require.NoError(t, err)

		parsed, err := ParseKey(original.String())
		require.NoError(t, err)
		assert.Equal(t, original, parsed)
	})

	t.Run("malformed key rejected", func(t *testing.T) {
		_, err := ParseKey("too:few:parts")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidKeyInput)
	})
}
