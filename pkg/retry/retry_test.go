package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

func TestExponentialBackoff_Execute(t *testing.T) {
	t.Run("succeeds without retry", func(t *testing.T) {
		policy := NewExponentialBackoff(fastConfig())

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		policy := NewExponentialBackoff(fastConfig())

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts the retry budget", func(t *testing.T) {
		policy := NewExponentialBackoff(fastConfig())
		boom := errors.New("persistent")

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		// Initial attempt plus MaxRetries
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		policy := NewExponentialBackoff(fastConfig())
		fatal := errors.New("not retryable")

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return Permanent(fatal)
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		policy := NewExponentialBackoff(fastConfig())
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		err := policy.Execute(ctx, func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestNoRetry(t *testing.T) {
	policy := NoRetry()
	boom := errors.New("boom")

	calls := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
