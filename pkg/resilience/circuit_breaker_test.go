package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_Execute(t *testing.T) {
	t.Run("passes results through", func(t *testing.T) {
		cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), nil, nil)

		result, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
	})

	t.Run("passes errors through while closed", func(t *testing.T) {
		cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), nil, nil)
		boom := errors.New("boom")

		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "closed", cb.State())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		config := DefaultCircuitBreakerConfig()
		config.FailureThreshold = 3
		cb := NewCircuitBreaker("test", config, nil, nil)

		for i := 0; i < 3; i++ {
			_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
				return nil, errors.New("backend down")
			})
		}
		assert.Equal(t, "open", cb.State())

		called := false
		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			called = true
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, called, "open breaker must not attempt the call")
	})

	t.Run("half open probe closes the breaker", func(t *testing.T) {
		config := DefaultCircuitBreakerConfig()
		config.FailureThreshold = 1
		config.ResetTimeout = 20 * time.Millisecond
		cb := NewCircuitBreaker("test", config, nil, nil)

		_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, errors.New("backend down")
		})
		require.Equal(t, "open", cb.State())

		time.Sleep(30 * time.Millisecond)

		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return "recovered", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "closed", cb.State())
	})

	t.Run("cancelled context short circuits", func(t *testing.T) {
		cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := cb.Execute(ctx, func() (interface{}, error) {
			t.Fatal("must not be called")
			return nil, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
