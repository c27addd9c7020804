package audit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// captureLogger records emitted log fields for assertions
type captureLogger struct {
	observability.Logger
	mu     sync.Mutex
	events []map[string]interface{}
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{Logger: observability.NewNoopLogger()}
}

func (c *captureLogger) Info(msg string, fields map[string]interface{}) {
	c.mu.Lock()
	c.events = append(c.events, fields)
	c.mu.Unlock()
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestLogger_RecordAndDrain(t *testing.T) {
	sink := newCaptureLogger()
	logger := NewLogger(sink, nil, true, 100)

	logger.Record(EventReadAllowed, "tenant-a", "user-1", "scope-1", true, nil)
	logger.Record(EventReadDenied, "tenant-a", "user-2", "scope-1", false, map[string]interface{}{
		"reason": "not in namespace",
	})

	// Close drains the buffer before returning
	logger.Close()
	assert.Equal(t, 2, sink.count())
}

func TestLogger_Disabled(t *testing.T) {
	sink := newCaptureLogger()
	logger := NewLogger(sink, nil, false, 100)

	logger.Record(EventReadAllowed, "tenant-a", "user-1", "scope-1", true, nil)
	logger.Close()

	assert.Zero(t, sink.count())
}

func TestLogger_Filter(t *testing.T) {
	sink := newCaptureLogger()
	logger := NewLogger(sink, nil, true, 100)
	logger.SetFilter(func(event *Event) bool {
		return !event.Allowed // only record denials
	})

	logger.Record(EventReadAllowed, "tenant-a", "user-1", "scope-1", true, nil)
	logger.Record(EventReadDenied, "tenant-a", "user-2", "scope-1", false, nil)
	logger.Close()

	assert.Equal(t, 1, sink.count())
}

func TestLogger_FullBufferDropsWithoutBlocking(t *testing.T) {
	metrics := observability.NewMetricsClient().(*observability.InMemoryMetricsClient)
	// Tiny buffer and no reader: the worker keeps up with some events, the
	// rest must be dropped rather than block.
	logger := NewLogger(newCaptureLogger(), metrics, true, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			logger.Record(EventReadAllowed, "tenant-a", "user-1", "scope-1", true, nil)
		}
		close(done)
	}()

	<-done // Record never blocks, so this always completes
	logger.Close()

	require.NotPanics(t, func() {
		_ = metrics.Counter("cache.audit.dropped")
	})
}
