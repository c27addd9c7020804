package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)
	RecordCacheOperation(operation string, success bool, durationSeconds float64)

	// Lifecycle management
	Close() error
}

// InMemoryMetricsClient is a MetricsClient that accumulates values in memory.
// It is the default client when no external sink is configured, and it backs
// the Stats() pull interface. Safe for concurrent use.
type InMemoryMetricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates an in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter by value
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// IncrementCounterWithLabels increments a counter, folding labels into the name
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(name, value)
}

// RecordGauge sets a gauge value
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordHistogram records a histogram observation. The in-memory client only
// tracks the observation count.
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.IncrementCounter(name+".count", 1)
}

// RecordLatency records an operation latency
func (m *InMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.RecordGauge("latency."+operation, duration.Seconds(), nil)
}

// RecordCacheOperation records a cache operation outcome
func (m *InMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.IncrementCounter("cache."+operation+"."+status, 1)
	m.RecordGauge("cache."+operation+".duration", durationSeconds, nil)
}

// Counter returns the current value of a counter
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Close releases resources held by the client
func (m *InMemoryMetricsClient) Close() error { return nil }

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (n *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (n *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)               {}
func (n *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (n *NoopMetricsClient) Close() error { return nil }
