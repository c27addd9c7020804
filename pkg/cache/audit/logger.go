// Package audit provides audit logging for cache operations. It records
// every authorization decision and security-relevant event for compliance
// monitoring. Emission is fire-and-forget through a bounded local buffer:
// audit failures never block or fail a cache operation.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// EventType represents the type of audit event
type EventType string

const (
	// Authorization events
	EventReadAllowed  EventType = "security.read_allowed"
	EventReadDenied   EventType = "security.read_denied"
	EventWriteBlocked EventType = "security.write_blocked"
	EventRedaction    EventType = "security.redaction"

	// Cache operation events
	EventCacheInvalidate EventType = "cache.invalidate"
	EventCacheEviction   EventType = "cache.eviction"

	// System events
	EventDegradedMode EventType = "system.degraded_mode"
	EventRecovery     EventType = "system.recovery"
	EventConfigChange EventType = "system.config_change"
)

// Event represents a single audit record
type Event struct {
	EventID     string                 `json:"event_id"`
	EventType   EventType              `json:"event_type"`
	Namespace   string                 `json:"namespace,omitempty"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	Resource    string                 `json:"resource,omitempty"`
	Allowed     bool                   `json:"allowed"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// EventFilter determines which events should be logged
type EventFilter func(event *Event) bool

// Logger buffers audit events and emits them from a background worker.
// Record never blocks: when the buffer is full the event is counted as
// dropped and the operation proceeds.
type Logger struct {
	logger  observability.Logger
	metrics observability.MetricsClient
	filter  EventFilter
	enabled bool

	events   chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogger creates an audit logger with the given buffer size and starts
// its emission worker. Callers must Close it on shutdown.
func NewLogger(logger observability.Logger, metrics observability.MetricsClient, enabled bool, bufferSize int) *Logger {
	if logger == nil {
		logger = observability.NewLogger("cache.audit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	l := &Logger{
		logger:  logger,
		metrics: metrics,
		filter:  func(*Event) bool { return true },
		enabled: enabled,
		events:  make(chan *Event, bufferSize),
		stopCh:  make(chan struct{}),
	}

	if enabled {
		l.wg.Add(1)
		go l.emitLoop()
	}
	return l
}

// SetFilter sets a custom event filter. Must be called before any Record.
func (l *Logger) SetFilter(filter EventFilter) {
	if filter != nil {
		l.filter = filter
	}
}

// Record enqueues an audit event without blocking
func (l *Logger) Record(eventType EventType, namespace, principalID, resource string, allowed bool, metadata map[string]interface{}) {
	if !l.enabled {
		return
	}

	event := &Event{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		Namespace:   namespace,
		PrincipalID: principalID,
		Resource:    resource,
		Allowed:     allowed,
		Metadata:    metadata,
		Timestamp:   time.Now().UTC(),
	}

	if !l.filter(event) {
		return
	}

	select {
	case l.events <- event:
	default:
		l.metrics.IncrementCounter("cache.audit.dropped", 1)
	}
}

// Close drains the buffer and stops the emission worker
func (l *Logger) Close() {
	if !l.enabled {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Logger) emitLoop() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.events:
			l.emit(event)
		case <-l.stopCh:
			// Drain whatever is buffered before exiting
			for {
				select {
				case event := <-l.events:
					l.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) emit(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("Failed to marshal audit event", map[string]interface{}{
			"error":      err.Error(),
			"event_type": string(event.EventType),
		})
		return
	}

	l.logger.Info("AUDIT", map[string]interface{}{
		"event": string(data),
	})
	l.metrics.IncrementCounterWithLabels("cache.audit.events", 1, map[string]string{
		"event_type": string(event.EventType),
	})
}
