package cache

import (
	"github.com/developer-mesh/gencache/pkg/observability"
)

// SafeLogger wraps a logger to redact sensitive data before emission. Used
// wherever payload fragments may appear in log fields.
type SafeLogger struct {
	logger   observability.Logger
	scrubber *SensitiveDataScrubber
}

// NewSafeLogger creates a safe logger instance
func NewSafeLogger(logger observability.Logger) *SafeLogger {
	if logger == nil {
		logger = observability.NewLogger("cache.safe")
	}
	return &SafeLogger{
		logger:   logger,
		scrubber: NewSensitiveDataScrubber(),
	}
}

func (s *SafeLogger) redactFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return fields
	}
	redacted := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if str, ok := v.(string); ok {
			redacted[k] = s.scrubber.Redact(str)
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// Debug logs at debug level with sensitive data redaction
func (s *SafeLogger) Debug(msg string, fields map[string]interface{}) {
	s.logger.Debug(s.scrubber.Redact(msg), s.redactFields(fields))
}

// Info logs at info level with sensitive data redaction
func (s *SafeLogger) Info(msg string, fields map[string]interface{}) {
	s.logger.Info(s.scrubber.Redact(msg), s.redactFields(fields))
}

// Warn logs at warn level with sensitive data redaction
func (s *SafeLogger) Warn(msg string, fields map[string]interface{}) {
	s.logger.Warn(s.scrubber.Redact(msg), s.redactFields(fields))
}

// Error logs at error level with sensitive data redaction
func (s *SafeLogger) Error(msg string, fields map[string]interface{}) {
	s.logger.Error(s.scrubber.Redact(msg), s.redactFields(fields))
}
