package cache

import (
	"regexp"
	"strings"

	"github.com/developer-mesh/gencache/pkg/auth"
	"github.com/developer-mesh/gencache/pkg/cache/audit"
	"github.com/developer-mesh/gencache/pkg/observability"
)

// ScopePublic marks entries readable by any principal inside the namespace
const ScopePublic = "public"

// Authorizer decides whether a principal may read a namespace/scope pair.
// Implementations must be side-effect free; auditing is the gate's job.
type Authorizer interface {
	AuthorizeRead(principal *auth.Principal, namespace, scopeID string) bool
}

// PrincipalAuthorizer enforces the default ownership model: the principal
// must belong to the namespace, and the scope must be public, its own, or
// shared with it.
type PrincipalAuthorizer struct{}

// AuthorizeRead implements Authorizer
func (PrincipalAuthorizer) AuthorizeRead(principal *auth.Principal, namespace, scopeID string) bool {
	if principal == nil || !principal.InNamespace(namespace) {
		return false
	}
	if scopeID == "" || scopeID == ScopePublic {
		return true
	}
	return principal.HasScope(scopeID)
}

// SecurityGate is the single authorization and redaction chokepoint for
// every cache path: read, write, and similarity. It emits an audit record
// for every authorization decision; audit emission is buffered and never
// blocks the cache operation.
type SecurityGate struct {
	authorizer Authorizer
	scrubber   *SensitiveDataScrubber
	auditLog   *audit.Logger
	logger     observability.Logger
}

// NewSecurityGate creates a security gate. A nil authorizer falls back to
// the default principal-ownership model.
func NewSecurityGate(authorizer Authorizer, auditLog *audit.Logger, logger observability.Logger) *SecurityGate {
	if authorizer == nil {
		authorizer = PrincipalAuthorizer{}
	}
	if logger == nil {
		logger = observability.NewLogger("cache.gate")
	}
	return &SecurityGate{
		authorizer: authorizer,
		scrubber:   NewSensitiveDataScrubber(),
		auditLog:   auditLog,
		logger:     logger,
	}
}

// AuthorizeRead evaluates read access and records the decision. Callers
// must treat a denial identically to a cache miss.
func (g *SecurityGate) AuthorizeRead(principal *auth.Principal, namespace, scopeID string) bool {
	allowed := g.authorizer.AuthorizeRead(principal, namespace, scopeID)

	if g.auditLog != nil {
		eventType := audit.EventReadAllowed
		if !allowed {
			eventType = audit.EventReadDenied
		}
		principalID := ""
		if principal != nil {
			principalID = principal.ID
		}
		g.auditLog.Record(eventType, namespace, principalID, scopeID, allowed, nil)
	}

	if !allowed {
		g.logger.Debug("Read denied", map[string]interface{}{
			"namespace": namespace,
			"scope_id":  scopeID,
			"reason":    errAuthorizationDenied.Error(),
		})
	}

	return allowed
}

// ScrubForWrite scans the payload with the sensitive-pattern detectors.
// Redactable identifiers are replaced in place; credential-class matches
// block the write entirely. A blocked payload must not be retried without
// upstream correction.
func (g *SecurityGate) ScrubForWrite(namespace, payload string) (string, bool) {
	clean, blocked, reasons := g.scrubber.Scrub(payload)

	if g.auditLog != nil {
		if blocked {
			g.auditLog.Record(audit.EventWriteBlocked, namespace, "", "", false, map[string]interface{}{
				"patterns": reasons,
			})
		} else if clean != payload {
			g.auditLog.Record(audit.EventRedaction, namespace, "", "", true, map[string]interface{}{
				"patterns": reasons,
			})
		}
	}

	return clean, blocked
}

// scrubPattern pairs a detector with its handling: blocking patterns
// (credentials, secrets) reject the write; non-blocking ones (structured
// personal identifiers) are redacted in place.
type scrubPattern struct {
	name   string
	regex  *regexp.Regexp
	blocks bool
}

// SensitiveDataScrubber runs a fixed set of sensitive-pattern detectors
// over payloads before they are stored.
type SensitiveDataScrubber struct {
	patterns []scrubPattern
}

// NewSensitiveDataScrubber creates a scrubber with the default pattern set
func NewSensitiveDataScrubber() *SensitiveDataScrubber {
	return &SensitiveDataScrubber{
		patterns: []scrubPattern{
			{
				name:   "api_key",
				regex:  regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?([^"'\s]+)["']?`),
				blocks: true,
			},
			{
				name:   "password",
				regex:  regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
				blocks: true,
			},
			{
				name:   "token",
				regex:  regexp.MustCompile(`(?i)(token|access[_-]?token|refresh[_-]?token)\s*[:=]\s*["']?([^"'\s]+)["']?`),
				blocks: true,
			},
			{
				name:   "secret",
				regex:  regexp.MustCompile(`(?i)(secret|secret[_-]?key)\s*[:=]\s*["']?([^"'\s]+)["']?`),
				blocks: true,
			},
			{
				name:   "private_key",
				regex:  regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
				blocks: true,
			},
			{
				name:   "bearer_auth",
				regex:  regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
				blocks: true,
			},
			{
				name:   "basic_auth",
				regex:  regexp.MustCompile(`(?i)Basic\s+[A-Za-z0-9+/]+=*`),
				blocks: true,
			},
			{
				name:  "credit_card",
				regex: regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			},
			{
				name:  "ssn",
				regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			},
		},
	}
}

// Scrub applies the detectors and returns the cleaned payload, whether the
// write must be blocked, and the names of patterns that matched.
func (s *SensitiveDataScrubber) Scrub(payload string) (string, bool, []string) {
	var matched []string
	blocked := false
	clean := payload

	for _, p := range s.patterns {
		if !p.regex.MatchString(clean) {
			continue
		}
		matched = append(matched, p.name)
		if p.blocks {
			blocked = true
			continue
		}
		clean = p.regex.ReplaceAllString(clean, "[REDACTED]")
	}

	if blocked {
		return "", true, matched
	}
	return clean, false, matched
}

// Redact removes sensitive values from a string for safe logging. Unlike
// Scrub, credential-class matches are redacted rather than rejected.
func (s *SensitiveDataScrubber) Redact(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.regex.ReplaceAllStringFunc(result, func(match string) string {
			parts := p.regex.FindStringSubmatch(match)
			if len(parts) > 2 {
				return strings.Replace(match, parts[2], "[REDACTED]", 1)
			}
			return "[REDACTED]"
		})
	}
	return result
}
