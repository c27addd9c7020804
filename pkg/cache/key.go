package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Priority classes recognized by the TTL policy. Unknown classes are
// treated as PriorityNormal.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// CacheKey identifies a cache entry. Keys are opaque strings externally but
// structured internally so that invalidation can scan by prefix
// (namespace, then content type, then scope).
type CacheKey struct {
	Namespace     string `json:"namespace"`
	ContentType   string `json:"content_type"`
	ScopeID       string `json:"scope_id"`
	PriorityClass string `json:"priority_class"`
	Fingerprint   string `json:"fingerprint"`
}

// String renders the key in its canonical colon-separated form
func (k CacheKey) String() string {
	return strings.Join([]string{
		sanitizeKeyField(k.Namespace),
		sanitizeKeyField(k.ContentType),
		sanitizeKeyField(k.ScopeID),
		sanitizeKeyField(k.PriorityClass),
		k.Fingerprint,
	}, ":")
}

// Prefix returns the namespace/content-type/scope prefix of the key,
// usable with InvalidatePrefix.
func (k CacheKey) Prefix() string {
	return strings.Join([]string{
		sanitizeKeyField(k.Namespace),
		sanitizeKeyField(k.ContentType),
		sanitizeKeyField(k.ScopeID),
	}, ":") + ":"
}

// ParseKey parses a canonical key string back into its parts
func ParseKey(s string) (CacheKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return CacheKey{}, fmt.Errorf("%w: malformed key %q", ErrInvalidKeyInput, s)
	}
	return CacheKey{
		Namespace:     parts[0],
		ContentType:   parts[1],
		ScopeID:       parts[2],
		PriorityClass: parts[3],
		Fingerprint:   parts[4],
	}, nil
}

// KeyBuilder derives cache keys from logical requests. It is stateless and
// safe for concurrent use.
type KeyBuilder struct {
	normalizer ContentNormalizer
}

// NewKeyBuilder creates a key builder using the given normalizer. A nil
// normalizer falls back to the default.
func NewKeyBuilder(normalizer ContentNormalizer) *KeyBuilder {
	if normalizer == nil {
		normalizer = NewContentNormalizer()
	}
	return &KeyBuilder{normalizer: normalizer}
}

// BuildKey deterministically derives a structured cache key. The content
// is normalized before hashing so that logically equivalent requests,
// differing only in volatile fragments such as timestamps or request IDs,
// collide on the same key.
func (b *KeyBuilder) BuildKey(namespace, contentType, scopeID, priorityClass, content string) (CacheKey, error) {
	if namespace == "" {
		return CacheKey{}, fmt.Errorf("%w: namespace is required", ErrInvalidKeyInput)
	}
	if contentType == "" {
		return CacheKey{}, fmt.Errorf("%w: content type is required", ErrInvalidKeyInput)
	}
	if priorityClass == "" {
		priorityClass = PriorityNormal
	}

	return CacheKey{
		Namespace:     namespace,
		ContentType:   contentType,
		ScopeID:       scopeID,
		PriorityClass: priorityClass,
		Fingerprint:   Fingerprint(b.normalizer.Normalize(contentType, content)),
	}, nil
}

// Fingerprint returns the content-derived hash used as the last key segment
func Fingerprint(normalizedContent string) string {
	sum := sha256.Sum256([]byte(normalizedContent))
	return hex.EncodeToString(sum[:])
}

// sanitizeKeyField strips characters that would break the canonical
// colon-separated key form or Redis key conventions.
func sanitizeKeyField(field string) string {
	field = strings.TrimSpace(field)
	replacer := strings.NewReplacer(":", "_", " ", "_", "\n", "_", "\r", "_")
	return replacer.Replace(field)
}
