package cache

import (
	"time"
)

// CacheEntry represents a cached content response with associated metadata.
// Payload and SecurityNamespace are immutable after creation; only access
// tracking fields change over an entry's lifetime. Any content change is a
// new entry with a new fingerprint plus invalidation of the old one.
type CacheEntry struct {
	Key               CacheKey      `json:"key"`
	Payload           string        `json:"payload"`
	Embedding         []float32     `json:"embedding,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	LastAccessedAt    time.Time     `json:"last_accessed_at"`
	AccessCount       int64         `json:"access_count"`
	QualityScore      float64       `json:"quality_score"`
	SecurityNamespace string        `json:"security_namespace"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	TTL               time.Duration `json:"ttl"`
}

// SizeBytes estimates the in-memory footprint of the entry for the L1
// byte budget. Embeddings dominate for vector-bearing entries.
func (e *CacheEntry) SizeBytes() int64 {
	size := int64(len(e.Payload)) + int64(len(e.Embedding))*4
	size += int64(len(e.Key.String())) + int64(len(e.SecurityNamespace))
	for _, d := range e.Dependencies {
		size += int64(len(d))
	}
	// Fixed overhead for timestamps, counters, and struct headers
	return size + 160
}

// Expired reports whether the entry is past its expiry at the given time
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// WithinGrace reports whether the entry is expired but still inside the
// grace window.
func (e *CacheEntry) WithinGrace(now time.Time, grace time.Duration) bool {
	return e.Expired(now) && now.Before(e.ExpiresAt.Add(grace))
}

// Hit tiers reported in Result.Tier
const (
	TierL1       = "l1"
	TierL2       = "l2"
	TierSemantic = "semantic"
)

// Request describes a cache lookup or fill from the request-serving layer
type Request struct {
	Namespace     string    `json:"namespace"`
	ContentType   string    `json:"content_type"`
	ScopeID       string    `json:"scope_id"`
	PriorityClass string    `json:"priority_class"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

// Result is the outcome of a Get. A denied read and a true miss are
// observably identical: Hit=false and an empty payload.
type Result struct {
	Key        CacheKey `json:"key"`
	Payload    string   `json:"payload,omitempty"`
	Hit        bool     `json:"hit"`
	Stale      bool     `json:"stale"`
	Tier       string   `json:"tier,omitempty"`
	Similarity float32  `json:"similarity,omitempty"`
}

// Stats is a point-in-time snapshot of cache counters, exposed via the
// pull interface for external metrics sinks.
type Stats struct {
	HitsL1         int64     `json:"hits_l1"`
	HitsL2         int64     `json:"hits_l2"`
	HitsSemantic   int64     `json:"hits_semantic"`
	Misses         int64     `json:"misses"`
	Denied         int64     `json:"denied"`
	Evictions      int64     `json:"evictions"`
	Invalidations  int64     `json:"invalidations"`
	TTLGraceServes int64     `json:"ttl_grace_serves"`
	L1Entries      int       `json:"l1_entries"`
	L1Bytes        int64     `json:"l1_bytes"`
	DegradedMode   bool      `json:"degraded_mode"`
	Timestamp      time.Time `json:"timestamp"`
}

// HitRate returns the overall hit rate across all tiers
func (s Stats) HitRate() float64 {
	hits := s.HitsL1 + s.HitsL2 + s.HitsSemantic
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// RefreshFunc recomputes content for a stale entry in the background. It is
// supplied by the generation pipeline; the fresh result re-enters the cache
// through the normal Put path.
type RefreshFunc func(key CacheKey, payload string)
