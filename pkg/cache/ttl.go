package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTrackedKeys bounds the access-rate tracker. Keys beyond the bound
// fall back to the cold path, which only shortens lifetimes.
const maxTrackedKeys = 100_000

// accessWindow counts accesses to one key within its base-TTL window
type accessWindow struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// TTLPolicy computes effective expiration for a write from the content
// type's base TTL, the declared priority class, and the observed access
// frequency. Adjustments are multiplicative and clamped to
// [MinTTL, MaxTTL]; "critical" priority is exempt from the low-access
// penalty and its TTL is never below the content type's base.
type TTLPolicy struct {
	config  TTLConfig
	lookup  func(string) ContentTypePolicy
	tracker *expirable.LRU[string, *accessWindow]
}

// NewTTLPolicy creates a TTL policy. lookup resolves the per-content-type
// policy table (usually Config.PolicyFor).
func NewTTLPolicy(config TTLConfig, lookup func(string) ContentTypePolicy) *TTLPolicy {
	return &TTLPolicy{
		config: config,
		lookup: lookup,
		// Tracker entries self-expire at the longest possible window
		tracker: expirable.NewLRU[string, *accessWindow](maxTrackedKeys, nil, config.MaxTTL),
	}
}

// RecordAccess notes an access to a key for frequency tracking. The window
// resets once it is older than the content type's base TTL.
func (p *TTLPolicy) RecordAccess(key CacheKey) {
	ks := key.String()
	w, ok := p.tracker.Get(ks)
	if !ok {
		w = &accessWindow{windowStart: time.Now()}
		p.tracker.Add(ks, w)
	}

	base := p.lookup(key.ContentType).BaseTTL
	now := time.Now()

	w.mu.Lock()
	if now.Sub(w.windowStart) > base {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	w.mu.Unlock()
}

// ObservedAccessCount returns the number of accesses to the key within the
// current base-TTL window.
func (p *TTLPolicy) ObservedAccessCount(key CacheKey) int {
	w, ok := p.tracker.Get(key.String())
	if !ok {
		return 0
	}

	base := p.lookup(key.ContentType).BaseTTL

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.windowStart) > base {
		return 0
	}
	return w.count
}

// ComputeTTL returns the effective lifetime for a write
func (p *TTLPolicy) ComputeTTL(contentType, priorityClass string, observedAccesses int) time.Duration {
	base := p.lookup(contentType).BaseTTL
	ttl := base

	switch {
	case observedAccesses > p.config.HotAccessThreshold:
		// Hot path extension, strictly above the threshold
		ttl = time.Duration(float64(ttl) * p.config.HotMultiplier)
	case observedAccesses == 0 && priorityClass != PriorityCritical:
		// Low-access penalty; critical content is exempt
		ttl = time.Duration(float64(ttl) * p.config.ColdMultiplier)
	}

	ttl = clampDuration(ttl, p.config.MinTTL, p.config.MaxTTL)

	// Critical content never drops below its base TTL regardless of the
	// clamp bounds or access rate.
	if priorityClass == PriorityCritical && ttl < base {
		ttl = base
	}
	return ttl
}

// Grace returns the stale-serve window for a content type, and whether the
// type is grace-eligible at all.
func (p *TTLPolicy) Grace(contentType string) (time.Duration, bool) {
	if !p.lookup(contentType).GraceEligible {
		return 0, false
	}
	return p.config.GracePeriod, true
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
