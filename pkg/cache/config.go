package cache

import (
	"fmt"
	"time"
)

// ContentTypePolicy carries the per-content-type tunables: base lifetime,
// similarity threshold, and whether fuzzy matching and stale grace serves
// are allowed for this type.
type ContentTypePolicy struct {
	// BaseTTL is the unadjusted entry lifetime for this content type
	BaseTTL time.Duration `json:"base_ttl" mapstructure:"base_ttl"`
	// SimilarityThreshold overrides Similarity.DefaultThreshold when > 0
	SimilarityThreshold float32 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	// FuzzyEnabled allows similarity lookups on exact-key misses
	FuzzyEnabled bool `json:"fuzzy_enabled" mapstructure:"fuzzy_enabled"`
	// GraceEligible allows stale serves within the grace window
	GraceEligible bool `json:"grace_eligible" mapstructure:"grace_eligible"`
}

// L1Config configures the in-process tier
type L1Config struct {
	// CapacityBytes bounds the total estimated size of resident entries
	CapacityBytes int64 `json:"capacity_bytes" mapstructure:"capacity_bytes"`
	// Shards is the number of key-hash buckets; must be a power of two
	Shards int `json:"shards" mapstructure:"shards"`
	// ProtectedAccessCount is the access count at which an entry earns one
	// extra eviction cycle of protection against pure-recency eviction
	ProtectedAccessCount int64 `json:"protected_access_count" mapstructure:"protected_access_count"`
}

// L2Config configures the shared Redis-backed tier
type L2Config struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password,omitempty" mapstructure:"password"`
	DB           int           `json:"db" mapstructure:"db"`
	KeyPrefix    string        `json:"key_prefix" mapstructure:"key_prefix"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// SimilarityConfig configures approximate matching
type SimilarityConfig struct {
	// Backend selects the index implementation: "memory" or "pgvector"
	Backend string `json:"backend" mapstructure:"backend"`
	// PostgresDSN is required for the pgvector backend
	PostgresDSN string `json:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
	// DefaultThreshold is the minimum accepted similarity score
	DefaultThreshold float32 `json:"default_threshold" mapstructure:"default_threshold"`
	// MaxCandidates bounds candidates examined per query
	MaxCandidates int `json:"max_candidates" mapstructure:"max_candidates"`
	// QueryDeadline bounds CPU-bound index scans; exceeding it is a miss
	QueryDeadline time.Duration `json:"query_deadline" mapstructure:"query_deadline"`
}

// TTLConfig configures adaptive lifetime computation
type TTLConfig struct {
	MinTTL time.Duration `json:"min_ttl" mapstructure:"min_ttl"`
	MaxTTL time.Duration `json:"max_ttl" mapstructure:"max_ttl"`
	// HotMultiplier extends the lifetime of frequently accessed entries
	HotMultiplier float64 `json:"hot_multiplier" mapstructure:"hot_multiplier"`
	// ColdMultiplier shortens the lifetime of entries with no repeat access
	ColdMultiplier float64 `json:"cold_multiplier" mapstructure:"cold_multiplier"`
	// HotAccessThreshold is the access count within one base-TTL window
	// above which an entry counts as hot
	HotAccessThreshold int `json:"hot_access_threshold" mapstructure:"hot_access_threshold"`
	// GracePeriod is the stale-serve window past expiry
	GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
	// RefreshPerSecond rate-limits background refresh triggers
	RefreshPerSecond float64 `json:"refresh_per_second" mapstructure:"refresh_per_second"`
	RefreshBurst     int     `json:"refresh_burst" mapstructure:"refresh_burst"`
}

// InvalidationConfig configures the cascading invalidation worker
type InvalidationConfig struct {
	// BatchWindow is the debounce window before a batch is processed
	BatchWindow time.Duration `json:"batch_window" mapstructure:"batch_window"`
	// MaxBatchSize bounds keys removed per batch
	MaxBatchSize int `json:"max_batch_size" mapstructure:"max_batch_size"`
	// QueueSize bounds pending invalidation requests
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// SecurityConfig configures the security gate
type SecurityConfig struct {
	// AuditEnabled emits an audit record for every authorization decision
	AuditEnabled bool `json:"audit_enabled" mapstructure:"audit_enabled"`
	// AuditBufferSize bounds the fire-and-forget audit buffer
	AuditBufferSize int `json:"audit_buffer_size" mapstructure:"audit_buffer_size"`
}

// Config is the strongly-typed configuration surface of the cache. Every
// recognized option is enumerated here; loaders reject unknown fields.
// All tunables are hot-reloadable via Cache.ApplyConfig.
type Config struct {
	L1           L1Config                     `json:"l1" mapstructure:"l1"`
	L2           L2Config                     `json:"l2" mapstructure:"l2"`
	Similarity   SimilarityConfig             `json:"similarity" mapstructure:"similarity"`
	TTL          TTLConfig                    `json:"ttl" mapstructure:"ttl"`
	Invalidation InvalidationConfig           `json:"invalidation" mapstructure:"invalidation"`
	Security     SecurityConfig               `json:"security" mapstructure:"security"`
	ContentTypes map[string]ContentTypePolicy `json:"content_types" mapstructure:"content_types"`
}

// DefaultConfig returns a configuration with production-ready defaults.
// The TTL table reflects recompute cost: embeddings are expensive and keep
// long lifetimes, dynamic response text stays short.
func DefaultConfig() *Config {
	return &Config{
		L1: L1Config{
			CapacityBytes:        64 << 20, // 64 MiB
			Shards:               16,
			ProtectedAccessCount: 3,
		},
		L2: L2Config{
			Addr:         "localhost:6379",
			KeyPrefix:    "gencache",
			ReadTimeout:  50 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
		Similarity: SimilarityConfig{
			Backend:          "memory",
			DefaultThreshold: 0.95,
			MaxCandidates:    10,
			QueryDeadline:    25 * time.Millisecond,
		},
		TTL: TTLConfig{
			MinTTL:             time.Minute,
			MaxTTL:             48 * time.Hour,
			HotMultiplier:      1.5,
			ColdMultiplier:     0.5,
			HotAccessThreshold: 5,
			GracePeriod:        5 * time.Minute,
			RefreshPerSecond:   10,
			RefreshBurst:       20,
		},
		Invalidation: InvalidationConfig{
			BatchWindow:  time.Second,
			MaxBatchSize: 50,
			QueueSize:    1024,
		},
		Security: SecurityConfig{
			AuditEnabled:    true,
			AuditBufferSize: 1000,
		},
		ContentTypes: map[string]ContentTypePolicy{
			"completion": {
				BaseTTL:       15 * time.Minute,
				FuzzyEnabled:  true,
				GraceEligible: true,
			},
			"summary": {
				BaseTTL:       time.Hour,
				FuzzyEnabled:  true,
				GraceEligible: true,
			},
			"embedding": {
				BaseTTL:      24 * time.Hour,
				FuzzyEnabled: false,
			},
		},
	}
}

// Validate checks the configuration at construction time
func (c *Config) Validate() error {
	if c.L1.CapacityBytes <= 0 {
		return fmt.Errorf("%w: l1 capacity must be positive", ErrInvalidConfig)
	}
	if c.L1.Shards <= 0 || c.L1.Shards&(c.L1.Shards-1) != 0 {
		return fmt.Errorf("%w: l1 shards must be a positive power of two", ErrInvalidConfig)
	}
	if c.Similarity.DefaultThreshold <= 0 || c.Similarity.DefaultThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Similarity.Backend != "memory" && c.Similarity.Backend != "pgvector" {
		return fmt.Errorf("%w: unknown similarity backend %q", ErrInvalidConfig, c.Similarity.Backend)
	}
	if c.Similarity.Backend == "pgvector" && c.Similarity.PostgresDSN == "" {
		return fmt.Errorf("%w: pgvector backend requires postgres_dsn", ErrInvalidConfig)
	}
	if c.TTL.MinTTL <= 0 || c.TTL.MaxTTL < c.TTL.MinTTL {
		return fmt.Errorf("%w: ttl bounds are inverted", ErrInvalidConfig)
	}
	if c.TTL.HotMultiplier < 1.0 || c.TTL.HotMultiplier > 2.0 {
		return fmt.Errorf("%w: hot multiplier must be in [1.0, 2.0]", ErrInvalidConfig)
	}
	if c.TTL.ColdMultiplier <= 0 || c.TTL.ColdMultiplier > 1.0 {
		return fmt.Errorf("%w: cold multiplier must be in (0, 1.0]", ErrInvalidConfig)
	}
	if c.Invalidation.BatchWindow <= 0 || c.Invalidation.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: invalidation batch window and size must be positive", ErrInvalidConfig)
	}
	for ct, policy := range c.ContentTypes {
		if policy.BaseTTL <= 0 {
			return fmt.Errorf("%w: content type %q needs a positive base ttl", ErrInvalidConfig, ct)
		}
		if policy.SimilarityThreshold < 0 || policy.SimilarityThreshold > 1 {
			return fmt.Errorf("%w: content type %q similarity threshold out of range", ErrInvalidConfig, ct)
		}
	}
	return nil
}

// PolicyFor returns the content-type policy, falling back to a conservative
// default for unregistered types: base TTL of 5 minutes, no fuzzy matching,
// no grace serves.
func (c *Config) PolicyFor(contentType string) ContentTypePolicy {
	if p, ok := c.ContentTypes[contentType]; ok {
		return p
	}
	return ContentTypePolicy{BaseTTL: 5 * time.Minute}
}

// ThresholdFor returns the effective similarity threshold for a content type
func (c *Config) ThresholdFor(contentType string) float32 {
	if p, ok := c.ContentTypes[contentType]; ok && p.SimilarityThreshold > 0 {
		return p.SimilarityThreshold
	}
	return c.Similarity.DefaultThreshold
}
