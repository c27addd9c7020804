package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/gencache/pkg/auth"
	"github.com/developer-mesh/gencache/pkg/cache/audit"
	"github.com/developer-mesh/gencache/pkg/observability"
)

// Cache is the facade and only entry point for external callers. It
// orchestrates the security gate, key builder, both storage tiers, the
// similarity index, the TTL policy, and the invalidation manager.
//
// A single Get walks AUTHORIZED? -> L1 -> L2 -> SIMILARITY -> MISS/HIT.
// Denied reads are observably identical to misses. All storage failures
// degrade to reduced hit rate, never to a failed request.
//
// Cache is safe for concurrent use. Construct it once and inject it into
// the request-serving process's dependency graph; it owns background
// workers and must be started and shut down through Start/Shutdown.
type Cache struct {
	config atomic.Pointer[Config]

	keyBuilder *KeyBuilder
	gate       *SecurityGate
	l1         *L1Store
	l2         L2Store
	index      SimilarityIndex
	ttlPolicy  atomic.Pointer[TTLPolicy]
	inval      *InvalidationManager

	stats    *statsCollector
	auditLog *audit.Logger

	refreshFn      RefreshFunc
	refreshLimiter *rate.Limiter

	// Degraded mode: after repeated L2 failures the facade goes L1-only
	// and a background probe re-enables L2 once it recovers.
	degraded          atomic.Bool
	l2Failures        atomic.Int64
	probeStop         chan struct{}
	probeOnce         sync.Once
	degradedThreshold int64

	shuttingDown atomic.Bool
	started      atomic.Bool
	wg           sync.WaitGroup

	logger     observability.Logger
	safeLogger *SafeLogger
	metrics    observability.MetricsClient
}

// Options configures cache construction. Config and either RedisClient or
// L2 are required; everything else has working defaults.
type Options struct {
	Config      *Config
	RedisClient *redis.Client
	// L2 overrides the Redis-backed tier, mainly for tests
	L2 L2Store
	// Index overrides the similarity index chosen by Config.Similarity.Backend
	Index      SimilarityIndex
	Authorizer Authorizer
	// RefreshFunc is invoked (rate-limited, in the background) when a
	// grace-stale entry is served
	RefreshFunc RefreshFunc
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// New creates a cache facade from the given options
func New(opts Options) (*Cache, error) {
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	l2 := opts.L2
	if l2 == nil {
		if opts.RedisClient == nil {
			return nil, fmt.Errorf("%w: redis client or L2 store is required", ErrInvalidConfig)
		}
		store, err := NewRedisStore(opts.RedisClient, config.L2, logger.WithPrefix("cache.l2"), metrics)
		if err != nil {
			return nil, err
		}
		l2 = store
	}

	index := opts.Index
	if index == nil {
		// The pgvector backend needs a database handle the caller wires
		// up via Options.Index; without one the in-memory index applies.
		index = NewMemoryIndex(config.Similarity, logger.WithPrefix("cache.similarity"), metrics)
	}

	auditLog := audit.NewLogger(
		logger.WithPrefix("cache.audit"),
		metrics,
		config.Security.AuditEnabled,
		config.Security.AuditBufferSize,
	)

	stats := newStatsCollector()
	l1 := NewL1Store(config.L1, logger.WithPrefix("cache.l1"), metrics)

	c := &Cache{
		keyBuilder:        NewKeyBuilder(NewContentNormalizer()),
		gate:              NewSecurityGate(opts.Authorizer, auditLog, logger.WithPrefix("cache.gate")),
		l1:                l1,
		l2:                l2,
		index:             index,
		inval:             NewInvalidationManager(l1, l2, index, config.Invalidation, stats, auditLog, logger.WithPrefix("cache.invalidation"), metrics),
		stats:             stats,
		auditLog:          auditLog,
		refreshFn:         opts.RefreshFunc,
		refreshLimiter:    rate.NewLimiter(rate.Limit(config.TTL.RefreshPerSecond), config.TTL.RefreshBurst),
		probeStop:         make(chan struct{}),
		degradedThreshold: 3,
		logger:            logger,
		safeLogger:        NewSafeLogger(logger),
		metrics:           metrics,
	}
	c.config.Store(config)
	c.ttlPolicy.Store(NewTTLPolicy(config.TTL, config.PolicyFor))
	return c, nil
}

// Start launches the background workers: the invalidation batch worker
// and the degraded-mode recovery probe.
func (c *Cache) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.inval.Start()

	c.wg.Add(1)
	go c.recoveryProbe()

	c.logger.Info("Cache started", map[string]interface{}{
		"l1_capacity_bytes":  c.config.Load().L1.CapacityBytes,
		"similarity_backend": c.config.Load().Similarity.Backend,
	})
	return nil
}

// Shutdown stops accepting work, drains the invalidation worker, and
// flushes the audit buffer. Bounded by ctx.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.shuttingDown.Store(true)
	c.probeOnce.Do(func() { close(c.probeStop) })

	err := c.inval.Stop(ctx)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	c.auditLog.Close()
	c.logger.Info("Cache shut down", nil)
	return err
}

// Get looks up cached content for the request. The returned Result has
// Hit=false for misses and denied reads alike; Stale=true marks a
// grace-window serve with a background refresh under way.
func (c *Cache) Get(ctx context.Context, principal *auth.Principal, req Request) (*Result, error) {
	if c.shuttingDown.Load() {
		return &Result{}, nil
	}

	key, err := c.keyBuilder.BuildKey(req.Namespace, req.ContentType, req.ScopeID, req.PriorityClass, req.Content)
	if err != nil {
		return nil, err
	}

	if !c.gate.AuthorizeRead(principal, req.Namespace, req.ScopeID) {
		c.stats.denied.Add(1)
		c.metrics.IncrementCounter("cache.denied", 1)
		// Same return shape as a miss; the audit log is the only place
		// the difference is visible.
		return &Result{Key: key}, nil
	}

	now := time.Now()

	// L1
	if entry, ok := c.l1.Get(key); ok {
		if result := c.serveIfAlive(entry, key, TierL1, now); result != nil {
			return result, nil
		}
		// Dead in L1: drop it and fall through
		c.dropDeadEntry(ctx, entry)
	}

	// L2, unless the key was just invalidated and its batched removal has
	// not landed yet
	if !c.degraded.Load() && !c.inval.IsPending(key) {
		entry, err := c.l2.Get(ctx, key)
		if err != nil {
			c.noteL2Failure(err)
		} else if entry != nil {
			c.l2ok()
			if result := c.serveIfAlive(entry, key, TierL2, now); result != nil {
				if !result.Stale {
					c.promoteAsync(entry)
				}
				return result, nil
			}
			c.dropDeadEntry(ctx, entry)
		} else {
			c.l2ok()
		}
	}

	// Similarity, only when exact lookups missed and the content type
	// allows fuzzy matching
	config := c.config.Load()
	if len(req.Embedding) > 0 && config.PolicyFor(req.ContentType).FuzzyEnabled {
		if result := c.semanticLookup(ctx, principal, req, config.ThresholdFor(req.ContentType), now); result != nil {
			return result, nil
		}
	}

	c.stats.misses.Add(1)
	c.metrics.IncrementCounter("cache.misses", 1)
	return &Result{Key: key}, nil
}

// serveIfAlive turns a stored entry into a Result if it is fresh or
// grace-eligible stale. Returns nil for dead entries.
func (c *Cache) serveIfAlive(entry *CacheEntry, key CacheKey, tier string, now time.Time) *Result {
	policy := c.ttlPolicy.Load()

	if !entry.Expired(now) {
		policy.RecordAccess(key)
		c.countHit(tier)
		return &Result{
			Key:     key,
			Payload: entry.Payload,
			Hit:     true,
			Tier:    tier,
		}
	}

	if grace, eligible := policy.Grace(key.ContentType); eligible && entry.WithinGrace(now, grace) {
		c.stats.ttlGraceServes.Add(1)
		c.metrics.IncrementCounter("cache.ttl_grace_serves", 1)
		c.triggerRefresh(key, entry.Payload)
		return &Result{
			Key:     key,
			Payload: entry.Payload,
			Hit:     true,
			Stale:   true,
			Tier:    tier,
		}
	}

	return nil
}

// semanticLookup resolves a similarity match into a served entry. Matches
// whose backing entry is gone or dead are cleaned out of the index.
func (c *Cache) semanticLookup(ctx context.Context, principal *auth.Principal, req Request, threshold float32, now time.Time) *Result {
	matches, err := c.index.Query(ctx, req.Namespace, req.Embedding, threshold)
	if err != nil {
		c.logger.Warn("Similarity query failed", map[string]interface{}{
			"namespace": req.Namespace,
			"error":     err.Error(),
		})
		return nil
	}

	for _, match := range matches {
		if c.inval.IsPending(match.Key) {
			continue
		}
		// The index partitions by namespace only; candidates may belong to
		// scopes the requester cannot read. Each one passes the gate against
		// its own scope before it can be served.
		if !c.gate.AuthorizeRead(principal, req.Namespace, match.Key.ScopeID) {
			continue
		}
		entry, ok := c.l1.Get(match.Key)
		if !ok {
			if c.degraded.Load() {
				// L2 may still hold the entry; don't treat it as orphaned
				continue
			}
			var err error
			entry, err = c.l2.Get(ctx, match.Key)
			if err != nil {
				c.noteL2Failure(err)
				continue
			}
			if entry == nil {
				// Index entry outlived its cache entry
				_ = c.index.Remove(ctx, match.Key)
				c.inval.UnregisterKey(match.Key)
				continue
			}
			// Private copy, not yet shared with L1; counts the semantic hit
			// the same way an exact hit would.
			entry.AccessCount++
			entry.LastAccessedAt = now
		}
		if entry.SecurityNamespace != req.Namespace {
			// Partitioning should make this unreachable; drop defensively
			// loud enough to investigate.
			c.logger.Error("Similarity match crossed namespace partition", map[string]interface{}{
				"entry_namespace": entry.SecurityNamespace,
				"query_namespace": req.Namespace,
			})
			continue
		}
		if entry.Expired(now) {
			c.dropDeadEntry(ctx, entry)
			continue
		}

		// Resident entries already had this access recorded under the
		// store's shard lock by l1.Get.
		c.ttlPolicy.Load().RecordAccess(match.Key)
		c.countHit(TierSemantic)
		// Semantic hits are logged distinctly for separate hit-rate accounting
		c.safeLogger.Debug("Semantic cache hit", map[string]interface{}{
			"key":        match.Key.String(),
			"similarity": match.Score,
		})
		if !ok {
			c.promoteAsync(entry)
		}

		return &Result{
			Key:        match.Key,
			Payload:    entry.Payload,
			Hit:        true,
			Tier:       TierSemantic,
			Similarity: match.Score,
		}
	}
	return nil
}

// Put stores freshly computed content. The payload passes write-time
// scrubbing first: a blocked payload returns ErrPayloadBlocked and writes
// nothing anywhere. The write goes to L2 synchronously, to L1 best-effort,
// and to the similarity index when an embedding is supplied and the
// content type supports fuzzy matching.
func (c *Cache) Put(ctx context.Context, principal *auth.Principal, req Request, payload string, qualityScore float64, dependencies []string) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}

	key, err := c.keyBuilder.BuildKey(req.Namespace, req.ContentType, req.ScopeID, req.PriorityClass, req.Content)
	if err != nil {
		return err
	}

	// Writes pass the same authorization as reads; a denied write is a
	// silent no-op recorded only in the audit log.
	if !c.gate.AuthorizeRead(principal, req.Namespace, req.ScopeID) {
		c.stats.denied.Add(1)
		return nil
	}

	clean, blocked := c.gate.ScrubForWrite(req.Namespace, payload)
	if blocked {
		return ErrPayloadBlocked
	}

	policy := c.ttlPolicy.Load()
	observed := policy.ObservedAccessCount(key)
	ttl := policy.ComputeTTL(req.ContentType, req.PriorityClass, observed)

	now := time.Now()
	entry := &CacheEntry{
		Key:               key,
		Payload:           clean,
		Embedding:         req.Embedding,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		LastAccessedAt:    now,
		QualityScore:      qualityScore,
		SecurityNamespace: req.Namespace,
		Dependencies:      dependencies,
		TTL:               ttl,
	}

	for _, dep := range dependencies {
		c.inval.RegisterDependency(dep, key)
	}

	// L2 retention covers the grace window so stale entries stay
	// servable until the window closes.
	retention := ttl
	if grace, eligible := policy.Grace(req.ContentType); eligible {
		retention += grace
	}

	if !c.degraded.Load() {
		if err := c.l2.PutWithTTL(ctx, entry, retention); err != nil {
			c.noteL2Failure(err)
			c.logger.Warn("L2 write failed, entry is L1-only", map[string]interface{}{
				"key":   key.String(),
				"error": err.Error(),
			})
		} else {
			c.l2ok()
		}
	}

	evicted := c.l1.Put(entry)
	if n := len(evicted); n > 0 {
		c.stats.evictions.Add(int64(n))
	}

	config := c.config.Load()
	if len(req.Embedding) > 0 && config.PolicyFor(req.ContentType).FuzzyEnabled {
		if err := c.index.Index(ctx, key, req.Embedding, qualityScore, now); err != nil {
			c.logger.Warn("Similarity indexing failed", map[string]interface{}{
				"key":   key.String(),
				"error": err.Error(),
			})
		}
	}

	return nil
}

// Invalidate removes every entry dependent on the upstream resource
func (c *Cache) Invalidate(upstreamResourceID string) int {
	return c.inval.Invalidate(upstreamResourceID)
}

// InvalidatePrefix removes every entry under a key prefix
func (c *Cache) InvalidatePrefix(keyPrefix string) int {
	return c.inval.InvalidatePrefix(keyPrefix)
}

// RegisterDependency exposes dependency registration for callers that
// establish edges after the fact.
func (c *Cache) RegisterDependency(upstreamResourceID string, key CacheKey) {
	c.inval.RegisterDependency(upstreamResourceID, key)
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	s.L1Entries = c.l1.Len()
	s.L1Bytes = c.l1.Bytes()
	s.DegradedMode = c.degraded.Load()
	return s
}

// ApplyConfig hot-applies a new configuration: TTL table, thresholds,
// grace, and L1 capacity take effect immediately. Batch worker settings
// and store endpoints require a restart and are ignored here.
func (c *Cache) ApplyConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	c.config.Store(config)
	c.ttlPolicy.Store(NewTTLPolicy(config.TTL, config.PolicyFor))
	if evicted := c.l1.Resize(config.L1.CapacityBytes); len(evicted) > 0 {
		c.stats.evictions.Add(int64(len(evicted)))
	}
	c.auditLog.Record(audit.EventConfigChange, "", "", "", true, nil)
	c.logger.Info("Configuration applied", map[string]interface{}{
		"l1_capacity_bytes": config.L1.CapacityBytes,
	})
	return nil
}

// Health verifies the L2 backend is reachable
func (c *Cache) Health(ctx context.Context) error {
	return c.l2.Ping(ctx)
}

func (c *Cache) countHit(tier string) {
	switch tier {
	case TierL1:
		c.stats.hitsL1.Add(1)
	case TierL2:
		c.stats.hitsL2.Add(1)
	case TierSemantic:
		c.stats.hitsSemantic.Add(1)
	}
	c.metrics.IncrementCounterWithLabels("cache.hits", 1, map[string]string{"tier": tier})
}

// dropDeadEntry removes an entry past its grace window from every tier
// and unlinks its dependency edges.
func (c *Cache) dropDeadEntry(ctx context.Context, entry *CacheEntry) {
	c.l1.Remove(entry.Key)
	c.inval.UnregisterKey(entry.Key)
	_ = c.index.Remove(ctx, entry.Key)
	if !c.degraded.Load() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			rmCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = c.l2.Remove(rmCtx, entry.Key)
		}()
	}
}

// promoteAsync writes an entry found in L2 or via similarity back into L1
// without blocking the response.
func (c *Cache) promoteAsync(entry *CacheEntry) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if evicted := c.l1.Put(entry); len(evicted) > 0 {
			c.stats.evictions.Add(int64(len(evicted)))
		}
	}()
}

// triggerRefresh kicks off a background recomputation for a stale entry,
// bounded by the refresh rate limit.
func (c *Cache) triggerRefresh(key CacheKey, stalePayload string) {
	if c.refreshFn == nil || !c.refreshLimiter.Allow() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshFn(key, stalePayload)
	}()
}

// noteL2Failure counts a backend failure and flips to degraded mode after
// repeated failures.
func (c *Cache) noteL2Failure(err error) {
	if err == context.Canceled {
		return
	}
	failures := c.l2Failures.Add(1)
	if failures >= c.degradedThreshold && c.degraded.CompareAndSwap(false, true) {
		c.logger.Warn("Entering degraded mode, L2 disabled", map[string]interface{}{
			"consecutive_failures": failures,
		})
		c.auditLog.Record(audit.EventDegradedMode, "", "", "", false, map[string]interface{}{
			"failures": failures,
		})
		c.metrics.IncrementCounter("cache.degraded_mode.entered", 1)
	}
}

// l2ok resets the failure counter after a successful L2 call
func (c *Cache) l2ok() {
	c.l2Failures.Store(0)
}

// recoveryProbe periodically pings L2 while degraded and restores normal
// operation once the backend answers again.
func (c *Cache) recoveryProbe() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := c.l2.Ping(ctx)
			cancel()
			if err == nil {
				c.degraded.Store(false)
				c.l2Failures.Store(0)
				c.logger.Info("L2 recovered, leaving degraded mode", nil)
				c.auditLog.Record(audit.EventRecovery, "", "", "", true, nil)
				c.metrics.IncrementCounter("cache.degraded_mode.recovered", 1)
			}
		case <-c.probeStop:
			return
		}
	}
}
