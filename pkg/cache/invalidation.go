package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/gencache/pkg/cache/audit"
	"github.com/developer-mesh/gencache/pkg/observability"
)

// InvalidationManager maintains the reverse dependency index
// (upstream resource -> dependent cache keys) and performs cascading,
// batched invalidation across L1, L2, and the similarity index.
//
// L1 removal happens synchronously inside Invalidate: the fast tier is
// always over-invalidated rather than left stale. L2 and index removal is
// debounced and batched by a background worker so that a burst of changes
// to one upstream resource does not hammer the shared tier key by key.
// Keys whose L2 removal fails transiently stay tracked for retry on the
// next batch cycle.
type InvalidationManager struct {
	// Dependency index, read-biased: lookups happen on every invalidation
	// and registration is comparatively rare.
	mu         sync.RWMutex
	byResource map[string]map[string]CacheKey
	byKey      map[string][]string

	l1    *L1Store
	l2    L2Store
	index SimilarityIndex

	config   InvalidationConfig
	stats    *statsCollector
	auditLog *audit.Logger
	logger   observability.Logger
	metrics  observability.MetricsClient

	// Batched removal state
	pendingMu sync.Mutex
	pending   map[string]CacheKey // keyString -> key, awaiting L2+index removal
	retries   map[string]CacheKey // keyString -> key, failed L2 removal

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInvalidationManager creates an invalidation manager. Start must be
// called before invalidations are processed, and Stop on shutdown.
func NewInvalidationManager(l1 *L1Store, l2 L2Store, index SimilarityIndex, config InvalidationConfig, stats *statsCollector, auditLog *audit.Logger, logger observability.Logger, metrics observability.MetricsClient) *InvalidationManager {
	if logger == nil {
		logger = observability.NewLogger("cache.invalidation")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = time.Second
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 50
	}
	if stats == nil {
		stats = newStatsCollector()
	}

	return &InvalidationManager{
		byResource: make(map[string]map[string]CacheKey),
		byKey:      make(map[string][]string),
		l1:         l1,
		l2:         l2,
		index:      index,
		config:     config,
		stats:      stats,
		auditLog:   auditLog,
		logger:     logger,
		metrics:    metrics,
		pending:    make(map[string]CacheKey),
		retries:    make(map[string]CacheKey),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the debounced batch worker
func (m *InvalidationManager) Start() {
	m.wg.Add(1)
	go m.batchLoop()
}

// Stop drains pending removals and stops the worker. Bounded by ctx.
func (m *InvalidationManager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterDependency records that key depends on the upstream resource
func (m *InvalidationManager) RegisterDependency(upstreamResourceID string, key CacheKey) {
	if upstreamResourceID == "" {
		return
	}
	ks := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.byResource[upstreamResourceID]
	if !ok {
		keys = make(map[string]CacheKey)
		m.byResource[upstreamResourceID] = keys
	}
	if _, exists := keys[ks]; !exists {
		keys[ks] = key
		m.byKey[ks] = append(m.byKey[ks], upstreamResourceID)
	}
}

// DependentKeys returns the keys currently registered under a resource
func (m *InvalidationManager) DependentKeys(upstreamResourceID string) []CacheKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]CacheKey, 0, len(m.byResource[upstreamResourceID]))
	for _, k := range m.byResource[upstreamResourceID] {
		keys = append(keys, k)
	}
	return keys
}

// Invalidate removes every cache entry dependent on the upstream resource.
// L1 removal is immediate; L2 and similarity index removal is queued for
// the next batch cycle. Dependency edges for the removed keys are unlinked
// recursively so no orphaned edges remain. Returns the number of dependent
// keys invalidated.
func (m *InvalidationManager) Invalidate(upstreamResourceID string) int {
	m.mu.Lock()
	keys := m.byResource[upstreamResourceID]
	delete(m.byResource, upstreamResourceID)
	for ks := range keys {
		m.unlinkKeyLocked(ks, upstreamResourceID)
	}
	m.mu.Unlock()

	if len(keys) == 0 {
		return 0
	}

	m.pendingMu.Lock()
	for ks, key := range keys {
		m.l1.removeByString(ks)
		m.pending[ks] = key
	}
	m.pendingMu.Unlock()

	m.stats.invalidations.Add(int64(len(keys)))
	m.metrics.IncrementCounterWithLabels("cache.invalidations", float64(len(keys)), map[string]string{
		"kind": "resource",
	})
	if m.auditLog != nil {
		m.auditLog.Record(audit.EventCacheInvalidate, "", "", upstreamResourceID, true, map[string]interface{}{
			"keys": len(keys),
		})
	}
	return len(keys)
}

// unlinkKeyLocked removes the key's remaining edges, including its entries
// under other resources. Caller holds the write lock.
func (m *InvalidationManager) unlinkKeyLocked(ks, removedResource string) {
	for _, res := range m.byKey[ks] {
		if res == removedResource {
			continue
		}
		if keys, ok := m.byResource[res]; ok {
			delete(keys, ks)
			if len(keys) == 0 {
				delete(m.byResource, res)
			}
		}
	}
	delete(m.byKey, ks)
}

// InvalidatePrefix removes all entries whose canonical key matches the
// prefix, across both tiers and the index. Returns the number of distinct
// keys removed.
func (m *InvalidationManager) InvalidatePrefix(keyPrefix string) int {
	// The dependency index knows every registered key; unlink matches and
	// queue their L2+index removal.
	matched := make(map[string]CacheKey)
	m.mu.Lock()
	for ks, resources := range m.byKey {
		if !strings.HasPrefix(ks, keyPrefix) {
			continue
		}
		for _, res := range resources {
			if keys, ok := m.byResource[res]; ok {
				if key, exists := keys[ks]; exists {
					matched[ks] = key
				}
				delete(keys, ks)
				if len(keys) == 0 {
					delete(m.byResource, res)
				}
			}
		}
		delete(m.byKey, ks)
	}
	m.mu.Unlock()

	removed := m.l1.RemovePrefix(keyPrefix)

	// L2 can hold matching entries that carry no registered dependency;
	// the prefix scan removes those too, synchronously.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if n, err := m.l2.RemovePrefix(ctx, keyPrefix); err != nil {
		m.logger.Warn("L2 prefix removal failed, keys queued for retry", map[string]interface{}{
			"prefix": keyPrefix,
			"error":  err.Error(),
		})
	} else if n > removed {
		removed = n
	}

	m.pendingMu.Lock()
	for ks, key := range matched {
		m.pending[ks] = key
	}
	m.pendingMu.Unlock()

	if len(matched) > removed {
		removed = len(matched)
	}
	if removed > 0 {
		m.stats.invalidations.Add(int64(removed))
		m.metrics.IncrementCounterWithLabels("cache.invalidations", float64(removed), map[string]string{
			"kind": "prefix",
		})
	}
	return removed
}

// UnregisterKey drops every dependency edge for a key. Called when an
// entry is removed outside the invalidation path (e.g. found dead on read).
func (m *InvalidationManager) UnregisterKey(key CacheKey) {
	ks := key.String()
	m.mu.Lock()
	m.unlinkKeyLocked(ks, "")
	m.mu.Unlock()
}

// IsPending reports whether the key awaits L2/index removal. The read
// path checks this so an entry invalidated moments ago cannot be served
// from L2 or resurrected into L1 before the batch lands.
func (m *InvalidationManager) IsPending(key CacheKey) bool {
	ks := key.String()
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.pending[ks]; ok {
		return true
	}
	_, ok := m.retries[ks]
	return ok
}

// PendingRemovals reports keys still awaiting L2/index removal, including
// transient-failure retries.
func (m *InvalidationManager) PendingRemovals() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending) + len(m.retries)
}

func (m *InvalidationManager) batchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.processBatch()
		case <-m.stopCh:
			// Drain everything pending before exiting
			for m.processBatch() > 0 {
			}
			return
		}
	}
}

// processBatch removes up to MaxBatchSize keys from L2 and the similarity
// index. Failed L2 removals go to the retry set for the next cycle.
func (m *InvalidationManager) processBatch() int {
	batch := make(map[string]CacheKey, m.config.MaxBatchSize)

	m.pendingMu.Lock()
	// Retries from the previous cycle go first
	for ks, key := range m.retries {
		if len(batch) >= m.config.MaxBatchSize {
			break
		}
		batch[ks] = key
		delete(m.retries, ks)
	}
	for ks, key := range m.pending {
		if len(batch) >= m.config.MaxBatchSize {
			break
		}
		batch[ks] = key
		delete(m.pending, ks)
	}
	m.pendingMu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	keys := make([]string, 0, len(batch))
	for ks := range batch {
		keys = append(keys, ks)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.l2.RemoveKeys(ctx, keys); err != nil {
		// Transient store failure: keep the whole batch for the next cycle
		m.pendingMu.Lock()
		for ks, key := range batch {
			m.retries[ks] = key
		}
		m.pendingMu.Unlock()

		m.logger.Warn("L2 batch removal failed, retrying next cycle", map[string]interface{}{
			"keys":  len(batch),
			"error": err.Error(),
		})
		m.metrics.IncrementCounter("cache.invalidation.l2_retry", float64(len(batch)))
		// Report no progress so the shutdown drain does not spin on a
		// store that stays down.
		return 0
	}

	if m.index != nil {
		for _, key := range batch {
			if err := m.index.Remove(ctx, key); err != nil {
				m.logger.Warn("Similarity index removal failed", map[string]interface{}{
					"key":   key.String(),
					"error": err.Error(),
				})
			}
		}
	}

	m.metrics.IncrementCounter("cache.invalidation.batches", 1)
	return len(batch)
}
