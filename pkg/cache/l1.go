package cache

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// L1Store is the bounded in-process tier. It holds hot entries under a byte
// budget with size-aware LRU eviction and a frequency tiebreaker: an entry
// accessed at least ProtectedAccessCount times is protected from
// pure-recency eviction for one additional eviction cycle.
//
// The store is sharded by key hash so that unrelated keys do not contend on
// one lock. L1 presence is never load-bearing: L2 or recomputation remains
// the source of truth, so eviction is always safe.
type L1Store struct {
	shards    []*l1Shard
	shardMask uint32

	capacityBytes        atomic.Int64
	protectedAccessCount int64

	evictions atomic.Int64

	logger  observability.Logger
	metrics observability.MetricsClient
}

type l1Shard struct {
	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
	bytes int64
}

type l1Item struct {
	key       string
	entry     *CacheEntry
	size      int64
	protected bool
}

// NewL1Store creates an L1 store with the given configuration
func NewL1Store(config L1Config, logger observability.Logger, metrics observability.MetricsClient) *L1Store {
	if logger == nil {
		logger = observability.NewLogger("cache.l1")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.Shards <= 0 {
		config.Shards = 16
	}

	shards := make([]*l1Shard, config.Shards)
	for i := range shards {
		shards[i] = &l1Shard{
			order: list.New(),
			items: make(map[string]*list.Element),
		}
	}

	s := &L1Store{
		shards:               shards,
		shardMask:            uint32(config.Shards - 1),
		protectedAccessCount: config.ProtectedAccessCount,
		logger:               logger,
		metrics:              metrics,
	}
	s.capacityBytes.Store(config.CapacityBytes)
	return s
}

func (s *L1Store) shardFor(key string) *l1Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()&s.shardMask]
}

// perShardBudget is the byte budget of a single shard
func (s *L1Store) perShardBudget() int64 {
	return s.capacityBytes.Load() / int64(len(s.shards))
}

// Get retrieves an entry and records the access. Expiry is not enforced
// here; the facade decides between fresh, grace-stale, and dead entries.
func (s *L1Store) Get(key CacheKey) (*CacheEntry, bool) {
	ks := key.String()
	shard := s.shardFor(ks)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.items[ks]
	if !ok {
		return nil, false
	}

	item := el.Value.(*l1Item)
	item.entry.AccessCount++
	item.entry.LastAccessedAt = time.Now()
	if s.protectedAccessCount > 0 && item.entry.AccessCount >= s.protectedAccessCount {
		item.protected = true
	}
	shard.order.MoveToFront(el)

	return item.entry, true
}

// Put inserts an entry, synchronously evicting as needed to satisfy the
// byte budget. Eviction never fails the Put. Returns the evicted keys so
// the caller can settle counters and the similarity index.
//
// An entry larger than a single shard's budget is rejected outright:
// admitting it would evict every resident and still leave the shard over
// budget. L1 residency is never load-bearing, so the entry simply stays
// L2-only. A stale resident version under the same key is removed rather
// than left serving outdated content.
func (s *L1Store) Put(entry *CacheEntry) []CacheKey {
	ks := entry.Key.String()
	shard := s.shardFor(ks)
	size := entry.SizeBytes()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if size > s.perShardBudget() {
		if el, ok := shard.items[ks]; ok {
			old := el.Value.(*l1Item)
			shard.order.Remove(el)
			delete(shard.items, ks)
			shard.bytes -= old.size
		}
		s.metrics.IncrementCounter("cache.l1.oversized_rejects", 1)
		return nil
	}

	if el, ok := shard.items[ks]; ok {
		old := el.Value.(*l1Item)
		shard.bytes -= old.size
		el.Value = &l1Item{key: ks, entry: entry, size: size}
		shard.bytes += size
		shard.order.MoveToFront(el)
		return s.evictLocked(shard, ks)
	}

	el := shard.order.PushFront(&l1Item{key: ks, entry: entry, size: size})
	shard.items[ks] = el
	shard.bytes += size

	return s.evictLocked(shard, ks)
}

// evictLocked removes least-recently-used items until the shard is within
// budget, skipping the just-inserted key and giving protected items one
// extra cycle. Caller holds the shard lock.
func (s *L1Store) evictLocked(shard *l1Shard, justInserted string) []CacheKey {
	budget := s.perShardBudget()
	var evicted []CacheKey

	// Each item can be visited at most twice: once to consume its
	// protection, once to remove it.
	maxPasses := 2 * shard.order.Len()
	for pass := 0; shard.bytes > budget && shard.order.Len() > 1 && pass < maxPasses; pass++ {
		el := shard.order.Back()
		item := el.Value.(*l1Item)

		if item.key == justInserted {
			// Never evict the entry this Put is inserting
			shard.order.MoveToFront(el)
			continue
		}
		if item.protected {
			item.protected = false
			shard.order.MoveToFront(el)
			continue
		}

		shard.order.Remove(el)
		delete(shard.items, item.key)
		shard.bytes -= item.size
		evicted = append(evicted, item.entry.Key)
	}

	if len(evicted) > 0 {
		s.evictions.Add(int64(len(evicted)))
		s.metrics.IncrementCounter("cache.l1.evictions", float64(len(evicted)))
	}
	return evicted
}

// Remove deletes an entry if present
func (s *L1Store) Remove(key CacheKey) bool {
	return s.removeByString(key.String())
}

func (s *L1Store) removeByString(ks string) bool {
	shard := s.shardFor(ks)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.items[ks]
	if !ok {
		return false
	}
	item := el.Value.(*l1Item)
	shard.order.Remove(el)
	delete(shard.items, ks)
	shard.bytes -= item.size
	return true
}

// RemovePrefix deletes all entries whose canonical key has the prefix.
// Used by cascading invalidation; requires a scan of every shard.
func (s *L1Store) RemovePrefix(prefix string) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for ks, el := range shard.items {
			if !strings.HasPrefix(ks, prefix) {
				continue
			}
			item := el.Value.(*l1Item)
			shard.order.Remove(el)
			delete(shard.items, ks)
			shard.bytes -= item.size
			removed++
		}
		shard.mu.Unlock()
	}
	return removed
}

// Evict forces every shard back under budget and returns the removed keys
func (s *L1Store) Evict() []CacheKey {
	var evicted []CacheKey
	for _, shard := range s.shards {
		shard.mu.Lock()
		evicted = append(evicted, s.evictLocked(shard, "")...)
		shard.mu.Unlock()
	}
	return evicted
}

// Resize updates the byte budget and evicts down to it. Used by config
// hot reload.
func (s *L1Store) Resize(capacityBytes int64) []CacheKey {
	s.capacityBytes.Store(capacityBytes)
	return s.Evict()
}

// Len returns the number of resident entries
func (s *L1Store) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.items)
		shard.mu.Unlock()
	}
	return n
}

// Bytes returns the total estimated resident size
func (s *L1Store) Bytes() int64 {
	var b int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		b += shard.bytes
		shard.mu.Unlock()
	}
	return b
}

// Evictions returns the lifetime eviction count
func (s *L1Store) Evictions() int64 {
	return s.evictions.Load()
}
