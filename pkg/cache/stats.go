package cache

import (
	"sync/atomic"
	"time"
)

// statsCollector accumulates the cache counters exposed through Stats().
// All fields are atomics; the collector is shared across components.
type statsCollector struct {
	hitsL1         atomic.Int64
	hitsL2         atomic.Int64
	hitsSemantic   atomic.Int64
	misses         atomic.Int64
	denied         atomic.Int64
	evictions      atomic.Int64
	invalidations  atomic.Int64
	ttlGraceServes atomic.Int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) snapshot() Stats {
	return Stats{
		HitsL1:         s.hitsL1.Load(),
		HitsL2:         s.hitsL2.Load(),
		HitsSemantic:   s.hitsSemantic.Load(),
		Misses:         s.misses.Load(),
		Denied:         s.denied.Load(),
		Evictions:      s.evictions.Load(),
		Invalidations:  s.invalidations.Load(),
		TTLGraceServes: s.ttlGraceServes.Load(),
		Timestamp:      time.Now().UTC(),
	}
}
