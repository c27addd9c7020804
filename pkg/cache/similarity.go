package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// SimilarityMatch is a candidate returned by a similarity query, ordered
// best-first: highest score, then highest quality score, then most
// recently created.
type SimilarityMatch struct {
	Key          CacheKey
	Score        float32
	QualityScore float64
	CreatedAt    time.Time
}

// SimilarityIndex finds semantically equivalent prior results when an
// exact key misses. The index is partitioned by security namespace:
// a query can only ever see vectors indexed under its own namespace, so
// isolation holds structurally rather than by post-hoc filtering.
//
// Query returns candidates above the threshold so the caller can skip
// expired entries; an empty result is a miss.
type SimilarityIndex interface {
	Index(ctx context.Context, key CacheKey, embedding []float32, qualityScore float64, createdAt time.Time) error
	Query(ctx context.Context, namespace string, embedding []float32, threshold float32) ([]SimilarityMatch, error)
	Remove(ctx context.Context, key CacheKey) error
}

// MemoryIndex is the in-process SimilarityIndex. Vectors are stored
// unit-normalized per namespace partition; queries are linear scans with a
// deadline, suitable for partitions up to a few tens of thousands of
// vectors.
type MemoryIndex struct {
	mu         sync.RWMutex
	partitions map[string]*nsPartition

	maxCandidates int
	queryDeadline time.Duration
	logger        observability.Logger
	metrics       observability.MetricsClient
}

type nsPartition struct {
	mu      sync.RWMutex
	vectors map[string]*indexedVector
}

type indexedVector struct {
	key          CacheKey
	vec          []float32 // unit-normalized
	qualityScore float64
	createdAt    time.Time
}

// NewMemoryIndex creates an in-memory similarity index
func NewMemoryIndex(config SimilarityConfig, logger observability.Logger, metrics observability.MetricsClient) *MemoryIndex {
	if logger == nil {
		logger = observability.NewLogger("cache.similarity")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 10
	}
	if config.QueryDeadline <= 0 {
		config.QueryDeadline = 25 * time.Millisecond
	}

	return &MemoryIndex{
		partitions:    make(map[string]*nsPartition),
		maxCandidates: config.MaxCandidates,
		queryDeadline: config.QueryDeadline,
		logger:        logger,
		metrics:       metrics,
	}
}

func (m *MemoryIndex) partition(namespace string, create bool) *nsPartition {
	m.mu.RLock()
	p, ok := m.partitions[namespace]
	m.mu.RUnlock()
	if ok || !create {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.partitions[namespace]; ok {
		return p
	}
	p = &nsPartition{vectors: make(map[string]*indexedVector)}
	m.partitions[namespace] = p
	return p
}

// Index adds or replaces a vector in the key's namespace partition
func (m *MemoryIndex) Index(ctx context.Context, key CacheKey, embedding []float32, qualityScore float64, createdAt time.Time) error {
	unit, err := normalizeVector(embedding)
	if err != nil {
		return err
	}

	p := m.partition(key.Namespace, true)
	p.mu.Lock()
	p.vectors[key.String()] = &indexedVector{
		key:          key,
		vec:          unit,
		qualityScore: qualityScore,
		createdAt:    createdAt,
	}
	p.mu.Unlock()
	return nil
}

// Query scans the namespace partition for vectors above the threshold.
// The scan is bounded by the configured query deadline; exceeding it
// returns whatever was found so far, biased toward a miss.
func (m *MemoryIndex) Query(ctx context.Context, namespace string, embedding []float32, threshold float32) ([]SimilarityMatch, error) {
	p := m.partition(namespace, false)
	if p == nil {
		return nil, nil
	}

	unit, err := normalizeVector(embedding)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.queryDeadline)

	p.mu.RLock()
	defer p.mu.RUnlock()

	var matches []SimilarityMatch
	scanned := 0
	for _, iv := range p.vectors {
		scanned++
		// Deadline and cancellation checks are amortized across the scan
		if scanned%64 == 0 {
			if time.Now().After(deadline) || ctx.Err() != nil {
				m.metrics.IncrementCounter("cache.similarity.deadline_exceeded", 1)
				break
			}
		}
		if len(iv.vec) != len(unit) {
			continue
		}
		score := dotProduct(iv.vec, unit)
		if score >= threshold {
			matches = append(matches, SimilarityMatch{
				Key:          iv.key,
				Score:        score,
				QualityScore: iv.qualityScore,
				CreatedAt:    iv.createdAt,
			})
		}
	}

	sortMatches(matches)
	if len(matches) > m.maxCandidates {
		matches = matches[:m.maxCandidates]
	}
	return matches, nil
}

// Remove deletes a vector from its namespace partition
func (m *MemoryIndex) Remove(ctx context.Context, key CacheKey) error {
	p := m.partition(key.Namespace, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.vectors, key.String())
	p.mu.Unlock()
	return nil
}

// Len returns the number of vectors indexed under a namespace
func (m *MemoryIndex) Len(namespace string) int {
	p := m.partition(namespace, false)
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vectors)
}

// sortMatches orders candidates best-first with the documented tie-break:
// similarity, then quality score, then creation recency.
func sortMatches(matches []SimilarityMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].QualityScore != matches[j].QualityScore {
			return matches[i].QualityScore > matches[j].QualityScore
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
}

func normalizeVector(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrInvalidEntry)
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return nil, fmt.Errorf("%w: zero-magnitude embedding", ErrInvalidEntry)
	}
	unit := make([]float32, len(vec))
	for i, v := range vec {
		unit[i] = float32(float64(v) / norm)
	}
	return unit, nil
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// CosineSimilarity computes similarity between two raw vectors. Exposed
// for callers that score candidates outside the index.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
