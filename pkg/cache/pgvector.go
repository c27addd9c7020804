package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// PgVectorIndex is the pgvector-backed SimilarityIndex for deployments
// where the index must survive restarts and be shared across processes.
// Namespace partitioning is enforced in every statement: the namespace
// column appears in each WHERE clause and in the primary key, so no query
// can cross a security boundary.
type PgVectorIndex struct {
	db            *sqlx.DB
	maxCandidates int
	queryDeadline time.Duration
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewPgVectorIndex creates a pgvector-backed similarity index
func NewPgVectorIndex(db *sqlx.DB, config SimilarityConfig, logger observability.Logger, metrics observability.MetricsClient) *PgVectorIndex {
	if logger == nil {
		logger = observability.NewLogger("cache.similarity.pgvector")
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

	return &PgVectorIndex{
		db:            db,
		maxCandidates: config.MaxCandidates,
		queryDeadline: config.QueryDeadline,
		logger:        logger,
		metrics:       metrics,
	}
}

// Index upserts the embedding for a cache key
func (p *PgVectorIndex) Index(ctx context.Context, key CacheKey, embedding []float32, qualityScore float64, createdAt time.Time) error {
	ctx, span := observability.StartSpan(ctx, "cache.pgvector.index")
	defer span.End()

	query := `
		INSERT INTO gencache_embeddings (namespace, cache_key, embedding, quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, cache_key)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			quality_score = EXCLUDED.quality_score,
			created_at = EXCLUDED.created_at
	`

	start := time.Now()
	_, err := p.db.ExecContext(ctx, query, key.Namespace, key.String(), pq.Array(embedding), qualityScore, createdAt)
	p.metrics.RecordLatency("similarity.index", time.Since(start))
	if err != nil {
		span.RecordError(err)
		p.logger.Error("Failed to store embedding", map[string]interface{}{
			"error":     err.Error(),
			"namespace": key.Namespace,
			"cache_key": key.String(),
		})
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

type pgSimilarityRow struct {
	CacheKey     string    `db:"cache_key"`
	Similarity   float32   `db:"similarity"`
	QualityScore float64   `db:"quality_score"`
	CreatedAt    time.Time `db:"created_at"`
}

// Query finds cached keys with similar embeddings inside the namespace.
// The documented tie-break (similarity, quality score, recency) is pushed
// into the ORDER BY.
func (p *PgVectorIndex) Query(ctx context.Context, namespace string, embedding []float32, threshold float32) ([]SimilarityMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryDeadline)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "cache.pgvector.query")
	defer span.End()

	query := `
		SELECT
			cache_key,
			1 - (embedding <=> $2) AS similarity,
			quality_score,
			created_at
		FROM gencache_embeddings
		WHERE namespace = $1
			AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2, quality_score DESC, created_at DESC
		LIMIT $4
	`

	start := time.Now()
	rows, err := p.db.QueryxContext(ctx, query, namespace, pq.Array(embedding), threshold, p.maxCandidates)
	p.metrics.RecordLatency("similarity.query", time.Since(start))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			// An overrunning scan is a miss, not a failure
			p.metrics.IncrementCounter("cache.similarity.deadline_exceeded", 1)
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			p.logger.Warn("Failed to close rows", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	var matches []SimilarityMatch
	for rows.Next() {
		var row pgSimilarityRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		key, err := ParseKey(row.CacheKey)
		if err != nil {
			p.logger.Warn("Skipping malformed indexed key", map[string]interface{}{
				"cache_key": row.CacheKey,
			})
			continue
		}
		matches = append(matches, SimilarityMatch{
			Key:          key,
			Score:        row.Similarity,
			QualityScore: row.QualityScore,
			CreatedAt:    row.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return matches, nil
}

// Remove deletes the embedding for a cache key
func (p *PgVectorIndex) Remove(ctx context.Context, key CacheKey) error {
	query := `
		DELETE FROM gencache_embeddings
		WHERE namespace = $1 AND cache_key = $2
	`
	_, err := p.db.ExecContext(ctx, query, key.Namespace, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// CleanupBefore removes embeddings created before the cutoff. Run from a
// periodic maintenance job to keep the index aligned with expired entries.
func (p *PgVectorIndex) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM gencache_embeddings WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup embeddings: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		p.logger.Info("Cleaned up stale embeddings", map[string]interface{}{
			"rows_deleted": deleted,
			"cutoff":       cutoff,
		})
	}
	return deleted, nil
}

// HealthCheck verifies connectivity and that the pgvector extension is
// installed.
func (p *PgVectorIndex) HealthCheck(ctx context.Context) error {
	var result int
	if err := p.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("pgvector health check failed: %w", err)
	}

	var extensionExists bool
	err := p.db.GetContext(ctx, &extensionExists,
		"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')")
	if err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !extensionExists {
		return fmt.Errorf("pgvector extension is not installed")
	}
	return nil
}
