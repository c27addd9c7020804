package cache

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gencache/pkg/observability"
)

func setupPgVector(t *testing.T) (*PgVectorIndex, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	index := NewPgVectorIndex(db, SimilarityConfig{
		MaxCandidates: 10,
		QueryDeadline: time.Second,
	}, observability.NewNoopLogger(), nil)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return index, mock
}

func TestPgVectorIndex_Index(t *testing.T) {
	index, mock := setupPgVector(t)

	mock.ExpectExec(`INSERT INTO gencache_embeddings`).
		WithArgs("tenant-a", sqlmock.AnyArg(), sqlmock.AnyArg(), 0.9, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := index.Index(context.Background(), idxKey("tenant-a", "fp-1"), []float32{1, 0, 0}, 0.9, time.Now())
	assert.NoError(t, err)
}

func TestPgVectorIndex_Query(t *testing.T) {
	index, mock := setupPgVector(t)

	created := time.Now()
	key := idxKey("tenant-a", "fp-1")

	rows := sqlmock.NewRows([]string{"cache_key", "similarity", "quality_score", "created_at"}).
		AddRow(key.String(), float32(0.97), 0.9, created).
		AddRow("malformed-key", float32(0.96), 0.8, created)

	mock.ExpectQuery(`SELECT`).
		WithArgs("tenant-a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	matches, err := index.Query(context.Background(), "tenant-a", []float32{1, 0, 0}, 0.95)
	require.NoError(t, err)

	// The malformed indexed key is skipped, not fatal
	require.Len(t, matches, 1)
	assert.Equal(t, key, matches[0].Key)
	assert.InDelta(t, 0.97, float64(matches[0].Score), 0.001)
	assert.Equal(t, 0.9, matches[0].QualityScore)
}

func TestPgVectorIndex_QueryEmpty(t *testing.T) {
	index, mock := setupPgVector(t)

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key", "similarity", "quality_score", "created_at"}))

	matches, err := index.Query(context.Background(), "tenant-a", []float32{1, 0, 0}, 0.95)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPgVectorIndex_Remove(t *testing.T) {
	index, mock := setupPgVector(t)

	key := idxKey("tenant-a", "fp-1")
	mock.ExpectExec(`DELETE FROM gencache_embeddings`).
		WithArgs("tenant-a", key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, index.Remove(context.Background(), key))
}

func TestPgVectorIndex_CleanupBefore(t *testing.T) {
	index, mock := setupPgVector(t)

	mock.ExpectExec(`DELETE FROM gencache_embeddings WHERE created_at`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := index.CleanupBefore(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
}

func TestPgVectorIndex_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		index, mock := setupPgVector(t)

		mock.ExpectQuery(`SELECT 1`).
			WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(1))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.NoError(t, index.HealthCheck(context.Background()))
	})

	t.Run("extension missing", func(t *testing.T) {
		index, mock := setupPgVector(t)

		mock.ExpectQuery(`SELECT 1`).
			WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(1))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := index.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pgvector extension")
	})
}
