package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"echovault/server/internal/config"
	"echovault/server/internal/models"
)

// PostgresStore is the durable store adapter. It is the source of truth for
// every memory record and carries the fallback vector search the coordinator
// relies on when the fast index is unavailable. Cosine similarity ordering
// here must match the fast index exactly (higher is better).
type PostgresStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewPostgresStore(cfg config.PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Pool size is a fixed configuration value, not elastic.
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &PostgresStore{db: db, logger: logger.With().Str("component", "postgres").Logger()}, nil
}

// EnsureSchema creates the extension, tables and indexes for the given
// embedding dimension. Safe to run repeatedly.
func (s *PostgresStore) EnsureSchema(ctx context.Context, dimension int) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL DEFAULT '',
	blob_key TEXT NOT NULL DEFAULT '',
	blob_size BIGINT NOT NULL DEFAULT 0,
	embedding VECTOR(%d),
	tags JSONB NOT NULL DEFAULT '[]',
	importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	summary_of JSONB,
	retired_at TIMESTAMPTZ
)`, dimension)
	if err := db.Exec(schema).Error; err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}

	orphans := `
CREATE TABLE IF NOT EXISTS orphaned_blobs (
	blob_key TEXT PRIMARY KEY,
	marked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if err := db.Exec(orphans).Error; err != nil {
		return fmt.Errorf("failed to create orphaned_blobs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING GIN (tags)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories (created_at)",
		"CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories USING ivfflat (embedding vector_cosine_ops)",
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Insert writes a record. Returns false without error when a record with the
// same id already exists; the id-uniqueness constraint is the sole source of
// write ordering truth for concurrent identical stores.
func (s *PostgresStore) Insert(ctx context.Context, m *models.Memory) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert memory: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetByID fetches a single record. Returns gorm.ErrRecordNotFound when the
// id is unknown.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Memory, error) {
	var m models.Memory
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SearchVector runs cosine similarity search over non-retired records that
// carry an embedding. Score is 1 - cosine distance so that higher is better,
// matching the fast index. Ties break by descending score then ascending
// created_at.
func (s *PostgresStore) SearchVector(ctx context.Context, vec []float32, limit int, threshold float64) ([]models.ScoredMemory, error) {
	var results []models.ScoredMemory
	v := pgvector.NewVector(vec)
	err := s.db.WithContext(ctx).Raw(`
SELECT *, 1 - (embedding <=> ?) AS score
FROM memories
WHERE embedding IS NOT NULL
  AND retired_at IS NULL
  AND 1 - (embedding <=> ?) >= ?
ORDER BY score DESC, created_at ASC
LIMIT ?`, v, v, threshold, limit).Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return results, nil
}

// SearchByTag returns non-retired records whose tag set contains the tag,
// newest first.
func (s *PostgresStore) SearchByTag(ctx context.Context, tag string, limit int) ([]models.Memory, error) {
	match, err := json.Marshal([]string{tag})
	if err != nil {
		return nil, err
	}
	var results []models.Memory
	err = s.db.WithContext(ctx).
		Where("tags @> ?", string(match)).
		Where("retired_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("tag search failed: %w", err)
	}
	return results, nil
}

// SelectAged returns non-summary, non-retired records created before the
// cutoff, oldest first. Used by the lifecycle manager's batch selection.
func (s *PostgresStore) SelectAged(ctx context.Context, cutoff time.Time, limit int) ([]models.Memory, error) {
	var results []models.Memory
	q := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Where("summary_of IS NULL").
		Where("retired_at IS NULL").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("aged selection failed: %w", err)
	}
	return results, nil
}

// SelectOlderThan returns every record, summary or not, created before the
// cutoff. Used by retention purge, which is an absolute ceiling.
func (s *PostgresStore) SelectOlderThan(ctx context.Context, cutoff time.Time) ([]models.Memory, error) {
	var results []models.Memory
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("retention selection failed: %w", err)
	}
	return results, nil
}

// Retire tombstones records so they drop out of every search path before
// deletion. Summary batch members are retired the moment their summary is
// durably stored.
func (s *PostgresStore) Retire(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.Memory{}).
		Where("id IN ?", ids).
		Update("retired_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to retire records: %w", err)
	}
	return nil
}

// Delete removes a record row. Returns false when the id was not present.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&models.Memory{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete memory: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteMany removes a set of rows in one statement.
func (s *PostgresStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Delete(&models.Memory{}, "id IN ?", ids).Error
	if err != nil {
		return fmt.Errorf("failed to delete memories: %w", err)
	}
	return nil
}

// UpdateEmbedding sets the embedding on a record that was stored while the
// embedding provider was unavailable.
func (s *PostgresStore) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	v := pgvector.NewVector(vec)
	err := s.db.WithContext(ctx).
		Model(&models.Memory{}).
		Where("id = ?", id).
		Update("embedding", v).Error
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	return nil
}

// PendingBackfill returns records stored without an embedding.
func (s *PostgresStore) PendingBackfill(ctx context.Context, limit int) ([]models.Memory, error) {
	var results []models.Memory
	err := s.db.WithContext(ctx).
		Where("embedding IS NULL").
		Where("retired_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("backfill selection failed: %w", err)
	}
	return results, nil
}

// SelectEmbedded pages through records that carry an embedding; used to
// repopulate the fast index after recreation.
func (s *PostgresStore) SelectEmbedded(ctx context.Context, offset, limit int) ([]models.Memory, error) {
	var results []models.Memory
	err := s.db.WithContext(ctx).
		Where("embedding IS NOT NULL").
		Where("retired_at IS NULL").
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("embedded selection failed: %w", err)
	}
	return results, nil
}

// MarkOrphan records a blob key whose row is gone but whose blob removal
// failed, so a later sweep can reclaim it.
func (s *PostgresStore) MarkOrphan(ctx context.Context, blobKey string) error {
	o := models.OrphanedBlob{BlobKey: blobKey, MarkedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&o).Error
	if err != nil {
		return fmt.Errorf("failed to mark orphaned blob: %w", err)
	}
	return nil
}

// Orphans lists blob keys awaiting sweep.
func (s *PostgresStore) Orphans(ctx context.Context) ([]models.OrphanedBlob, error) {
	var results []models.OrphanedBlob
	if err := s.db.WithContext(ctx).Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to list orphaned blobs: %w", err)
	}
	return results, nil
}

// RemoveOrphan clears a swept blob key.
func (s *PostgresStore) RemoveOrphan(ctx context.Context, blobKey string) error {
	err := s.db.WithContext(ctx).Delete(&models.OrphanedBlob{}, "blob_key = ?", blobKey).Error
	if err != nil {
		return fmt.Errorf("failed to remove orphaned blob: %w", err)
	}
	return nil
}

// Stats aggregates record counts for the stats surface.
type StoreStats struct {
	RecordCount     int64 `json:"record_count"`
	SummaryCount    int64 `json:"summary_count"`
	PendingBackfill int64 `json:"pending_backfill"`
	OrphanedBlobs   int64 `json:"orphaned_blobs"`
}

func (s *PostgresStore) Stats(ctx context.Context) (*StoreStats, error) {
	var stats StoreStats
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Memory{}).Where("retired_at IS NULL").Count(&stats.RecordCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	if err := db.Model(&models.Memory{}).Where("summary_of IS NOT NULL AND retired_at IS NULL").Count(&stats.SummaryCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count summaries: %w", err)
	}
	if err := db.Model(&models.Memory{}).Where("embedding IS NULL AND retired_at IS NULL").Count(&stats.PendingBackfill).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending backfill: %w", err)
	}
	if err := db.Model(&models.OrphanedBlob{}).Count(&stats.OrphanedBlobs).Error; err != nil {
		return nil, fmt.Errorf("failed to count orphaned blobs: %w", err)
	}

	return &stats, nil
}

// Health probes the connection pool.
func (s *PostgresStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a transaction.
func (s *PostgresStore) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}
