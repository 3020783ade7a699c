package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ClassificationStore provides persisted tool classifications.
type ClassificationStore interface {
	// GetByID returns the classification for a composite tool id.
	// Returns nil when no record exists — callers must treat that as
	// "approval required", never as "safe".
	GetByID(ctx context.Context, toolID string) (*Classification, error)
}

// ClassRowStore abstracts DB queries for testability.
type ClassRowStore interface {
	LookupClassification(ctx context.Context, toolID string) (*classRow, error)
}

type classRow struct {
	ToolID     string
	IsRead     sql.NullBool
	IsWrite    sql.NullBool
	AnalyzedAt sql.NullTime
}

// sqlClassStore is the real implementation using *sql.DB.
type sqlClassStore struct {
	db *sql.DB
}

func (s *sqlClassStore) LookupClassification(ctx context.Context, toolID string) (*classRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_id, is_read, is_write, analyzed_at
		FROM tool_classifications
		WHERE tool_id = $1
	`, toolID)

	var r classRow
	if err := row.Scan(&r.ToolID, &r.IsRead, &r.IsWrite, &r.AnalyzedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresClassificationStore reads tool classifications from the
// tool_classifications table with a stale-while-revalidate cache in front.
type PostgresClassificationStore struct {
	store  ClassRowStore
	cache  *ClassCache
	logger *zap.Logger
}

// PostgresClassificationStoreConfig configures the store.
type PostgresClassificationStoreConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresClassificationStore creates a new PostgresClassificationStore.
func NewPostgresClassificationStore(cfg PostgresClassificationStoreConfig) *PostgresClassificationStore {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresClassificationStore{
		store:  &sqlClassStore{db: cfg.DB},
		cache:  NewClassCache(ttl),
		logger: cfg.Logger,
	}
}

// NewClassificationStoreWithRows creates a store with a custom row source
// (for testing).
func NewClassificationStoreWithRows(rows ClassRowStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresClassificationStore {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresClassificationStore{
		store:  rows,
		cache:  NewClassCache(cacheTTL),
		logger: logger,
	}
}

func (s *PostgresClassificationStore) GetByID(ctx context.Context, toolID string) (*Classification, error) {
	cacheResult := s.cache.Get(toolID)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go s.refreshInBackground(toolID)
		}
		return cacheResult.Class, nil
	}

	class, err := s.fetchFromDB(ctx, toolID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Negative cache: no record for this tool
			s.cache.Set(toolID, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}

	s.cache.Set(toolID, class)
	return class, nil
}

func (s *PostgresClassificationStore) fetchFromDB(ctx context.Context, toolID string) (*Classification, error) {
	row, err := s.store.LookupClassification(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return classFromRow(row), nil
}

func (s *PostgresClassificationStore) refreshInBackground(toolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	class, err := s.fetchFromDB(ctx, toolID)
	if err != nil {
		if err == sql.ErrNoRows {
			s.cache.Set(toolID, nil)
			return
		}
		s.logger.Warn("background classification refresh failed",
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
		return
	}
	s.cache.Set(toolID, class)
}

func classFromRow(row *classRow) *Classification {
	c := &Classification{ToolID: row.ToolID}
	if row.IsRead.Valid {
		v := row.IsRead.Bool
		c.IsRead = &v
	}
	if row.IsWrite.Valid {
		v := row.IsWrite.Bool
		c.IsWrite = &v
	}
	if row.AnalyzedAt.Valid {
		t := row.AnalyzedAt.Time
		c.AnalyzedAt = &t
	}
	return c
}
