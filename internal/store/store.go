package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/embedding"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/vectorstore"
)

// Sentinel errors for the store failure taxonomy. Persistence-layer I/O
// failures are returned wrapped, never swallowed; validation errors come
// from the pattern package and leave nothing persisted.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent modification, retry later")
)

// Store is the single persistence boundary shared by every component. All
// mutation goes through its API; it owns its internal locking and caches.
type Store struct {
	db       *pgxpool.Pool
	embedder embedding.Provider
	vectors  *vectorstore.Index // optional, nil when qdrant is unavailable
	logger   *zap.Logger

	weights    pattern.RankWeights
	minQuality float64

	patterns *patternCache
	queries  *queryCache
}

// Options tunes ranking and caching.
type Options struct {
	Weights       pattern.RankWeights
	MinQuality    float64
	CacheBudget   int64
	QueryCacheTTL QueryCacheTTL
}

// New creates a Store with a pgx connection pool.
func New(ctx context.Context, dsn string, embedder embedding.Provider, vectors *vectorstore.Index, opts Options, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return NewWithPool(pool, embedder, vectors, opts, logger), nil
}

// NewWithPool wraps an existing pool; used by tests that manage their own
// containers.
func NewWithPool(pool *pgxpool.Pool, embedder embedding.Provider, vectors *vectorstore.Index, opts Options, logger *zap.Logger) *Store {
	if opts.Weights.Vector == 0 && opts.Weights.Rule == 0 {
		opts.Weights = pattern.DefaultRankWeights()
	}
	if opts.CacheBudget == 0 {
		opts.CacheBudget = 32 << 20
	}
	return &Store{
		db:         pool,
		embedder:   embedder,
		vectors:    vectors,
		logger:     logger,
		weights:    opts.Weights,
		minQuality: opts.MinQuality,
		patterns:   newPatternCache(opts.CacheBudget),
		queries:    newQueryCache(opts.QueryCacheTTL.value()),
	}
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
