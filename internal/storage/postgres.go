package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// PostgresStorage stores data in PostgreSQL. Reads share the SQL layer with
// DuckDB through a database/sql handle opened on the same pgx pool; bulk
// inserts use COPY into a transaction-scoped staging table.
type PostgresStorage struct {
	*sqlStore

	pool *pgxpool.Pool
}

// NewPostgresStorage connects a pool to dsn.
func NewPostgresStorage(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("invalid postgres dsn: %w", err))
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create pool: %w", err))
	}

	return &PostgresStorage{
		sqlStore: newSQLStore(stdlib.OpenDBFromPool(pool), "postgres", logger),
		pool:     pool,
	}, nil
}

// Initialize verifies connectivity and applies migrations.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("ping: %w", err))
	}
	if err := p.migrate(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	p.logger.Info("postgres storage initialized")
	return nil
}

// Insert copies the batch into a temporary table and merges it into
// data_points in one transaction.
func (p *PostgresStorage) Insert(ctx context.Context, points []models.DataPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	if err := validatePoints(points); err != nil {
		return 0, NewInsertError("data_points", err)
	}
	points = dedupe(points)
	defer p.track("insert")()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, NewInsertError("data_points", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE staging_points (LIKE data_points INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return 0, NewInsertError("staging_points", err)
	}

	columns := []string{"symbol", "timestamp", "bar_interval", "open", "high", "low", "close", "volume",
		"source_provider", "quality_score", "validated", "created_at"}
	now := time.Now().UTC()
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"staging_points"}, columns,
		pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
			pt := points[i]
			return []any{
				pt.Symbol, pt.Timestamp.UTC(), pt.Interval,
				pt.Open.InexactFloat64(), pt.High.InexactFloat64(), pt.Low.InexactFloat64(),
				pt.Close.InexactFloat64(), pt.Volume.InexactFloat64(),
				pt.SourceProvider, pt.QualityScore, pt.Validated, now,
			}, nil
		}))
	if err != nil {
		return 0, NewInsertError("staging_points", fmt.Errorf("copy: %w", err))
	}

	tag, err := tx.Exec(ctx, `INSERT INTO data_points SELECT * FROM staging_points ON CONFLICT (symbol, timestamp) DO NOTHING`)
	if err != nil {
		return 0, NewInsertError("data_points", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, NewInsertError("data_points", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the database/sql handle and the pool.
func (p *PostgresStorage) Close() error {
	err := p.db.Close()
	p.pool.Close()
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

var _ Storage = (*PostgresStorage)(nil)
