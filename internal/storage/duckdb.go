package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const stagingTable = "data_points_staging"

// DuckDBStorage stores data in an embedded DuckDB database. Bulk inserts go
// through the Appender API into a staging table and are then merged into
// data_points, which keeps the insert-if-absent semantics.
type DuckDBStorage struct {
	*sqlStore

	dbPath string
	mu     sync.Mutex // serialises use of the staging table
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:".
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		sqlStore: newSQLStore(db, "duckdb", logger),
		dbPath:   dbPath,
	}, nil
}

// Initialize applies migrations and prepares the staging table.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, stmt := range []string{
		"SET enable_progress_bar = false",
		"SET threads = 4",
	} {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			d.logger.Warn("failed to set configuration", "config", stmt, "error", err)
		}
	}

	if err := d.migrate(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	staging := `CREATE TABLE IF NOT EXISTS ` + stagingTable + ` (
		symbol          VARCHAR,
		timestamp       TIMESTAMPTZ,
		bar_interval    VARCHAR,
		open            DOUBLE,
		high            DOUBLE,
		low             DOUBLE,
		close           DOUBLE,
		volume          DOUBLE,
		source_provider VARCHAR,
		quality_score   DOUBLE,
		validated       BOOLEAN,
		created_at      TIMESTAMPTZ
	)`
	if _, err := d.db.ExecContext(ctx, staging); err != nil {
		return NewStorageError("initialize", stagingTable, staging, err)
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

// Insert appends the batch to the staging table and merges it into
// data_points, skipping keys that already exist.
func (d *DuckDBStorage) Insert(ctx context.Context, points []models.DataPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	if err := validatePoints(points); err != nil {
		return 0, NewInsertError("data_points", err)
	}
	points = dedupe(points)

	start := time.Now()
	defer d.track("insert")()

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return 0, NewInsertError("data_points", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+stagingTable); err != nil {
		return 0, NewInsertError(stagingTable, err)
	}

	if err := d.appendStaging(conn, points); err != nil {
		return 0, err
	}

	merge := `INSERT INTO data_points (` + pointColumns + `, created_at)
		SELECT ` + pointColumns + `, created_at FROM ` + stagingTable + `
		ON CONFLICT DO NOTHING`
	res, err := conn.ExecContext(ctx, merge)
	if err != nil {
		return 0, NewInsertError("data_points", err)
	}
	inserted, _ := res.RowsAffected()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+stagingTable); err != nil {
		d.logger.Warn("failed to clear staging table", "error", err)
	}

	d.logger.Debug("stored data points",
		"received", len(points),
		"inserted", inserted,
		"duration", time.Since(start))
	return int(inserted), nil
}

func (d *DuckDBStorage) appendStaging(conn *sql.Conn, points []models.DataPoint) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewInsertError(stagingTable, err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", stagingTable)
	if err != nil {
		return NewInsertError(stagingTable, fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	now := time.Now().UTC()
	for _, p := range points {
		if err := appender.AppendRow(
			p.Symbol,
			p.Timestamp.UTC(),
			p.Interval,
			p.Open.InexactFloat64(),
			p.High.InexactFloat64(),
			p.Low.InexactFloat64(),
			p.Close.InexactFloat64(),
			p.Volume.InexactFloat64(),
			p.SourceProvider,
			p.QualityScore,
			p.Validated,
			now,
		); err != nil {
			return NewInsertError(stagingTable, fmt.Errorf("append %s: %w", p, err))
		}
	}

	if err := appender.Flush(); err != nil {
		return NewInsertError(stagingTable, fmt.Errorf("failed to flush appender: %w", err))
	}
	return nil
}

// Close closes the database.
func (d *DuckDBStorage) Close() error {
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

var _ Storage = (*DuckDBStorage)(nil)
