package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies versioned schema changes. The SQL is written to
// run unchanged on DuckDB and PostgreSQL.
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: getAllMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "current_version", currentVersion)
		return nil
	}

	ran := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		ran++
	}

	m.logger.Info("migrations completed", "final_version", targetVersion, "migrations_run", ran)
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrate) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrate[len(m.migrate)-1].Version)
}

// Rollback rolls back migrations down to, but not including, targetVersion.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if currentVersion <= targetVersion {
		return nil
	}

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied migration version.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	return m.getCurrentVersion(ctx)
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func getAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create data_points table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS data_points (
					symbol          VARCHAR NOT NULL,
					timestamp       TIMESTAMPTZ NOT NULL,
					bar_interval    VARCHAR NOT NULL DEFAULT '1h',
					open            FLOAT8 NOT NULL,
					high            FLOAT8 NOT NULL,
					low             FLOAT8 NOT NULL,
					close           FLOAT8 NOT NULL,
					volume          FLOAT8 NOT NULL,
					source_provider VARCHAR NOT NULL DEFAULT '',
					quality_score   FLOAT8 NOT NULL DEFAULT 0,
					validated       BOOLEAN NOT NULL DEFAULT false,
					created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (symbol, timestamp)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_data_points_timestamp ON data_points (timestamp)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS data_points`),
		},
		{
			Version:     2,
			Description: "create data_gaps table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS data_gaps (
					id                    VARCHAR PRIMARY KEY,
					symbol                VARCHAR NOT NULL,
					start_time            TIMESTAMPTZ NOT NULL,
					end_time              TIMESTAMPTZ NOT NULL,
					duration_hours        FLOAT8 NOT NULL,
					severity              VARCHAR NOT NULL,
					kind                  VARCHAR NOT NULL DEFAULT 'interval',
					recovery_status       VARCHAR NOT NULL DEFAULT 'pending',
					recovery_attempts     INTEGER NOT NULL DEFAULT 0,
					last_recovery_attempt TIMESTAMPTZ,
					detected_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_data_gaps_symbol ON data_gaps (symbol, start_time)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS data_gaps`),
		},
		{
			Version:     3,
			Description: "create system_config and system_errors tables",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS system_config (
					key        VARCHAR PRIMARY KEY,
					value      VARCHAR NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE SEQUENCE IF NOT EXISTS system_errors_seq START 1`,
				`CREATE TABLE IF NOT EXISTS system_errors (
					id         BIGINT PRIMARY KEY DEFAULT nextval('system_errors_seq'),
					kind       VARCHAR NOT NULL,
					message    VARCHAR NOT NULL,
					component  VARCHAR NOT NULL,
					severity   VARCHAR NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
			),
			Down: execAll(
				`DROP TABLE IF EXISTS system_errors`,
				`DROP SEQUENCE IF EXISTS system_errors_seq`,
				`DROP TABLE IF EXISTS system_config`,
			),
		},
		{
			Version:     4,
			Description: "create api_performance table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS api_performance (
					provider    VARCHAR NOT NULL,
					symbol      VARCHAR NOT NULL,
					success     BOOLEAN NOT NULL,
					response_ms BIGINT NOT NULL,
					records     INTEGER NOT NULL DEFAULT 0,
					error       VARCHAR NOT NULL DEFAULT '',
					recorded_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_api_performance_provider ON api_performance (provider, recorded_at)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS api_performance`),
		},
	}
}

func execAll(statements ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
