package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const pointColumns = `symbol, timestamp, bar_interval, open, high, low, close, volume, source_provider, quality_score, validated`

const gapColumns = `id, symbol, start_time, end_time, duration_hours, severity, kind, recovery_status, recovery_attempts, last_recovery_attempt, detected_at`

// sqlStore implements every read and bookkeeping query on top of
// database/sql. The statements only use syntax shared by DuckDB and
// PostgreSQL, so both backends embed it and only differ in bulk insert.
type sqlStore struct {
	db      *sql.DB
	backend string
	logger  *slog.Logger

	queryMu    sync.Mutex
	queryTimes map[string][]time.Duration
}

func newSQLStore(db *sql.DB, backend string, logger *slog.Logger) *sqlStore {
	return &sqlStore{
		db:         db,
		backend:    backend,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	return NewMigrationManager(s.db, s.logger).MigrateToLatest(ctx)
}

// track returns a func recording the elapsed time of operation.
func (s *sqlStore) track(operation string) func() {
	start := time.Now()
	return func() {
		s.queryMu.Lock()
		defer s.queryMu.Unlock()

		// keep the last 100 samples
		times := s.queryTimes[operation]
		if len(times) >= 100 {
			times = times[1:]
		}
		s.queryTimes[operation] = append(times, time.Since(start))
	}
}

func (s *sqlStore) queryAverages() map[string]time.Duration {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	out := make(map[string]time.Duration, len(s.queryTimes))
	for op, times := range s.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[op] = total / time.Duration(len(times))
	}
	return out
}

func (s *sqlStore) GetCoverage(ctx context.Context, symbol string) (models.Coverage, error) {
	defer s.track("get_coverage")()

	const q = `SELECT MIN(timestamp), MAX(timestamp), COUNT(*) FROM data_points WHERE symbol = $1`
	var (
		minTs, maxTs sql.NullTime
		count        int64
	)
	if err := s.db.QueryRowContext(ctx, q, symbol).Scan(&minTs, &maxTs, &count); err != nil {
		return models.Coverage{}, NewQueryError("data_points", q, err)
	}

	cov := models.Coverage{Symbol: symbol, Count: count}
	if minTs.Valid {
		cov.MinTs = minTs.Time.UTC()
	}
	if maxTs.Valid {
		cov.MaxTs = maxTs.Time.UTC()
	}
	return cov, nil
}

func (s *sqlStore) GetTimestamps(ctx context.Context, symbol string, start, end time.Time) ([]time.Time, error) {
	defer s.track("get_timestamps")()

	const q = `SELECT timestamp FROM data_points
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp`
	rows, err := s.db.QueryContext(ctx, q, symbol, start.UTC(), end.UTC())
	if err != nil {
		return nil, NewQueryError("data_points", q, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, NewQueryError("data_points", q, err)
		}
		out = append(out, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("data_points", q, err)
	}
	return out, nil
}

func (s *sqlStore) GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.DataPoint, error) {
	defer s.track("get_range")()

	q := `SELECT ` + pointColumns + ` FROM data_points
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp`
	rows, err := s.db.QueryContext(ctx, q, symbol, start.UTC(), end.UTC())
	if err != nil {
		return nil, NewQueryError("data_points", q, err)
	}
	defer rows.Close()

	var out []models.DataPoint
	for rows.Next() {
		var (
			p                              models.DataPoint
			open, high, low, close, volume float64
		)
		if err := rows.Scan(&p.Symbol, &p.Timestamp, &p.Interval,
			&open, &high, &low, &close, &volume,
			&p.SourceProvider, &p.QualityScore, &p.Validated); err != nil {
			return nil, NewQueryError("data_points", q, err)
		}
		p.Timestamp = p.Timestamp.UTC()
		p.Open = decimal.NewFromFloat(open)
		p.High = decimal.NewFromFloat(high)
		p.Low = decimal.NewFromFloat(low)
		p.Close = decimal.NewFromFloat(close)
		p.Volume = decimal.NewFromFloat(volume)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("data_points", q, err)
	}
	return out, nil
}

func (s *sqlStore) CountRange(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	defer s.track("count_range")()

	const q = `SELECT COUNT(*) FROM data_points WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3`
	var n int
	if err := s.db.QueryRowContext(ctx, q, symbol, start.UTC(), end.UTC()).Scan(&n); err != nil {
		return 0, NewQueryError("data_points", q, err)
	}
	return n, nil
}

func (s *sqlStore) Symbols(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT symbol FROM data_points ORDER BY symbol`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, NewQueryError("data_points", q, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, NewQueryError("data_points", q, err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveGaps(ctx context.Context, gaps []models.Gap) (int, error) {
	if len(gaps) == 0 {
		return 0, nil
	}
	defer s.track("save_gaps")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError("data_gaps", err)
	}
	defer tx.Rollback()

	q := `INSERT INTO data_gaps (` + gapColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`
	inserted := 0
	for _, g := range gaps {
		if err := g.Validate(); err != nil {
			return 0, NewInsertError("data_gaps", fmt.Errorf("gap %s: %w", g.ID, err))
		}
		id := g.ID
		if id == "" {
			id = models.GapID(g.Symbol, g.Start, g.End)
		}
		detected := g.DetectedAt
		if detected.IsZero() {
			detected = time.Now()
		}
		res, err := tx.ExecContext(ctx, q,
			id, g.Symbol, g.Start.UTC(), g.End.UTC(), g.DurationHours,
			string(g.Severity), string(g.Kind), string(g.RecoveryStatus),
			g.RecoveryAttempts, nullTime(g.LastRecoveryAttempt), detected.UTC())
		if err != nil {
			return 0, NewInsertError("data_gaps", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError("data_gaps", err)
	}
	return inserted, nil
}

func (s *sqlStore) GetGap(ctx context.Context, id string) (*models.Gap, error) {
	q := `SELECT ` + gapColumns + ` FROM data_gaps WHERE id = $1`
	g, err := scanGap(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewQueryError("data_gaps", q, err)
	}
	return &g, nil
}

func (s *sqlStore) GetGaps(ctx context.Context, filter models.GapFilter) ([]models.Gap, error) {
	defer s.track("get_gaps")()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = "+arg(filter.Symbol))
	}
	if !filter.Since.IsZero() {
		where = append(where, "end_time >= "+arg(filter.Since.UTC()))
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = arg(string(st))
		}
		where = append(where, "recovery_status IN ("+strings.Join(ph, ", ")+")")
	}

	q := `SELECT ` + gapColumns + ` FROM data_gaps`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_time, symbol"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NewQueryError("data_gaps", q, err)
	}
	defer rows.Close()

	var out []models.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, NewQueryError("data_gaps", q, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("data_gaps", q, err)
	}
	return out, nil
}

func (s *sqlStore) UpdateGap(ctx context.Context, gap models.Gap) error {
	defer s.track("update_gap")()

	const q = `UPDATE data_gaps
		SET recovery_status = $1, recovery_attempts = $2, last_recovery_attempt = $3
		WHERE id = $4`
	res, err := s.db.ExecContext(ctx, q,
		string(gap.RecoveryStatus), gap.RecoveryAttempts, nullTime(gap.LastRecoveryAttempt), gap.ID)
	if err != nil {
		return NewUpdateError("data_gaps", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewUpdateError("data_gaps", fmt.Errorf("gap %s: %w", gap.ID, ErrNotFound))
	}
	return nil
}

func (s *sqlStore) LogError(ctx context.Context, rec ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `INSERT INTO system_errors (kind, message, component, severity, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, rec.Kind, rec.Message, rec.Component, rec.Severity, rec.CreatedAt.UTC()); err != nil {
		return NewInsertError("system_errors", err)
	}
	return nil
}

func (s *sqlStore) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, kind, message, component, severity, created_at
		FROM system_errors ORDER BY created_at DESC, id DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, NewQueryError("system_errors", q, err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Message, &r.Component, &r.Severity, &r.CreatedAt); err != nil {
			return nil, NewQueryError("system_errors", q, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetConfig(ctx context.Context, key, def string) (string, error) {
	const q = `SELECT value FROM system_config WHERE key = $1`
	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, NewQueryError("system_config", q, err)
	}
	return v, nil
}

func (s *sqlStore) SetConfig(ctx context.Context, key, value string) error {
	const q = `INSERT INTO system_config (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, time.Now().UTC()); err != nil {
		return NewInsertError("system_config", err)
	}
	return nil
}

func (s *sqlStore) RecordProviderCall(ctx context.Context, call models.ProviderCall) error {
	if call.RecordedAt.IsZero() {
		call.RecordedAt = time.Now()
	}
	const q = `INSERT INTO api_performance (provider, symbol, success, response_ms, records, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q,
		call.Provider, call.Symbol, call.Success, call.ResponseTime.Milliseconds(),
		call.Records, call.Error, call.RecordedAt.UTC()); err != nil {
		return NewInsertError("api_performance", err)
	}
	return nil
}

func (s *sqlStore) ProviderCalls(ctx context.Context, provider string, limit int) ([]models.ProviderCall, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT provider, symbol, success, response_ms, records, error, recorded_at FROM api_performance`
	args := []any{}
	if provider != "" {
		q += ` WHERE provider = $1`
		args = append(args, provider)
	}
	q += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NewQueryError("api_performance", q, err)
	}
	defer rows.Close()

	var out []models.ProviderCall
	for rows.Next() {
		var (
			c  models.ProviderCall
			ms int64
		)
		if err := rows.Scan(&c.Provider, &c.Symbol, &c.Success, &ms, &c.Records, &c.Error, &c.RecordedAt); err != nil {
			return nil, NewQueryError("api_performance", q, err)
		}
		c.ResponseTime = time.Duration(ms) * time.Millisecond
		c.RecordedAt = c.RecordedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	defer s.track("health_check")()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

func (s *sqlStore) GetStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{Backend: s.backend}

	counts := []struct {
		q    string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM data_points`, &stats.TotalPoints},
		{`SELECT COUNT(*) FROM data_gaps`, &stats.TotalGaps},
		{`SELECT COUNT(*) FROM data_gaps WHERE recovery_status = 'pending'`, &stats.PendingGaps},
		{`SELECT COUNT(*) FROM system_errors`, &stats.TotalErrors},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dest); err != nil {
			return nil, NewQueryError("", c.q, err)
		}
	}

	var symbols int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT symbol) FROM data_points`).Scan(&symbols); err != nil {
		return nil, NewQueryError("data_points", "count symbols", err)
	}
	stats.Symbols = int(symbols)
	stats.QueryPerformance = s.queryAverages()
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGap(row rowScanner) (models.Gap, error) {
	var (
		g                      models.Gap
		severity, kind, status string
		lastAttempt            sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.Symbol, &g.Start, &g.End, &g.DurationHours,
		&severity, &kind, &status, &g.RecoveryAttempts, &lastAttempt, &g.DetectedAt); err != nil {
		return models.Gap{}, err
	}
	g.Start = g.Start.UTC()
	g.End = g.End.UTC()
	g.DetectedAt = g.DetectedAt.UTC()
	g.Severity = models.GapSeverity(severity)
	g.Kind = models.GapKind(kind)
	g.RecoveryStatus = models.RecoveryStatus(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time.UTC()
		g.LastRecoveryAttempt = &t
	}
	return g, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
