package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryStorage keeps everything in process memory. It backs tests and the
// "memory" storage type.
type MemoryStorage struct {
	mu sync.RWMutex

	// points: symbol -> unix millis -> point
	points  map[string]map[int64]models.DataPoint
	gaps    map[string]models.Gap
	config  map[string]string
	errs    []ErrorRecord
	calls   []models.ProviderCall
	nextErr int64

	closed bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		points: make(map[string]map[int64]models.DataPoint),
		gaps:   make(map[string]models.Gap),
		config: make(map[string]string),
	}
}

var errClosed = errors.New("storage is closed")

func (m *MemoryStorage) Insert(ctx context.Context, points []models.DataPoint) (int, error) {
	if err := validatePoints(points); err != nil {
		return 0, NewInsertError("data_points", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewInsertError("data_points", errClosed)
	}

	inserted := 0
	for _, p := range points {
		series, ok := m.points[p.Symbol]
		if !ok {
			series = make(map[int64]models.DataPoint)
			m.points[p.Symbol] = series
		}
		k := p.Timestamp.UnixMilli()
		if _, exists := series[k]; exists {
			continue
		}
		p.Timestamp = p.Timestamp.UTC()
		series[k] = p
		inserted++
	}
	return inserted, nil
}

// sorted returns the points of symbol in [start, end) ordered by time.
// A zero end means unbounded. Callers hold the read lock.
func (m *MemoryStorage) sorted(symbol string, start, end time.Time, inclusiveEnd bool) []models.DataPoint {
	series := m.points[symbol]
	out := make([]models.DataPoint, 0, len(series))
	for _, p := range series {
		if p.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() {
			if inclusiveEnd && p.Timestamp.After(end) {
				continue
			}
			if !inclusiveEnd && !p.Timestamp.Before(end) {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *MemoryStorage) GetCoverage(ctx context.Context, symbol string) (models.Coverage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cov := models.Coverage{Symbol: symbol}
	for _, p := range m.points[symbol] {
		if cov.Count == 0 || p.Timestamp.Before(cov.MinTs) {
			cov.MinTs = p.Timestamp
		}
		if cov.Count == 0 || p.Timestamp.After(cov.MaxTs) {
			cov.MaxTs = p.Timestamp
		}
		cov.Count++
	}
	return cov, nil
}

func (m *MemoryStorage) GetTimestamps(ctx context.Context, symbol string, start, end time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pts := m.sorted(symbol, start, end, true)
	out := make([]time.Time, len(pts))
	for i, p := range pts {
		out[i] = p.Timestamp
	}
	return out, nil
}

func (m *MemoryStorage) GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.DataPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(symbol, start, end, false), nil
}

func (m *MemoryStorage) CountRange(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sorted(symbol, start, end, false)), nil
}

func (m *MemoryStorage) Symbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.points))
	for sym, series := range m.points {
		if len(series) > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) SaveGaps(ctx context.Context, gaps []models.Gap) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, g := range gaps {
		if err := g.Validate(); err != nil {
			return inserted, NewInsertError("data_gaps", fmt.Errorf("gap %s: %w", g.ID, err))
		}
		if g.ID == "" {
			g.ID = models.GapID(g.Symbol, g.Start, g.End)
		}
		if _, ok := m.gaps[g.ID]; ok {
			continue
		}
		if g.DetectedAt.IsZero() {
			g.DetectedAt = time.Now().UTC()
		}
		m.gaps[g.ID] = g
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStorage) GetGap(ctx context.Context, id string) (*models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *MemoryStorage) GetGaps(ctx context.Context, filter models.GapFilter) ([]models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Gap
	for _, g := range m.gaps {
		if filter.Matches(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Start.Before(out[j].Start)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) UpdateGap(ctx context.Context, gap models.Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.gaps[gap.ID]
	if !ok {
		return NewUpdateError("data_gaps", fmt.Errorf("gap %s: %w", gap.ID, ErrNotFound))
	}
	stored.RecoveryStatus = gap.RecoveryStatus
	stored.RecoveryAttempts = gap.RecoveryAttempts
	stored.LastRecoveryAttempt = gap.LastRecoveryAttempt
	m.gaps[gap.ID] = stored
	return nil
}

func (m *MemoryStorage) LogError(ctx context.Context, rec ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextErr++
	rec.ID = m.nextErr
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.errs = append(m.errs, rec)
	return nil
}

func (m *MemoryStorage) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]ErrorRecord, 0, min(limit, len(m.errs)))
	for i := len(m.errs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.errs[i])
	}
	return out, nil
}

func (m *MemoryStorage) GetConfig(ctx context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.config[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryStorage) SetConfig(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *MemoryStorage) RecordProviderCall(ctx context.Context, call models.ProviderCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call.RecordedAt.IsZero() {
		call.RecordedAt = time.Now().UTC()
	}
	m.calls = append(m.calls, call)
	return nil
}

func (m *MemoryStorage) ProviderCalls(ctx context.Context, provider string, limit int) ([]models.ProviderCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.ProviderCall
	for i := len(m.calls) - 1; i >= 0 && len(out) < limit; i-- {
		if provider == "" || m.calls[i].Provider == provider {
			out = append(out, m.calls[i])
		}
	}
	return out, nil
}

func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errClosed)
	}
	return nil
}

func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StorageStats{
		Backend:          "memory",
		TotalGaps:        int64(len(m.gaps)),
		TotalErrors:      int64(len(m.errs)),
		QueryPerformance: map[string]time.Duration{},
	}
	for _, series := range m.points {
		if len(series) > 0 {
			stats.Symbols++
		}
		stats.TotalPoints += int64(len(series))
	}
	for _, g := range m.gaps {
		if g.RecoveryStatus == models.RecoveryPending {
			stats.PendingGaps++
		}
	}
	return stats, nil
}

var _ Storage = (*MemoryStorage)(nil)
