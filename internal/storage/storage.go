// Package storage defines the persistence interfaces of the ingestion core and
// provides memory, DuckDB and PostgreSQL implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DataWriter persists data points.
type DataWriter interface {
	// Insert stores points, silently skipping any (symbol, timestamp) that is
	// already present, and returns how many rows were newly inserted.
	Insert(ctx context.Context, points []models.DataPoint) (int, error)
}

// DataReader reads stored series.
type DataReader interface {
	GetCoverage(ctx context.Context, symbol string) (models.Coverage, error)
	// GetTimestamps returns the ordered timestamps in [start, end].
	GetTimestamps(ctx context.Context, symbol string, start, end time.Time) ([]time.Time, error)
	// GetRange returns the ordered points in [start, end).
	GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.DataPoint, error)
	// CountRange counts the points in [start, end).
	CountRange(ctx context.Context, symbol string, start, end time.Time) (int, error)
	Symbols(ctx context.Context) ([]string, error)
}

// GapStore persists detected gaps and their recovery status.
type GapStore interface {
	// SaveGaps inserts gaps that are not stored yet and leaves existing rows,
	// including their recovery status, untouched. It returns the number of
	// new rows.
	SaveGaps(ctx context.Context, gaps []models.Gap) (int, error)
	GetGap(ctx context.Context, id string) (*models.Gap, error)
	GetGaps(ctx context.Context, filter models.GapFilter) ([]models.Gap, error)
	// UpdateGap writes the recovery fields of an existing gap.
	UpdateGap(ctx context.Context, gap models.Gap) error
}

// StatusStore keeps operational state: errors, key/value settings and
// provider call samples.
type StatusStore interface {
	LogError(ctx context.Context, rec ErrorRecord) error
	RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error)
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	RecordProviderCall(ctx context.Context, call models.ProviderCall) error
	ProviderCalls(ctx context.Context, provider string, limit int) ([]models.ProviderCall, error)
}

// StorageManager handles lifecycle of a backend.
type StorageManager interface {
	Initialize(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
	GetStats(ctx context.Context) (*StorageStats, error)
}

// Storage is the full backend used by the ingestion core.
type Storage interface {
	DataWriter
	DataReader
	GapStore
	StatusStore
	StorageManager
}

// ErrorRecord is one persisted failure.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageStats provides statistics about storage usage.
type StorageStats struct {
	Backend          string                   `json:"backend"`
	TotalPoints      int64                    `json:"total_points"`
	TotalGaps        int64                    `json:"total_gaps"`
	PendingGaps      int64                    `json:"pending_gaps"`
	Symbols          int                      `json:"symbols"`
	TotalErrors      int64                    `json:"total_errors"`
	QueryPerformance map[string]time.Duration `json:"query_performance"`
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewUpdateError creates a StorageError for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{Operation: "update", Table: table, Err: err}
}

// dedupe keeps the first occurrence of every (symbol, timestamp) key.
func dedupe(points []models.DataPoint) []models.DataPoint {
	seen := make(map[models.PointKey]struct{}, len(points))
	out := make([]models.DataPoint, 0, len(points))
	for _, p := range points {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

func validatePoints(points []models.DataPoint) error {
	for i, p := range points {
		if p.Symbol == "" {
			return fmt.Errorf("point %d has empty symbol", i)
		}
		if p.Timestamp.IsZero() {
			return fmt.Errorf("point %d has zero timestamp", i)
		}
	}
	return nil
}
