// Package gaps detects missing periods in stored OHLCV series and backfills
// them from the providers, keeping the recovery status of every gap in
// storage so repeated runs converge instead of duplicating work.
package gaps

import (
	"context"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// Store is the persistence the detector and backfiller need. Every
// storage backend satisfies it.
type Store interface {
	storage.DataReader
	storage.DataWriter
	storage.GapStore
	LogError(ctx context.Context, rec storage.ErrorRecord) error
}

// Fetcher retrieves candles for [start, end). The provider manager
// satisfies it.
type Fetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error)
}

// Option customizes a Detector or Backfiller.
type Option func(*clock)

type clock struct {
	now func() time.Time
}

func newClock(opts []Option) clock {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

// DetectorConfig holds the gap detection thresholds.
type DetectorConfig struct {
	DaysBack        int
	Tolerance       time.Duration
	HighAfter       time.Duration // gaps longer than this are high severity
	MediumAfter     time.Duration // gaps longer than this are medium severity
	ExpectedStart   time.Time     // where a complete series should begin
	RecentThreshold time.Duration // staleness that counts as missing recent data
	DefaultInterval time.Duration // used when a series has no modal interval
}

// DefaultDetectorConfig returns the stock detection thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		DaysBack:        30,
		Tolerance:       10 * time.Minute,
		HighAfter:       time.Hour,
		MediumAfter:     30 * time.Minute,
		ExpectedStart:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RecentThreshold: 2 * time.Hour,
		DefaultInterval: time.Hour,
	}
}

// DetectorConfigFrom converts the gaps config section.
func DetectorConfigFrom(cfg config.GapConfig) DetectorConfig {
	c := DefaultDetectorConfig()
	if cfg.DaysBack > 0 {
		c.DaysBack = cfg.DaysBack
	}
	if cfg.ToleranceMinutes > 0 {
		c.Tolerance = time.Duration(cfg.ToleranceMinutes) * time.Minute
	}
	c.HighAfter = config.Duration(cfg.HighSeverityAfter, c.HighAfter)
	c.MediumAfter = config.Duration(cfg.MediumSeverityAfter, c.MediumAfter)
	c.RecentThreshold = config.Duration(cfg.RecentThreshold, c.RecentThreshold)
	if t, ok := parseDate(cfg.ExpectedStart); ok {
		c.ExpectedStart = t
	}
	return c
}

// BackfillConfig holds the backfill limits.
type BackfillConfig struct {
	MaxConcurrent       int
	ChunkSize           time.Duration
	RateLimitDelay      time.Duration // pause between chunks of the same gap
	MaxAge              time.Duration // older gaps are skipped
	LookbackDays        int
	MaxGapsPerRun       int // 0 means unlimited
	MaxRecoveryAttempts int // 0 means unlimited
	DefaultStrategy     string
	Interval            string
}

// DefaultBackfillConfig returns the stock backfill limits.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		MaxConcurrent:       3,
		ChunkSize:           30 * 24 * time.Hour,
		RateLimitDelay:      time.Second,
		MaxAge:              730 * 24 * time.Hour,
		LookbackDays:        90,
		MaxGapsPerRun:       10,
		MaxRecoveryAttempts: 5,
		DefaultStrategy:     StrategyAuto,
		Interval:            "1h",
	}
}

// BackfillConfigFrom converts the backfill config section.
func BackfillConfigFrom(cfg config.BackfillConfig) BackfillConfig {
	c := DefaultBackfillConfig()
	if cfg.MaxConcurrent > 0 {
		c.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.ChunkSizeHours > 0 {
		c.ChunkSize = time.Duration(cfg.ChunkSizeHours) * time.Hour
	}
	c.RateLimitDelay = config.Duration(cfg.RateLimitDelay, c.RateLimitDelay)
	if cfg.MaxBackfillAgeDays > 0 {
		c.MaxAge = time.Duration(cfg.MaxBackfillAgeDays) * 24 * time.Hour
	}
	if cfg.LookbackDays > 0 {
		c.LookbackDays = cfg.LookbackDays
	}
	if cfg.MaxGapsPerRun >= 0 {
		c.MaxGapsPerRun = cfg.MaxGapsPerRun
	}
	if cfg.MaxRecoveryAttempts > 0 {
		c.MaxRecoveryAttempts = cfg.MaxRecoveryAttempts
	}
	if cfg.DefaultStrategy != "" {
		c.DefaultStrategy = cfg.DefaultStrategy
	}
	if cfg.Interval != "" {
		c.Interval = cfg.Interval
	}
	return c
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SplitChunks splits a gap into chronological chunks of at most size that
// tile it exactly.
func SplitChunks(gap models.Gap, size time.Duration) []models.BackfillChunk {
	return gap.Chunks(size)
}
