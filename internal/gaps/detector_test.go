package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func candle(t *testing.T, symbol string, ts time.Time) models.DataPoint {
	t.Helper()
	p, err := models.NewDataPoint(symbol, "1h", ts, "100", "110", "90", "105", "10")
	require.NoError(t, err)
	return p
}

// seed stores one candle per timestamp.
func seed(t *testing.T, store storage.Storage, symbol string, ts ...time.Time) {
	t.Helper()
	points := make([]models.DataPoint, 0, len(ts))
	for _, x := range ts {
		points = append(points, candle(t, symbol, x))
	}
	n, err := store.Insert(context.Background(), points)
	require.NoError(t, err)
	require.Equal(t, len(ts), n)
}

// series returns n timestamps starting at start, step apart.
func series(start time.Time, n int, step time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * step)
	}
	return out
}

func TestExpectedInterval(t *testing.T) {
	tests := []struct {
		name   string
		ts     []time.Time
		want   time.Duration
		wantOK bool
	}{
		{"empty", nil, 0, false},
		{"single point", series(base, 1, time.Hour), 0, false},
		{"regular", series(base, 10, 5*time.Minute), 5 * time.Minute, true},
		{
			"modal ignores a long hole",
			append(series(base, 5, time.Hour), base.Add(20*time.Hour)),
			time.Hour, true,
		},
		{
			"tie resolves to the smaller delta",
			[]time.Time{base, base.Add(time.Hour), base.Add(3 * time.Hour)},
			time.Hour, true,
		},
		{
			"duplicates are ignored",
			[]time.Time{base, base, base.Add(time.Minute)},
			time.Minute, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExpectedInterval(tt.ts)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetector_FortyMinuteHole(t *testing.T) {
	store := storage.NewMemoryStorage()
	ts := series(base, 11, 5*time.Minute)                                    // 00:00 .. 00:50
	ts = append(ts, series(base.Add(90*time.Minute), 10, 5*time.Minute)...) // 01:30 ..
	seed(t, store, "BTCUSDT", ts...)

	d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(base.Add(3*time.Hour)))
	gaps, err := d.DetectGaps(context.Background(), "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	g := gaps[0]
	assert.InDelta(t, 0.667, g.DurationHours, 0.001)
	assert.Equal(t, models.SeverityMedium, g.Severity)
	assert.Equal(t, models.GapKindInterval, g.Kind)
	assert.Equal(t, models.RecoveryPending, g.RecoveryStatus)
	assert.True(t, g.Start.Equal(base.Add(55*time.Minute)))
	assert.True(t, g.End.Equal(base.Add(90*time.Minute)))

	stored, err := store.GetGap(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Symbol, stored.Symbol)
}

func TestDetector_Severity(t *testing.T) {
	step := 5 * time.Minute
	ts := series(base, 11, step)
	next := func(delta time.Duration, n int) {
		last := ts[len(ts)-1].Add(delta)
		ts = append(ts, series(last, n, step)...)
	}
	next(12*time.Minute, 4) // within tolerance
	next(20*time.Minute, 4) // low
	next(45*time.Minute, 4) // medium
	next(2*time.Hour, 4)    // high

	d := NewDetector(storage.NewMemoryStorage(), DefaultDetectorConfig(), logger.Discard())
	analysis := d.Analyze("ETHUSDT", ts)

	assert.False(t, analysis.InsufficientData)
	assert.Equal(t, step, analysis.ExpectedInterval)
	require.Len(t, analysis.Gaps, 3)
	assert.Equal(t, models.SeverityLow, analysis.Gaps[0].Severity)
	assert.Equal(t, models.SeverityMedium, analysis.Gaps[1].Severity)
	assert.Equal(t, models.SeverityHigh, analysis.Gaps[2].Severity)
	assert.InDelta(t, 2.0, analysis.Gaps[2].DurationHours, 1e-9)
}

func TestDetector_InsufficientData(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, "SOLUSDT", base)

	d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(base.Add(time.Hour)))
	gaps, analyses, err := d.DetectGapsWithAnalysis(context.Background(), "", 1)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, analyses, 1)
	assert.True(t, analyses[0].InsufficientData)
	assert.Equal(t, 1, analyses[0].Points)

	_, analyses, err = d.DetectGapsWithAnalysis(context.Background(), "UNKNOWN", 1)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	assert.True(t, analyses[0].InsufficientData)
	assert.Zero(t, analyses[0].Points)
}

func TestDetector_RedetectKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, "BTCUSDT", append(series(base, 5, time.Hour), base.Add(10*time.Hour))...)

	d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(base.Add(12*time.Hour)))
	gaps, err := d.DetectGaps(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	g := gaps[0]
	g.RecordAttempt(3, base.Add(11*time.Hour))
	require.NoError(t, store.UpdateGap(ctx, g))

	again, err := d.DetectGaps(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, g.ID, again[0].ID)
	assert.Equal(t, models.RecoveryCompleted, again[0].RecoveryStatus, "returned gap carries the stored status")
	assert.Equal(t, 1, again[0].RecoveryAttempts)
	assert.True(t, again[0].IsCompleted())

	stored, err := store.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryCompleted, stored.RecoveryStatus)

	all, err := store.GetGaps(ctx, models.GapFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAnalyzeCompleteness(t *testing.T) {
	ctx := context.Background()
	now := base.Add(48 * time.Hour)

	t.Run("complete and fresh", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seed(t, store, "BTCUSDT", series(now.Add(-24*time.Hour), 24, time.Hour)...)

		d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(now))
		c, err := d.AnalyzeCompleteness(ctx, "BTCUSDT", 1)
		require.NoError(t, err)

		assert.True(t, c.HasData)
		assert.Equal(t, 24, c.ExpectedPoints)
		assert.Equal(t, 24, c.ActualPoints)
		assert.Zero(t, c.GapCount)
		assert.InDelta(t, 1.0, c.HoursSinceLast, 1e-9)
		assert.InDelta(t, 0.7+0.3*(23.0/24.0), c.Score, 1e-9)
	})

	t.Run("holes are penalized", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		ts := series(now.Add(-24*time.Hour), 24, time.Hour)
		seed(t, store, "BTCUSDT", append(append([]time.Time{}, ts[:10]...), ts[14:]...)...)

		d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(now))
		c, err := d.AnalyzeCompleteness(ctx, "BTCUSDT", 1)
		require.NoError(t, err)

		assert.Equal(t, 20, c.ActualPoints)
		assert.Equal(t, 1, c.GapCount)
		assert.InDelta(t, 0.7*(20.0/24.0)+0.3*(23.0/24.0)-0.05, c.Score, 1e-9)
	})

	t.Run("no data", func(t *testing.T) {
		d := NewDetector(storage.NewMemoryStorage(), DefaultDetectorConfig(), logger.Discard(), fixedClock(now))
		c, err := d.AnalyzeCompleteness(ctx, "BTCUSDT", 1)
		require.NoError(t, err)
		assert.False(t, c.HasData)
		assert.Zero(t, c.Score)
		assert.Equal(t, 24, c.ExpectedPoints)
	})
}

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, "BTCUSDT", append(series(base, 5, time.Hour), base.Add(8*time.Hour))...)
	seed(t, store, "ETHUSDT", append(series(base, 5, time.Hour), base.Add(6*time.Hour))...)
	seed(t, store, "SOLUSDT", series(base, 9, time.Hour)...)

	d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(base.Add(9*time.Hour)))
	report, err := d.GenerateReport(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalGaps)
	assert.Equal(t, 2, report.SymbolsAffected)
	assert.InDelta(t, 6.0, report.TotalMissingHours, 1e-9) // 4h + 2h
	assert.InDelta(t, 3.0, report.AvgGapHours, 1e-9)
	assert.InDelta(t, 4.0, report.MaxGapHours, 1e-9)
	assert.Equal(t, 2, report.BySeverity[models.SeverityHigh])
	assert.Equal(t, 1, report.BySymbol["ETHUSDT"])
	assert.Len(t, report.Completeness, 3)
	assert.Zero(t, report.Completeness["SOLUSDT"].GapCount)
}

func TestFindMissingRanges(t *testing.T) {
	ctx := context.Background()
	start := base
	now := base.Add(5 * 24 * time.Hour)

	store := storage.NewMemoryStorage()
	first := base.Add(3 * 24 * time.Hour)
	seed(t, store, "BTCUSDT", series(first, 24, time.Hour)...)
	seed(t, store, "ETHUSDT", series(base.Add(2*time.Hour), int(now.Sub(base)/time.Hour)-2, time.Hour)...)

	d := NewDetector(store, DefaultDetectorConfig(), logger.Discard(), fixedClock(now))

	gaps, err := d.FindMissingRanges(ctx, "BTCUSDT", start, time.Time{})
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	head, tail := gaps[0], gaps[1]
	assert.Equal(t, models.GapKindMissingHead, head.Kind)
	assert.Equal(t, models.SeverityHigh, head.Severity)
	assert.True(t, head.Start.Equal(start))
	assert.True(t, head.End.Equal(first))

	assert.Equal(t, models.GapKindMissingTail, tail.Kind)
	assert.Equal(t, models.SeverityMedium, tail.Severity)
	assert.True(t, tail.Start.Equal(first.Add(23*time.Hour)))
	assert.True(t, tail.End.Equal(now))

	// a head shortfall under a day and a fresh tail are not reported
	gaps, err = d.FindMissingRanges(ctx, "ETHUSDT", start, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, gaps)

	gaps, err = d.FindMissingRanges(ctx, "ADAUSDT", start, now)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Start.Equal(start))
	assert.True(t, gaps[0].End.Equal(now))

	stored, err := store.GetGaps(ctx, models.GapFilter{Symbol: "ADAUSDT"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDetectorConfigFrom(t *testing.T) {
	cfg := DetectorConfigFrom(config.DefaultConfig().Gaps)
	assert.Equal(t, DefaultDetectorConfig(), cfg)

	cfg = DetectorConfigFrom(config.GapConfig{ToleranceMinutes: 2, ExpectedStart: "2023-06-01", HighSeverityAfter: "3h"})
	assert.Equal(t, 2*time.Minute, cfg.Tolerance)
	assert.Equal(t, 3*time.Hour, cfg.HighAfter)
	assert.True(t, cfg.ExpectedStart.Equal(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)))
}
