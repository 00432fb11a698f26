package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGap_Chunks(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("75 hour gap in 30 hour chunks", func(t *testing.T) {
		gap, err := NewGap("BTCUSDT", start, start.Add(75*time.Hour), SeverityHigh, GapKindInterval)
		require.NoError(t, err)

		chunks := gap.Chunks(30 * time.Hour)
		require.Len(t, chunks, 3)

		assert.Equal(t, gap.Start, chunks[0].Start)
		assert.Equal(t, gap.End, chunks[len(chunks)-1].End)
		for i := 1; i < len(chunks); i++ {
			assert.Equal(t, chunks[i-1].End, chunks[i].Start, "chunk %d must start where %d ended", i, i-1)
			assert.Equal(t, i, chunks[i].Index)
		}

		var total time.Duration
		for _, c := range chunks {
			total += c.End.Sub(c.Start)
		}
		assert.Equal(t, gap.Duration(), total)
		assert.Equal(t, 15*time.Hour, chunks[2].End.Sub(chunks[2].Start))
	})

	t.Run("gap shorter than chunk", func(t *testing.T) {
		gap, err := NewGap("ETHUSDT", start, start.Add(2*time.Hour), SeverityHigh, GapKindInterval)
		require.NoError(t, err)

		chunks := gap.Chunks(720 * time.Hour)
		require.Len(t, chunks, 1)
		assert.Equal(t, gap.Start, chunks[0].Start)
		assert.Equal(t, gap.End, chunks[0].End)
		assert.Equal(t, gap.ID, chunks[0].GapID)
	})

	t.Run("exact multiple", func(t *testing.T) {
		gap, err := NewGap("ETHUSDT", start, start.Add(60*time.Hour), SeverityHigh, GapKindInterval)
		require.NoError(t, err)
		assert.Len(t, gap.Chunks(30*time.Hour), 2)
	})

	t.Run("non-positive size yields nothing", func(t *testing.T) {
		gap, err := NewGap("ETHUSDT", start, start.Add(time.Hour), SeverityLow, GapKindInterval)
		require.NoError(t, err)
		assert.Empty(t, gap.Chunks(0))
	})
}

func TestGap_RecordAttempt(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(48 * time.Hour)

	gap, err := NewGap("BTCUSDT", start, start.Add(24*time.Hour), SeverityHigh, GapKindInterval)
	require.NoError(t, err)
	assert.Equal(t, RecoveryPending, gap.RecoveryStatus)

	gap.RecordAttempt(0, now)
	assert.Equal(t, RecoveryFailed, gap.RecoveryStatus)
	assert.Equal(t, 1, gap.RecoveryAttempts)
	require.NotNil(t, gap.LastRecoveryAttempt)

	gap.RecordAttempt(24, now.Add(time.Minute))
	assert.Equal(t, RecoveryCompleted, gap.RecoveryStatus)
	assert.Equal(t, 2, gap.RecoveryAttempts)
	assert.True(t, gap.IsCompleted())
}

func TestNewGap_Validation(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := NewGap("", start, start.Add(time.Hour), SeverityLow, GapKindInterval)
	assert.Error(t, err)

	_, err = NewGap("BTCUSDT", start, start, SeverityLow, GapKindInterval)
	assert.Error(t, err)

	_, err = NewGap("BTCUSDT", start, start.Add(time.Hour), GapSeverity("extreme"), GapKindInterval)
	assert.Error(t, err)
}

func TestGapID_Deterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	assert.Equal(t, GapID("BTCUSDT", start, end), GapID("BTCUSDT", start, end))
	assert.NotEqual(t, GapID("BTCUSDT", start, end), GapID("ETHUSDT", start, end))
	assert.NotEqual(t, GapID("BTCUSDT", start, end), GapID("BTCUSDT", start, end.Add(time.Minute)))
}

func TestGapFilter_Matches(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gap := Gap{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour), RecoveryStatus: RecoveryFailed}

	assert.True(t, GapFilter{}.Matches(gap))
	assert.True(t, GapFilter{Symbol: "BTCUSDT"}.Matches(gap))
	assert.False(t, GapFilter{Symbol: "ETHUSDT"}.Matches(gap))
	assert.True(t, GapFilter{Statuses: []RecoveryStatus{RecoveryPending, RecoveryFailed}}.Matches(gap))
	assert.False(t, GapFilter{Statuses: []RecoveryStatus{RecoveryCompleted}}.Matches(gap))
	assert.False(t, GapFilter{Since: start.Add(2 * time.Hour)}.Matches(gap))
}

func TestNewDataPoint(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := NewDataPoint("BTCUSDT", "1h", ts, "42000.5", "42100", "41900", "42050.25", "12.5")
	require.NoError(t, err)
	assert.Equal(t, "42000.5", p.Open.String())
	assert.Equal(t, ts.UnixMilli(), p.Key().Timestamp)

	_, err = NewDataPoint("BTCUSDT", "1h", ts, "abc", "1", "1", "1", "1")
	assert.Error(t, err)

	points := Enrich([]DataPoint{p}, "binance", 0.9)
	assert.True(t, points[0].Validated)
	assert.Equal(t, "binance", points[0].SourceProvider)
	assert.InDelta(t, 0.9, points[0].QualityScore, 1e-9)
}
