package validator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func point(t *testing.T, i int, open, high, low, close, volume string) models.DataPoint {
	t.Helper()
	p, err := models.NewDataPoint("BTCUSDT", "1h", base.Add(time.Duration(i)*time.Hour), open, high, low, close, volume)
	require.NoError(t, err)
	p.SourceProvider = "binance"
	return p
}

func series(t *testing.T, n int) []models.DataPoint {
	t.Helper()
	out := make([]models.DataPoint, n)
	for i := range out {
		out[i] = point(t, i, "100", "110", "95", "105", "10")
	}
	return out
}

func TestValidate_Empty(t *testing.T) {
	v := NewOHLCVValidator(DefaultConfig(), nil)
	res := v.Validate(nil)

	assert.False(t, res.IsValid)
	assert.Equal(t, 0.0, res.QualityScore)
	assert.Equal(t, []string{"No data provided"}, res.Errors)
}

func TestValidate_CleanSeries(t *testing.T) {
	v := NewOHLCVValidator(DefaultConfig(), nil)
	res := v.Validate(series(t, 24))

	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1.0, res.QualityScore)
	assert.Equal(t, 24, res.DataPoints)
	assert.Equal(t, "binance", res.Source)
}

func TestValidate_Errors(t *testing.T) {
	v := NewOHLCVValidator(DefaultConfig(), nil)

	tests := []struct {
		name   string
		mutate func(points []models.DataPoint)
		want   string
	}{
		{"high below close", func(p []models.DataPoint) { p[3].High = decimal.NewFromInt(101) }, "OHLC relationship violations"},
		{"low above open", func(p []models.DataPoint) { p[3].Low = decimal.NewFromInt(102) }, "OHLC relationship violations"},
		{"negative price", func(p []models.DataPoint) { p[2].Low = decimal.NewFromInt(-1) }, "negative prices"},
		{"out of order", func(p []models.DataPoint) { p[4], p[5] = p[5], p[4] }, "not in chronological order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points := series(t, 10)
			tt.mutate(points)
			res := v.Validate(points)
			assert.False(t, res.IsValid)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, res.Errors[0], tt.want)
			assert.LessOrEqual(t, res.QualityScore, 0.5)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	v := NewOHLCVValidator(DefaultConfig(), nil)

	t.Run("zero volume", func(t *testing.T) {
		points := series(t, 5)
		points[1].Volume = decimal.Zero
		res := v.Validate(points)
		assert.True(t, res.IsValid)
		assert.Len(t, res.Warnings, 1)
		assert.InDelta(t, 0.9, res.QualityScore, 1e-9)
	})

	t.Run("duplicates are dropped not rejected", func(t *testing.T) {
		points := series(t, 5)
		points = append(points[:3], points[2:]...)
		res := v.Validate(points)
		assert.True(t, res.IsValid)
		assert.Contains(t, res.Warnings[0], "duplicate timestamps")
	})

	t.Run("missing points", func(t *testing.T) {
		points := series(t, 6)
		points = append(points[:2], points[3:]...)
		res := v.Validate(points)
		assert.True(t, res.IsValid)
		assert.Contains(t, res.Warnings, "Missing 1 expected data points")
	})

	t.Run("extreme move", func(t *testing.T) {
		points := series(t, 3)
		points[2] = point(t, 2, "100", "400", "95", "300", "10")
		res := v.Validate(points)
		assert.True(t, res.IsValid)
		assert.Contains(t, res.Warnings[0], "extreme price movements")
	})

	t.Run("single point", func(t *testing.T) {
		res := v.Validate(series(t, 1))
		assert.True(t, res.IsValid)
		assert.Equal(t, []string{"Insufficient data points for sequence validation"}, res.Warnings)
	})
}

func TestValidate_LargeDatasetBonus(t *testing.T) {
	v := NewOHLCVValidator(ConfigFrom(config.ValidatorConfig{LargeDatasetSize: 100}), nil)
	points := series(t, 101)
	points[0].Volume = decimal.Zero

	res := v.Validate(points)
	assert.InDelta(t, 0.95, res.QualityScore, 1e-9)
}

func TestValidateRecord(t *testing.T) {
	v := NewOHLCVValidator(DefaultConfig(), nil)

	ok := v.ValidateRecord(point(t, 0, "1", "2", "0.5", "1.5", "3"))
	assert.True(t, ok.IsValid)
	assert.Equal(t, 1.0, ok.QualityScore)

	bad := v.ValidateRecord(point(t, 0, "1", "0.9", "0.5", "1.5", "-3"))
	assert.False(t, bad.IsValid)
	assert.InDelta(t, 0.4, bad.QualityScore, 1e-9)
}

func TestDetectAnomalies(t *testing.T) {
	points := series(t, 30)
	for i := range points {
		// small alternating moves so the change series has variance
		if i%2 == 0 {
			points[i].Close = decimal.NewFromInt(104)
		}
	}
	points[20].Volume = decimal.NewFromInt(10_000)

	anomalies := DetectAnomalies(points, 3)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 20, anomalies[0].Index)

	assert.Nil(t, DetectAnomalies(points[:5], 3))
}

func TestFunc(t *testing.T) {
	var v Validator = Func(func(points []models.DataPoint) models.ValidationResult {
		return models.ValidationResult{IsValid: len(points) > 0}
	})
	assert.False(t, v.Validate(nil).IsValid)
}
