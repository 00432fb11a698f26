package validator

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// OHLCVValidator is the default Validator.
type OHLCVValidator struct {
	config Config
	logger *slog.Logger
}

// NewOHLCVValidator creates a validator with the given thresholds.
func NewOHLCVValidator(cfg Config, logger *slog.Logger) *OHLCVValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &OHLCVValidator{
		config: cfg,
		logger: logger.With("component", "validator"),
	}
}

// Validate runs every batch check and scores the result. Errors invalidate
// the batch; warnings only lower the score.
func (v *OHLCVValidator) Validate(points []models.DataPoint) models.ValidationResult {
	if len(points) == 0 {
		return models.ValidationResult{
			IsValid:      false,
			QualityScore: 0,
			Errors:       []string{"No data provided"},
			Warnings:     []string{},
		}
	}

	result := models.ValidationResult{
		IsValid:    true,
		Errors:     []string{},
		Warnings:   []string{},
		DataPoints: len(points),
		Source:     points[0].SourceProvider,
	}

	deduped := v.checkTimestamps(points, &result)
	v.checkValues(deduped, &result)
	v.checkSequence(deduped, &result)

	result.QualityScore = v.score(result)

	v.logger.Debug("validated batch",
		"points", len(points),
		"errors", len(result.Errors),
		"warnings", len(result.Warnings),
		"quality_score", result.QualityScore)

	return result
}

// checkTimestamps warns on duplicates and rejects out-of-order series. It
// returns the points with later duplicates dropped.
func (v *OHLCVValidator) checkTimestamps(points []models.DataPoint, result *models.ValidationResult) []models.DataPoint {
	seen := make(map[int64]int, len(points))
	for _, p := range points {
		seen[p.Timestamp.UnixMilli()]++
	}
	dupes := 0
	for _, n := range seen {
		if n > 1 {
			dupes += n
		}
	}

	deduped := points
	if dupes > 0 {
		result.AddWarning(fmt.Sprintf("Found %d duplicate timestamps", dupes))
		deduped = make([]models.DataPoint, 0, len(seen))
		kept := make(map[int64]bool, len(seen))
		for _, p := range points {
			k := p.Timestamp.UnixMilli()
			if kept[k] {
				continue
			}
			kept[k] = true
			deduped = append(deduped, p)
		}
	}

	large := 0
	maxDelta := time.Duration(v.config.MaxDelta * float64(time.Hour))
	for i := 1; i < len(deduped); i++ {
		delta := deduped[i].Timestamp.Sub(deduped[i-1].Timestamp)
		if delta < 0 {
			result.AddError("Timestamps are not in chronological order")
			return deduped
		}
		if maxDelta > 0 && delta > maxDelta {
			large++
		}
	}
	if large > 0 {
		result.AddWarning(fmt.Sprintf("Found %d gaps larger than %s", large, maxDelta))
	}
	return deduped
}

func (v *OHLCVValidator) checkValues(points []models.DataPoint, result *models.ValidationResult) {
	minPrice := decimal.NewFromFloat(v.config.MinPrice)
	maxPrice := decimal.NewFromFloat(v.config.MaxPrice)

	var negative, outOfRange, violations, lowVolume, extreme int
	for i, p := range points {
		prices := [4]decimal.Decimal{p.Open, p.High, p.Low, p.Close}
		for _, price := range prices {
			if price.IsNegative() {
				negative++
			}
			if price.LessThan(minPrice) || price.GreaterThan(maxPrice) {
				outOfRange++
			}
		}

		if p.High.LessThan(decimal.Max(p.Open, p.Close)) || p.Low.GreaterThan(decimal.Min(p.Open, p.Close)) {
			violations++
		}

		if !p.Volume.IsPositive() {
			lowVolume++
		}

		if i > 0 && !points[i-1].Close.IsZero() {
			change := p.Close.Sub(points[i-1].Close).Div(points[i-1].Close).Abs()
			if change.InexactFloat64() > v.config.ExtremeMoveRatio {
				extreme++
			}
		}
	}

	if negative > 0 {
		result.AddError(fmt.Sprintf("Found %d negative prices", negative))
	}
	if violations > 0 {
		result.AddError(fmt.Sprintf("Found %d OHLC relationship violations", violations))
	}
	if outOfRange > 0 {
		result.AddWarning(fmt.Sprintf("Found %d prices outside reasonable range", outOfRange))
	}
	if lowVolume > 0 {
		result.AddWarning(fmt.Sprintf("Found %d zero or negative volume entries", lowVolume))
	}
	if extreme > 0 {
		result.AddWarning(fmt.Sprintf("Found %d extreme price movements (>%.0f%%)", extreme, v.config.ExtremeMoveRatio*100))
	}
}

// checkSequence compares the number of points with what the modal interval
// implies for the covered range.
func (v *OHLCVValidator) checkSequence(points []models.DataPoint, result *models.ValidationResult) {
	if len(points) < 2 {
		result.AddWarning("Insufficient data points for sequence validation")
		return
	}

	counts := make(map[time.Duration]int)
	for i := 1; i < len(points); i++ {
		counts[points[i].Timestamp.Sub(points[i-1].Timestamp)]++
	}
	var modal time.Duration
	best := 0
	for d, n := range counts {
		if d <= 0 {
			continue
		}
		if n > best || (n == best && d < modal) {
			modal, best = d, n
		}
	}
	if modal <= 0 {
		return
	}

	span := points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
	expected := int(span/modal) + 1
	if missing := expected - len(points); missing > 0 {
		result.AddWarning(fmt.Sprintf("Missing %d expected data points", missing))
	}
}

func (v *OHLCVValidator) score(result models.ValidationResult) float64 {
	score := 1.0
	score -= float64(len(result.Errors)) * 0.5
	score -= float64(len(result.Warnings)) * 0.1
	if result.DataPoints > v.config.LargeDatasetSize {
		score += 0.05
	}
	return math.Max(0, math.Min(1, score))
}

// ValidateRecord checks a single data point in isolation.
func (v *OHLCVValidator) ValidateRecord(p models.DataPoint) models.ValidationResult {
	result := models.ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}, DataPoints: 1, Source: p.SourceProvider}

	if p.Open.IsNegative() || p.High.IsNegative() || p.Low.IsNegative() || p.Close.IsNegative() {
		result.AddError("Negative price values")
	}
	if p.Volume.IsNegative() {
		result.AddWarning("Negative volume")
	}
	if p.High.LessThan(decimal.Max(p.Open, p.Close)) || p.Low.GreaterThan(decimal.Min(p.Open, p.Close)) {
		result.AddError("OHLC relationship violation")
	}

	score := 1.0
	if len(result.Errors) > 0 {
		score -= 0.5
	}
	if len(result.Warnings) > 0 {
		score -= 0.1
	}
	result.QualityScore = math.Max(0, score)
	return result
}

// Anomaly is a data point whose price change or volume is a statistical
// outlier within its batch.
type Anomaly struct {
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	PriceZScore  float64   `json:"price_zscore"`
	VolumeZScore float64   `json:"volume_zscore"`
	Close        string    `json:"close"`
	Volume       string    `json:"volume"`
}

// DetectAnomalies flags points whose close-to-close change or volume lies
// more than threshold standard deviations from the batch mean. Batches with
// fewer than 10 points are not analysed.
func DetectAnomalies(points []models.DataPoint, threshold float64) []Anomaly {
	if len(points) < 10 {
		return nil
	}

	changes := make([]float64, len(points))
	validChanges := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Close
		if prev.IsZero() {
			changes[i] = math.NaN()
			continue
		}
		c := points[i].Close.Sub(prev).Div(prev).InexactFloat64()
		changes[i] = c
		validChanges = append(validChanges, c)
	}
	changes[0] = math.NaN()

	volumes := make([]float64, len(points))
	for i, p := range points {
		volumes[i] = p.Volume.InexactFloat64()
	}

	cMean, cStd := meanStd(validChanges)
	vMean, vStd := meanStd(volumes)

	var out []Anomaly
	for i, p := range points {
		pz := zscore(changes[i], cMean, cStd)
		vz := zscore(volumes[i], vMean, vStd)
		if math.Abs(pz) > threshold || math.Abs(vz) > threshold {
			out = append(out, Anomaly{
				Index:        i,
				Timestamp:    p.Timestamp,
				PriceZScore:  pz,
				VolumeZScore: vz,
				Close:        p.Close.String(),
				Volume:       p.Volume.String(),
			})
		}
	}
	return out
}

// meanStd returns the mean and sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) < 2 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

func zscore(x, mean, std float64) float64 {
	if std == 0 || math.IsNaN(x) {
		return 0
	}
	return (x - mean) / std
}
