// Package validator checks batches of OHLCV data points for logical
// consistency and assigns them a quality score.
package validator

import (
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Validator checks a batch of data points before it is persisted.
type Validator interface {
	Validate(points []models.DataPoint) models.ValidationResult
}

// Config holds the validator thresholds.
type Config struct {
	MinPrice         float64
	MaxPrice         float64
	ExtremeMoveRatio float64 // close-to-close change that triggers a warning
	LargeDatasetSize int     // batches larger than this earn a small bonus
	MaxDelta         float64 // hours between points before a gap warning
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinPrice:         0.000001,
		MaxPrice:         10_000_000,
		ExtremeMoveRatio: 1.0,
		LargeDatasetSize: 100,
		MaxDelta:         1,
	}
}

// ConfigFrom builds validator thresholds from application config, keeping
// defaults for unset values.
func ConfigFrom(cfg config.ValidatorConfig) Config {
	c := DefaultConfig()
	if cfg.MinPrice > 0 {
		c.MinPrice = cfg.MinPrice
	}
	if cfg.MaxPrice > 0 {
		c.MaxPrice = cfg.MaxPrice
	}
	if cfg.ExtremeMoveRatio > 0 {
		c.ExtremeMoveRatio = cfg.ExtremeMoveRatio
	}
	if cfg.LargeDatasetSize > 0 {
		c.LargeDatasetSize = cfg.LargeDatasetSize
	}
	return c
}

// Func adapts a plain function to the Validator interface.
type Func func(points []models.DataPoint) models.ValidationResult

func (f Func) Validate(points []models.DataPoint) models.ValidationResult {
	return f(points)
}
