// Package models provides the data structures shared by the ingestion core:
// data points, gaps, backfill chunks and reports, processing tasks and
// provider performance snapshots.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DataPoint is one OHLCV candle for a symbol. It is uniquely keyed by
// (Symbol, Timestamp) and treated as immutable once Validated is set.
type DataPoint struct {
	Symbol         string          `json:"symbol" db:"symbol"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	Interval       string          `json:"interval" db:"interval"`
	Open           decimal.Decimal `json:"open" db:"open"`
	High           decimal.Decimal `json:"high" db:"high"`
	Low            decimal.Decimal `json:"low" db:"low"`
	Close          decimal.Decimal `json:"close" db:"close"`
	Volume         decimal.Decimal `json:"volume" db:"volume"`
	SourceProvider string          `json:"source_provider" db:"source_provider"`
	QualityScore   float64         `json:"quality_score" db:"quality_score"`
	Validated      bool            `json:"validated" db:"validated"`
}

// PointKey identifies a data point in storage.
type PointKey struct {
	Symbol    string
	Timestamp int64 // unix millis
}

// Key returns the unique storage key of the data point.
func (p DataPoint) Key() PointKey {
	return PointKey{Symbol: p.Symbol, Timestamp: p.Timestamp.UnixMilli()}
}

// String returns a compact representation for logs.
func (p DataPoint) String() string {
	return fmt.Sprintf("%s@%s[o=%s h=%s l=%s c=%s v=%s]",
		p.Symbol, p.Timestamp.UTC().Format(time.RFC3339),
		p.Open, p.High, p.Low, p.Close, p.Volume)
}

// NewDataPoint builds a data point from string prices as returned by most
// exchange APIs.
func NewDataPoint(symbol, interval string, ts time.Time, open, high, low, close, volume string) (DataPoint, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{open, high, low, close, volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return DataPoint{}, fmt.Errorf("parse %q for %s: %w", raw, symbol, err)
		}
		values[i] = d
	}

	return DataPoint{
		Symbol:    symbol,
		Timestamp: ts.UTC(),
		Interval:  interval,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

// Enrich stamps validation output and provenance onto a batch of points.
func Enrich(points []DataPoint, provider string, quality float64) []DataPoint {
	for i := range points {
		points[i].QualityScore = quality
		points[i].Validated = true
		if points[i].SourceProvider == "" {
			points[i].SourceProvider = provider
		}
	}
	return points
}

// Coverage summarizes what is stored for a symbol.
type Coverage struct {
	Symbol string    `json:"symbol"`
	MinTs  time.Time `json:"min_ts"`
	MaxTs  time.Time `json:"max_ts"`
	Count  int64     `json:"count"`
}

// Empty reports whether no data is stored for the symbol.
func (c Coverage) Empty() bool {
	return c.Count == 0
}
