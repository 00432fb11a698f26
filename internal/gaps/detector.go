package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// Detector finds missing periods in stored series. The expected spacing of
// a series is its modal timestamp delta, which a minority of long holes
// cannot skew.
type Detector struct {
	clock
	store  Store
	config DetectorConfig
	logger *slog.Logger
}

// NewDetector creates a detector over store.
func NewDetector(store Store, cfg DetectorConfig, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		clock:  newClock(opts),
		store:  store,
		config: cfg,
		logger: logger.With("component", "gap_detector"),
	}
}

// ExpectedInterval returns the most frequent positive delta between
// consecutive timestamps. Ties resolve to the smaller delta. ok is false
// when fewer than two timestamps are given.
func ExpectedInterval(ts []time.Time) (interval time.Duration, ok bool) {
	counts := make(map[time.Duration]int)
	for i := 1; i < len(ts); i++ {
		if d := ts[i].Sub(ts[i-1]); d > 0 {
			counts[d]++
		}
	}

	best := 0
	for d, n := range counts {
		if n > best || (n == best && d < interval) {
			interval, best = d, n
		}
	}
	return interval, best > 0
}

func (d *Detector) severity(delta time.Duration) models.GapSeverity {
	switch {
	case delta > d.config.HighAfter:
		return models.SeverityHigh
	case delta > d.config.MediumAfter:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Analyze inspects one ordered timestamp series without touching storage.
func (d *Detector) Analyze(symbol string, ts []time.Time) models.SeriesAnalysis {
	analysis := models.SeriesAnalysis{Symbol: symbol, Points: len(ts)}

	expected, ok := ExpectedInterval(ts)
	if !ok {
		analysis.InsufficientData = true
		return analysis
	}
	analysis.ExpectedInterval = expected

	detectedAt := d.now().UTC()
	for i := 1; i < len(ts); i++ {
		delta := ts[i].Sub(ts[i-1])
		if delta <= expected+d.config.Tolerance {
			continue
		}

		gap, err := models.NewGap(symbol, ts[i-1].Add(expected), ts[i], d.severity(delta), models.GapKindInterval)
		if err != nil {
			d.logger.Warn("skipping malformed gap", "symbol", symbol, "error", err)
			continue
		}
		gap.DurationHours = delta.Hours()
		gap.DetectedAt = detectedAt
		analysis.Gaps = append(analysis.Gaps, *gap)
	}
	return analysis
}

// DetectGaps scans the last daysBack days of symbol, or of every stored
// symbol when symbol is empty, and persists what it finds.
func (d *Detector) DetectGaps(ctx context.Context, symbol string, daysBack int) ([]models.Gap, error) {
	gaps, _, err := d.DetectGapsWithAnalysis(ctx, symbol, daysBack)
	return gaps, err
}

// DetectGapsWithAnalysis is DetectGaps that also returns the per-symbol
// analysis, so callers can tell a gap-free series from one with too little
// data to judge.
func (d *Detector) DetectGapsWithAnalysis(ctx context.Context, symbol string, daysBack int) ([]models.Gap, []models.SeriesAnalysis, error) {
	if daysBack <= 0 {
		daysBack = d.config.DaysBack
	}
	end := d.now().UTC()
	start := end.Add(-time.Duration(daysBack) * 24 * time.Hour)
	return d.DetectRange(ctx, symbol, start, end)
}

// DetectRange scans [start, end] and persists the gaps it finds. Gaps that
// are already stored keep their recovery status.
func (d *Detector) DetectRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Gap, []models.SeriesAnalysis, error) {
	symbols, err := d.symbols(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}

	d.logger.Info("starting gap detection", "symbols", len(symbols), "start", start, "end", end)

	var gaps []models.Gap
	analyses := make([]models.SeriesAnalysis, 0, len(symbols))
	for _, sym := range symbols {
		ts, err := d.store.GetTimestamps(ctx, sym, start, end)
		if err != nil {
			return nil, nil, fmt.Errorf("load timestamps for %s: %w", sym, err)
		}

		analysis := d.Analyze(sym, ts)
		if analysis.InsufficientData {
			d.logger.Debug("insufficient data for gap detection", "symbol", sym, "points", len(ts))
		}
		analyses = append(analyses, analysis)
		gaps = append(gaps, analysis.Gaps...)
	}

	if len(gaps) > 0 {
		added, err := d.store.SaveGaps(ctx, gaps)
		if err != nil {
			return nil, nil, fmt.Errorf("save gaps: %w", err)
		}
		if added < len(gaps) {
			d.mergeStored(ctx, gaps)
		}
		d.logger.Info("gap detection completed", "gaps", len(gaps), "new", added)
	} else {
		d.logger.Info("gap detection completed", "gaps", 0)
	}
	return gaps, analyses, nil
}

// mergeStored replaces re-detected gaps with their stored rows so callers
// see the current recovery status.
func (d *Detector) mergeStored(ctx context.Context, gaps []models.Gap) {
	for i := range gaps {
		stored, err := d.store.GetGap(ctx, gaps[i].ID)
		switch {
		case err == nil:
			gaps[i] = *stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			d.logger.Warn("failed to load stored gap", "gap_id", gaps[i].ID, "error", err)
		}
	}
}

func (d *Detector) symbols(ctx context.Context, symbol string) ([]string, error) {
	if symbol != "" {
		return []string{symbol}, nil
	}
	symbols, err := d.store.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return symbols, nil
}

// AnalyzeCompleteness scores the last daysBack days of a symbol:
// 0.7·min(actual/expected, 1) + 0.3·recency − min(0.3, 0.05·gaps), where
// recency decays linearly to zero over the 24h after the last point.
func (d *Detector) AnalyzeCompleteness(ctx context.Context, symbol string, daysBack int) (models.Completeness, error) {
	if daysBack <= 0 {
		daysBack = d.config.DaysBack
	}
	now := d.now().UTC()
	window := time.Duration(daysBack) * 24 * time.Hour

	ts, err := d.store.GetTimestamps(ctx, symbol, now.Add(-window), now)
	if err != nil {
		return models.Completeness{}, fmt.Errorf("load timestamps for %s: %w", symbol, err)
	}

	analysis := d.Analyze(symbol, ts)
	interval := analysis.ExpectedInterval
	if interval <= 0 {
		interval = d.config.DefaultInterval
	}

	result := models.Completeness{
		Symbol:         symbol,
		ExpectedPoints: int(window / interval),
		ActualPoints:   len(ts),
		GapCount:       len(analysis.Gaps),
	}
	if len(ts) == 0 {
		return result, nil
	}

	last := ts[len(ts)-1]
	result.HasData = true
	result.LastPoint = last
	result.HoursSinceLast = now.Sub(last).Hours()

	ratio := 1.0
	if result.ExpectedPoints > 0 {
		ratio = math.Min(float64(result.ActualPoints)/float64(result.ExpectedPoints), 1)
	}
	recency := math.Max(0, 1-result.HoursSinceLast/24)
	penalty := math.Min(0.3, float64(result.GapCount)*0.05)

	result.Score = math.Max(0, math.Min(1, 0.7*ratio+0.3*recency-penalty))
	return result, nil
}

// GenerateReport detects gaps across every symbol and summarizes them with
// a completeness score per symbol.
func (d *Detector) GenerateReport(ctx context.Context, daysBack int) (models.GapReport, error) {
	if daysBack <= 0 {
		daysBack = d.config.DaysBack
	}

	gaps, analyses, err := d.DetectGapsWithAnalysis(ctx, "", daysBack)
	if err != nil {
		return models.GapReport{}, err
	}

	report := models.GapReport{
		GeneratedAt:  d.now().UTC(),
		DaysBack:     daysBack,
		TotalGaps:    len(gaps),
		BySeverity:   make(map[models.GapSeverity]int),
		BySymbol:     make(map[string]int),
		Gaps:         gaps,
		Completeness: make(map[string]models.Completeness, len(analyses)),
	}

	for _, g := range gaps {
		report.TotalMissingHours += g.DurationHours
		report.MaxGapHours = math.Max(report.MaxGapHours, g.DurationHours)
		report.BySeverity[g.Severity]++
		report.BySymbol[g.Symbol]++
	}
	report.SymbolsAffected = len(report.BySymbol)
	if len(gaps) > 0 {
		report.AvgGapHours = report.TotalMissingHours / float64(len(gaps))
	}

	for _, a := range analyses {
		c, err := d.AnalyzeCompleteness(ctx, a.Symbol, daysBack)
		if err != nil {
			return models.GapReport{}, err
		}
		report.Completeness[a.Symbol] = c
	}
	return report, nil
}

// FindMissingRanges compares stored coverage against the range a complete
// series should span. It reports missing history before the first point,
// staleness after the last one, and the whole range for a symbol with no
// data at all. Zero bounds default to the configured expected start and now.
func (d *Detector) FindMissingRanges(ctx context.Context, symbol string, expectedStart, expectedEnd time.Time) ([]models.Gap, error) {
	if expectedStart.IsZero() {
		expectedStart = d.config.ExpectedStart
	}
	if expectedEnd.IsZero() {
		expectedEnd = d.now().UTC()
	}
	if !expectedEnd.After(expectedStart) {
		return nil, nil
	}

	symbols, err := d.symbols(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var gaps []models.Gap
	add := func(sym string, start, end time.Time, severity models.GapSeverity, kind models.GapKind) {
		gap, err := models.NewGap(sym, start, end, severity, kind)
		if err != nil {
			d.logger.Warn("skipping malformed range", "symbol", sym, "error", err)
			return
		}
		gap.DetectedAt = d.now().UTC()
		gaps = append(gaps, *gap)
	}

	for _, sym := range symbols {
		cov, err := d.store.GetCoverage(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("coverage for %s: %w", sym, err)
		}

		if cov.Empty() {
			add(sym, expectedStart, expectedEnd, models.SeverityHigh, models.GapKindMissingHead)
			continue
		}
		if cov.MinTs.Sub(expectedStart) > 24*time.Hour {
			add(sym, expectedStart, cov.MinTs, models.SeverityHigh, models.GapKindMissingHead)
		}
		if expectedEnd.Sub(cov.MaxTs) > d.config.RecentThreshold {
			add(sym, cov.MaxTs, expectedEnd, models.SeverityMedium, models.GapKindMissingTail)
		}
	}

	if len(gaps) > 0 {
		if _, err := d.store.SaveGaps(ctx, gaps); err != nil {
			return nil, fmt.Errorf("save missing ranges: %w", err)
		}
	}
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Start.Before(gaps[j].Start) })

	d.logger.Info("missing ranges found", "symbol", symbol, "ranges", len(gaps))
	return gaps, nil
}
