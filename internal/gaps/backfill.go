package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
	"github.com/johnayoung/go-ohlcv-ingest/internal/validator"
)

// Built-in prioritization strategies.
const (
	StrategyAuto     = "auto"      // most recent first, then shorter, then more severe
	StrategySizeAsc  = "size_asc"  // shortest first
	StrategySizeDesc = "size_desc" // longest first
	StrategySeverity = "severity"  // high, medium, low
)

// LessFunc orders gaps for a backfill run. It reports whether a should be
// processed before b.
type LessFunc func(a, b models.Gap) bool

func builtinStrategies() map[string]LessFunc {
	return map[string]LessFunc{
		StrategyAuto: func(a, b models.Gap) bool {
			if !a.Start.Equal(b.Start) {
				return a.Start.After(b.Start)
			}
			if a.DurationHours != b.DurationHours {
				return a.DurationHours < b.DurationHours
			}
			return a.Severity.Rank() > b.Severity.Rank()
		},
		StrategySizeAsc: func(a, b models.Gap) bool {
			return a.DurationHours < b.DurationHours
		},
		StrategySizeDesc: func(a, b models.Gap) bool {
			return a.DurationHours > b.DurationHours
		},
		StrategySeverity: func(a, b models.Gap) bool {
			return a.Severity.Rank() > b.Severity.Rank()
		},
	}
}

// BackfillStats accumulates totals across backfill runs.
type BackfillStats struct {
	Runs            int64     `json:"runs"`
	GapsProcessed   int64     `json:"gaps_processed"`
	GapsCompleted   int64     `json:"gaps_completed"`
	GapsFailed      int64     `json:"gaps_failed"`
	GapsSkipped     int64     `json:"gaps_skipped"`
	RecordsInserted int64     `json:"records_inserted"`
	LastRun         time.Time `json:"last_run"`
}

// Backfiller recovers gaps chunk by chunk through a Fetcher. Gaps run
// concurrently up to MaxConcurrent; chunks of one gap run in chronological
// order, paced by RateLimitDelay.
type Backfiller struct {
	clock
	store     Store
	fetcher   Fetcher
	detector  *Detector
	validator validator.Validator
	config    BackfillConfig
	logger    *slog.Logger

	mu         sync.RWMutex
	strategies map[string]LessFunc
	stats      BackfillStats
}

// NewBackfiller creates a backfiller. detector is used by ScheduleBackfill
// and may be nil when only BackfillGaps is needed.
func NewBackfiller(store Store, fetcher Fetcher, detector *Detector, v validator.Validator, cfg BackfillConfig, log *slog.Logger, opts ...Option) *Backfiller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultBackfillConfig().ChunkSize
	}
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyAuto
	}

	return &Backfiller{
		clock:      newClock(opts),
		store:      store,
		fetcher:    fetcher,
		detector:   detector,
		validator:  v,
		config:     cfg,
		logger:     log.With("component", "backfill_manager"),
		strategies: builtinStrategies(),
	}
}

// RegisterStrategy adds or replaces a prioritization strategy.
func (b *Backfiller) RegisterStrategy(name string, less LessFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategies[name] = less
}

// Strategies returns the registered strategy names, sorted.
func (b *Backfiller) Strategies() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.strategies))
	for name := range b.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prioritize returns a copy of gaps ordered by the named strategy.
func (b *Backfiller) Prioritize(gaps []models.Gap, strategy string) ([]models.Gap, error) {
	if strategy == "" {
		strategy = b.config.DefaultStrategy
	}
	b.mu.RLock()
	less, ok := b.strategies[strategy]
	b.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("backfill_manager", "unknown backfill strategy %q", strategy)
	}

	ordered := append([]models.Gap(nil), gaps...)
	sort.SliceStable(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })
	return ordered, nil
}

// BackfillGaps recovers gaps in strategy order. A nil gaps slice loads
// every pending or failed gap from storage that is still under
// MaxRecoveryAttempts. Failures are contained per
// chunk and reported per gap; the returned error is reserved for invalid
// arguments, storage failures while loading, and cancellation.
func (b *Backfiller) BackfillGaps(ctx context.Context, gaps []models.Gap, strategy string) (*models.BackfillReport, error) {
	if strategy == "" {
		strategy = b.config.DefaultStrategy
	}
	started := b.now()

	if gaps == nil {
		stored, err := b.store.GetGaps(ctx, models.GapFilter{
			Statuses: []models.RecoveryStatus{models.RecoveryPending, models.RecoveryFailed},
		})
		if err != nil {
			return nil, fmt.Errorf("load pending gaps: %w", err)
		}
		gaps = make([]models.Gap, 0, len(stored))
		for _, g := range stored {
			if !b.attemptsSpent(g) {
				gaps = append(gaps, g)
			}
		}
		if dropped := len(stored) - len(gaps); dropped > 0 {
			b.logger.Info("ignoring gaps at the attempt limit", "gaps", dropped, "max_recovery_attempts", b.config.MaxRecoveryAttempts)
		}
	}

	ordered, err := b.Prioritize(gaps, strategy)
	if err != nil {
		return nil, err
	}
	if limit := b.config.MaxGapsPerRun; limit > 0 && len(ordered) > limit {
		b.logger.Info("limiting backfill run", "gaps", len(ordered), "max_gaps_per_run", limit)
		ordered = ordered[:limit]
	}

	report := &models.BackfillReport{
		Strategy:  strategy,
		TotalGaps: len(ordered),
		StartedAt: started.UTC(),
	}
	b.logger.Info("starting backfill", "gaps", len(ordered), "strategy", strategy)

	results := make([]models.GapResult, len(ordered))
	semaphore := make(chan struct{}, b.config.MaxConcurrent)
	var wg sync.WaitGroup

	dispatched := 0
	for i, gap := range ordered {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		dispatched++
		wg.Add(1)
		go func(i int, g models.Gap) {
			defer func() {
				wg.Done()
				<-semaphore
			}()
			results[i] = b.backfillGap(ctx, g)
		}(i, gap)
	}
	wg.Wait()

	for _, res := range results[:dispatched] {
		report.Add(res)
	}
	report.Duration = b.now().Sub(started)
	b.recordRun(report)

	b.logger.Info("backfill completed",
		"strategy", strategy,
		"completed", report.Completed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"records", report.RecordsInserted,
		"duration", report.Duration)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (b *Backfiller) attemptsSpent(g models.Gap) bool {
	limit := b.config.MaxRecoveryAttempts
	return limit > 0 && g.RecoveryAttempts >= limit
}

// backfillGap runs one gap to completion and persists its new status.
func (b *Backfiller) backfillGap(ctx context.Context, gap models.Gap) models.GapResult {
	started := b.now()
	if gap.ID == "" {
		gap.ID = models.GapID(gap.Symbol, gap.Start, gap.End)
	}
	ctx = logger.WithGapID(logger.WithSymbol(ctx, gap.Symbol), gap.ID)
	log := logger.FromContext(ctx, b.logger)

	result := models.GapResult{GapID: gap.ID, Symbol: gap.Symbol, Status: gap.RecoveryStatus}

	// the stored row is authoritative for status
	stored, err := b.store.GetGap(ctx, gap.ID)
	switch {
	case err == nil:
		gap = *stored
	case errors.Is(err, storage.ErrNotFound):
		if _, err := b.store.SaveGaps(ctx, []models.Gap{gap}); err != nil {
			log.Warn("failed to persist gap before backfill", "error", err)
		}
	default:
		log.Warn("failed to load stored gap", "error", err)
	}
	result.Status = gap.RecoveryStatus

	if gap.IsCompleted() {
		result.Skipped = true
		result.Reason = "already completed"
		return result
	}
	if b.attemptsSpent(gap) {
		result.Skipped = true
		result.Reason = "max attempts reached"
		log.Info("skipping gap", "reason", result.Reason, "attempts", gap.RecoveryAttempts)
		return result
	}
	if b.config.MaxAge > 0 {
		if age := gap.Age(b.now()); age > b.config.MaxAge {
			result.Skipped = true
			result.Reason = fmt.Sprintf("too old (%d days > %d days limit)",
				int(age.Hours()/24), int(b.config.MaxAge.Hours()/24))
			log.Info("skipping gap", "reason", result.Reason)
			return result
		}
	}

	chunks := SplitChunks(gap, b.config.ChunkSize)
	result.Chunks = len(chunks)
	log.Info("backfilling gap", "start", gap.Start, "end", gap.End, "chunks", len(chunks))

	var limiter *rate.Limiter
	if b.config.RateLimitDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(b.config.RateLimitDelay), 1)
	}

	inserted := 0
	for _, chunk := range chunks {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				result.Errors = append(result.Errors, err.Error())
				break
			}
		}

		n, fetched, err := b.recoverChunk(ctx, chunk)
		inserted += n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("chunk %d: %v", chunk.Index, err))
			log.Warn("chunk failed",
				"chunk", chunk.Index,
				"kind", apperrors.KindOf(err),
				"error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if fetched == 0 {
			log.Warn("no data returned for chunk", "chunk", chunk.Index, "start", chunk.Start, "end", chunk.End)
			continue
		}
		result.ChunksRecovered++
		log.Debug("chunk recovered", "chunk", chunk.Index, "inserted", n)
	}

	gap.RecordAttempt(inserted, b.now())
	result.Status = gap.RecoveryStatus
	result.RecordsInserted = inserted
	result.Duration = b.now().Sub(started)

	// status must land even when the run was cancelled mid-gap
	persistCtx := context.WithoutCancel(ctx)
	if err := b.store.UpdateGap(persistCtx, gap); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("update gap: %v", err))
		log.Error("failed to update gap status", "error", err)
	}

	if gap.RecoveryStatus == models.RecoveryFailed {
		b.logFailure(persistCtx, gap, result)
	} else {
		log.Info("gap backfilled", "records", inserted, "chunks_recovered", result.ChunksRecovered)
	}
	return result
}

// recoverChunk fetches, validates and stores one chunk. It returns the
// number of rows inserted and the number of points fetched.
func (b *Backfiller) recoverChunk(ctx context.Context, chunk models.BackfillChunk) (int, int, error) {
	points, err := b.fetcher.FetchKlines(ctx, chunk.Symbol, b.config.Interval, chunk.Start, chunk.End)
	if err != nil {
		return 0, 0, err
	}

	inRange := points[:0]
	for _, p := range points {
		if p.Timestamp.Before(chunk.Start) || !p.Timestamp.Before(chunk.End) {
			continue
		}
		p.Symbol = chunk.Symbol
		inRange = append(inRange, p)
	}
	if len(inRange) == 0 {
		return 0, 0, nil
	}

	quality := 1.0
	if b.validator != nil {
		vr := b.validator.Validate(inRange)
		if !vr.IsValid {
			return 0, len(inRange), apperrors.Validation("backfill_manager",
				"chunk %d of %s rejected: %v", chunk.Index, chunk.Symbol, vr.Errors)
		}
		quality = vr.QualityScore
	}
	models.Enrich(inRange, "", quality)

	n, err := b.store.Insert(ctx, inRange)
	if err != nil {
		return 0, len(inRange), err
	}
	return n, len(inRange), nil
}

func (b *Backfiller) logFailure(ctx context.Context, gap models.Gap, result models.GapResult) {
	msg := fmt.Sprintf("gap %s %s..%s recovered nothing after %d attempts",
		gap.Symbol, gap.Start.Format(time.RFC3339), gap.End.Format(time.RFC3339), gap.RecoveryAttempts)
	if len(result.Errors) > 0 {
		msg += ": " + result.Errors[len(result.Errors)-1]
	}
	rec := storage.ErrorRecord{
		Kind:      "backfill_failed",
		Message:   msg,
		Component: "backfill_manager",
		Severity:  apperrors.SeverityMedium.String(),
		CreatedAt: b.now().UTC(),
	}
	if err := b.store.LogError(ctx, rec); err != nil {
		b.logger.Warn("failed to persist backfill error", "error", err)
	}
	b.logger.Warn("gap backfill failed", "gap_id", gap.ID, "symbol", gap.Symbol, "attempts", gap.RecoveryAttempts)
}

func (b *Backfiller) recordRun(r *models.BackfillReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Runs++
	b.stats.GapsProcessed += int64(r.Processed)
	b.stats.GapsCompleted += int64(r.Completed)
	b.stats.GapsFailed += int64(r.Failed)
	b.stats.GapsSkipped += int64(r.Skipped)
	b.stats.RecordsInserted += int64(r.RecordsInserted)
	b.stats.LastRun = r.StartedAt
}

// Stats returns the totals across runs.
func (b *Backfiller) Stats() BackfillStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// ScheduleBackfill detects gaps for symbol (every symbol when empty) and
// backfills them. A non-zero start scans [start, end] instead of the
// lookback window. When detection finds nothing, coverage is compared with
// the expected range so missing history and stale tails still get filled.
func (b *Backfiller) ScheduleBackfill(ctx context.Context, symbol string, start, end time.Time, strategy string) (*models.BackfillReport, error) {
	if b.detector == nil {
		return nil, apperrors.Fatal("backfill_manager", errors.New("no gap detector configured"))
	}
	b.logger.Info("scheduling backfill", "symbol", symbol, "start", start, "end", end)

	var (
		gaps []models.Gap
		err  error
	)
	if start.IsZero() {
		gaps, err = b.detector.DetectGaps(ctx, symbol, b.config.LookbackDays)
	} else {
		scanEnd := end
		if scanEnd.IsZero() {
			scanEnd = b.now().UTC()
		}
		gaps, _, err = b.detector.DetectRange(ctx, symbol, start, scanEnd)
	}
	if err != nil {
		return nil, fmt.Errorf("detect gaps: %w", err)
	}

	if len(gaps) == 0 {
		b.logger.Info("no gaps detected, checking coverage ranges", "symbol", symbol)
		gaps, err = b.detector.FindMissingRanges(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("find missing ranges: %w", err)
		}
	}
	if len(gaps) == 0 {
		strategy = firstNonEmpty(strategy, b.config.DefaultStrategy)
		return &models.BackfillReport{Strategy: strategy, StartedAt: b.now().UTC()}, nil
	}
	return b.BackfillGaps(ctx, gaps, strategy)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
