// Package collector is the ingestion facade. It wires the provider manager,
// retry engine, gap detector, backfiller and task processor together and
// exposes the operations the CLI and the live loop drive.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/processor"
	"github.com/johnayoung/go-ohlcv-ingest/internal/provider"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
	"github.com/johnayoung/go-ohlcv-ingest/internal/validator"
)

// Task priorities. Live fetches preempt historical chunks.
const (
	PriorityLive       = 10
	PriorityHistorical = 5
	PriorityValidation = 1
)

// KeyLastDataFetch is the storage setting updated after every live fetch.
const KeyLastDataFetch = "last_data_fetch"

// KeySupportedSymbols overrides the configured live symbols when present in
// storage, as a comma separated list.
const KeySupportedSymbols = "supported_symbols"

// Providers is what the ingestor needs from the provider layer.
// *provider.Manager satisfies it.
type Providers interface {
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error)
	ProviderStatus() []models.ProviderStatus
	ResetPerformance()
}

var _ Providers = (*provider.Manager)(nil)

// Config configures the ingestor.
type Config struct {
	Symbols          []string
	Interval         string        // candle interval requested from providers
	Lookback         time.Duration // window of a live fetch
	LiveInterval     time.Duration
	BackfillInterval time.Duration
	StopTimeout      time.Duration
	ResultRetention  time.Duration

	Detector  gaps.DetectorConfig
	Backfill  gaps.BackfillConfig
	Processor processor.Config
}

// DefaultConfig returns the defaults of every section.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

// ConfigFrom derives the ingestor configuration from the application config.
func ConfigFrom(cfg *config.AppConfig) Config {
	proc := processor.ConfigFrom(cfg.Processor)
	c := Config{
		Symbols:          append([]string(nil), cfg.Live.Symbols...),
		Interval:         cfg.Live.DataInterval,
		Lookback:         time.Duration(cfg.Live.LookbackHours) * time.Hour,
		LiveInterval:     config.Duration(cfg.Live.Interval, 5*time.Minute),
		BackfillInterval: config.Duration(cfg.Live.BackfillInterval, time.Hour),
		StopTimeout:      proc.StopTimeout,
		ResultRetention:  proc.ResultRetention,
		Detector:         gaps.DetectorConfigFrom(cfg.Gaps),
		Backfill:         gaps.BackfillConfigFrom(cfg.Backfill),
		Processor:        proc,
	}
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	return c
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithClock replaces the wall clock of the ingestor and its gap components.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// Ingestor is the ingestion facade.
type Ingestor struct {
	store      storage.Storage
	providers  Providers
	engine     *apperrors.RetryEngine
	validator  validator.Validator
	detector   *gaps.Detector
	backfiller *gaps.Backfiller
	processor  *processor.Processor
	fetcher    *processor.ConcurrentFetcher

	config  Config
	metrics *ingestMetrics
	logger  *slog.Logger
	now     func() time.Time

	running   atomic.Bool
	lastFetch atomic.Int64
}

// New creates an ingestor. The retry engine must be the one the provider
// manager uses so breaker state is shared.
func New(store storage.Storage, providers Providers, engine *apperrors.RetryEngine, v validator.Validator, cfg Config, log *slog.Logger, opts ...Option) (*Ingestor, error) {
	if store == nil {
		return nil, apperrors.Fatal("ingestor", fmt.Errorf("storage is required"))
	}
	if providers == nil {
		return nil, apperrors.Fatal("ingestor", fmt.Errorf("providers are required"))
	}
	if engine == nil {
		return nil, apperrors.Fatal("ingestor", fmt.Errorf("retry engine is required"))
	}
	if log == nil {
		log = slog.Default()
	}
	if v == nil {
		v = validator.NewOHLCVValidator(validator.DefaultConfig(), log)
	}

	in := &Ingestor{
		store:     store,
		providers: providers,
		engine:    engine,
		validator: v,
		config:    cfg,
		metrics:   newIngestMetrics(),
		logger:    log.With("component", "ingestor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}

	clock := gaps.WithClock(in.now)
	in.detector = gaps.NewDetector(store, cfg.Detector, log, clock)
	in.backfiller = gaps.NewBackfiller(store, providers, in.detector, v, cfg.Backfill, log, clock)
	in.processor = processor.New(cfg.Processor, in.handlers(), log)
	in.fetcher = processor.NewConcurrentFetcher(in.processor, log)
	return in, nil
}

// Start launches the task processor.
func (in *Ingestor) Start(ctx context.Context) error {
	if !in.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingestor is already running")
	}
	if err := in.processor.Start(ctx); err != nil {
		in.running.Store(false)
		return fmt.Errorf("failed to start task processor: %w", err)
	}
	in.logger.Info("ingestor started", "symbols", in.config.Symbols, "interval", in.config.Interval)
	return nil
}

// Stop stops the task processor, waiting for in-flight tasks until ctx is
// done.
func (in *Ingestor) Stop(ctx context.Context) error {
	if !in.running.CompareAndSwap(true, false) {
		return fmt.Errorf("ingestor is not running")
	}
	in.logger.Info("stopping ingestor")
	return in.processor.Stop(ctx)
}

// FetchLive fetches the recent window of symbol through the provider
// manager under the fetch_<symbol> breaker, validates it and stores it. It
// returns the number of newly inserted points.
func (in *Ingestor) FetchLive(ctx context.Context, symbol string) (int, error) {
	ctx = logger.WithSymbol(logger.WithOperation(ctx, "fetch_live"), symbol)
	log := logger.FromContext(ctx, in.logger)

	end := in.now().UTC()
	start := end.Add(-in.config.Lookback)
	started := time.Now()

	points, err := apperrors.Do(ctx, in.engine, "fetch_"+symbol, func(ctx context.Context) ([]models.DataPoint, error) {
		return in.providers.FetchKlines(ctx, symbol, in.config.Interval, start, end)
	})
	if err != nil {
		in.metrics.recordError()
		log.Warn("live fetch failed", "kind", apperrors.KindOf(err), "error", err)
		return 0, err
	}

	n, err := in.persist(ctx, symbol, points)
	if err != nil {
		in.metrics.recordError()
		return 0, err
	}
	in.metrics.recordSuccess(time.Since(started), len(points), n)

	in.lastFetch.Store(end.UnixNano())
	if err := in.store.SetConfig(ctx, KeyLastDataFetch, end.Format(time.RFC3339)); err != nil {
		log.Warn("failed to record last fetch time", "error", err)
	}

	log.Info("live fetch completed", "fetched", len(points), "inserted", n)
	return n, nil
}

// persist validates points and inserts them. Invalid batches are logged
// and rejected without touching storage.
func (in *Ingestor) persist(ctx context.Context, symbol string, points []models.DataPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	result := in.validator.Validate(points)
	in.metrics.recordValidation(result)
	if !result.IsValid {
		err := apperrors.Validation("ingestor", "%d points for %s rejected: %v", len(points), symbol, result.Errors)
		in.logError(ctx, "validation_failed", err)
		return 0, err
	}

	models.Enrich(points, "", result.QualityScore)
	n, err := in.store.Insert(ctx, points)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", symbol, err)
	}
	return n, nil
}

// FetchHistorical loads [start, end) for symbol in backfill sized chunks
// spread over the task processor. A nil start means the configured expected
// start of the series and a nil end means now. Chunk failures are contained;
// an error is returned only when every chunk failed.
func (in *Ingestor) FetchHistorical(ctx context.Context, symbol string, start, end *time.Time) (int, error) {
	if !in.running.Load() {
		return 0, fmt.Errorf("ingestor is not running")
	}

	from := in.config.Detector.ExpectedStart
	if start != nil {
		from = start.UTC()
	}
	to := in.now().UTC()
	if end != nil {
		to = end.UTC()
	}
	if !to.After(from) {
		return 0, apperrors.Validation("ingestor", "historical range %s..%s is empty", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	span := models.Gap{Symbol: symbol, Start: from, End: to}
	chunks := gaps.SplitChunks(span, in.config.Backfill.ChunkSize)

	log := in.logger.With("symbol", symbol)
	log.Info("starting historical fetch", "start", from, "end", to, "chunks", len(chunks))

	results, err := in.fetcher.ProcessBackfillBatch(ctx, chunks, PriorityHistorical)
	if err != nil {
		return 0, err
	}

	inserted, failed := 0, 0
	var lastErr string
	for _, r := range results {
		if !r.Success {
			failed++
			lastErr = r.Error
			continue
		}
		if n, ok := r.Data.(int); ok {
			inserted += n
		}
	}

	log.Info("historical fetch completed", "inserted", inserted, "failed_chunks", failed)
	if failed > 0 && failed == len(results) {
		return 0, apperrors.Exhausted("ingestor", failed, fmt.Errorf("%s", lastErr))
	}
	return inserted, nil
}

// DetectGaps runs gap detection over the last daysBack days. An empty
// symbol scans every stored symbol.
func (in *Ingestor) DetectGaps(ctx context.Context, symbol string, daysBack int) ([]models.Gap, error) {
	return in.detector.DetectGaps(ctx, symbol, daysBack)
}

// BackfillGaps recovers every pending or failed gap in strategy order.
func (in *Ingestor) BackfillGaps(ctx context.Context, strategy string) (*models.BackfillReport, error) {
	return in.backfiller.BackfillGaps(ctx, nil, strategy)
}

// ScheduleBackfill detects and then backfills gaps for symbol, or for every
// symbol when symbol is empty. Zero bounds use the configured lookback.
func (in *Ingestor) ScheduleBackfill(ctx context.Context, symbol string, start, end time.Time, strategy string) (*models.BackfillReport, error) {
	return in.backfiller.ScheduleBackfill(ctx, symbol, start, end, strategy)
}

// GetProviderPerformance returns per-provider counters, health, breaker
// state and score.
func (in *Ingestor) GetProviderPerformance() []models.ProviderStatus {
	return in.providers.ProviderStatus()
}

// ResetCircuitBreakers closes every breaker.
func (in *Ingestor) ResetCircuitBreakers() {
	in.engine.ResetAll()
}

// GapReport summarizes gaps and completeness across every symbol.
func (in *Ingestor) GapReport(ctx context.Context, daysBack int) (models.GapReport, error) {
	return in.detector.GenerateReport(ctx, daysBack)
}

// Completeness scores the recent coverage of one symbol.
func (in *Ingestor) Completeness(ctx context.Context, symbol string, daysBack int) (models.Completeness, error) {
	return in.detector.AnalyzeCompleteness(ctx, symbol, daysBack)
}

// Processor exposes the task processor for callers that submit their own
// tasks.
func (in *Ingestor) Processor() *processor.Processor { return in.processor }

// Backfiller exposes the backfill manager, mainly to register strategies.
func (in *Ingestor) Backfiller() *gaps.Backfiller { return in.backfiller }

func (in *Ingestor) logError(ctx context.Context, kind string, err error) {
	rec := storage.ErrorRecord{
		Kind:      kind,
		Message:   err.Error(),
		Component: "ingestor",
		Severity:  apperrors.SeverityOf(err).String(),
		CreatedAt: in.now().UTC(),
	}
	if lerr := in.store.LogError(context.WithoutCancel(ctx), rec); lerr != nil {
		in.logger.Warn("failed to persist error", "error", lerr)
	}
}
