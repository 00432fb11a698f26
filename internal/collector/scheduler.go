package collector

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
)

// Symbols returns the symbols the live loop fetches: the supported_symbols
// setting from storage when present, otherwise the configured list.
func (in *Ingestor) Symbols(ctx context.Context) []string {
	v, err := in.store.GetConfig(ctx, KeySupportedSymbols, "")
	if err != nil {
		in.logger.Warn("failed to read supported symbols", "error", err)
	}
	if v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return append([]string(nil), in.config.Symbols...)
}

// Run starts the ingestor and drives the live loop and the periodic gap
// check until ctx is cancelled, then stops the task processor. Both loops
// fire on interval boundaries; a backfill cycle still running when the next
// one is due is skipped.
func (in *Ingestor) Run(ctx context.Context) error {
	if err := in.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.config.StopTimeout)
		defer cancel()
		if err := in.Stop(stopCtx); err != nil {
			in.logger.Warn("ingestor stop incomplete", "error", err)
		}
	}()

	in.logger.Info("live loop started",
		"live_interval", in.config.LiveInterval,
		"backfill_interval", in.config.BackfillInterval)

	in.liveCycle(ctx)

	liveTimer := time.NewTimer(time.Until(nextBoundary(time.Now(), in.config.LiveInterval)))
	defer liveTimer.Stop()
	backfillTimer := time.NewTimer(time.Until(nextBoundary(time.Now(), in.config.BackfillInterval)))
	defer backfillTimer.Stop()

	var (
		wg          sync.WaitGroup
		backfilling atomic.Bool
	)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("live loop cancelled")
			return nil

		case <-liveTimer.C:
			in.liveCycle(ctx)
			liveTimer.Reset(time.Until(nextBoundary(time.Now(), in.config.LiveInterval)))

		case <-backfillTimer.C:
			if backfilling.CompareAndSwap(false, true) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer backfilling.Store(false)
					in.backfillCycle(ctx)
				}()
			} else {
				in.logger.Info("backfill cycle still running, skipping")
			}
			backfillTimer.Reset(time.Until(nextBoundary(time.Now(), in.config.BackfillInterval)))
		}
	}
}

// liveCycle fetches every symbol concurrently through the task processor.
func (in *Ingestor) liveCycle(ctx context.Context) {
	ctx = logger.WithNewTraceID(ctx)
	log := logger.FromContext(ctx, in.logger)

	symbols := in.Symbols(ctx)
	results, err := in.fetcher.FetchMultipleSymbols(ctx, symbols, PriorityLive)
	if err != nil {
		log.Warn("live cycle interrupted", "error", err)
		return
	}

	inserted, failed := 0, 0
	for sym, r := range results {
		if !r.Success {
			failed++
			log.Warn("live fetch failed", "symbol", sym, "error", r.Error)
			continue
		}
		if n, ok := r.Data.(int); ok {
			inserted += n
		}
	}
	log.Info("live cycle completed", "symbols", len(symbols), "inserted", inserted, "failed", failed)
}

// backfillCycle detects recent gaps across every symbol, recovers them and
// drops task results past their retention.
func (in *Ingestor) backfillCycle(ctx context.Context) {
	ctx = logger.WithNewTraceID(ctx)
	log := logger.FromContext(ctx, in.logger)

	if _, err := in.detector.DetectGaps(ctx, "", in.config.Detector.DaysBack); err != nil {
		log.Warn("periodic gap detection failed", "error", err)
		return
	}

	report, err := in.backfiller.BackfillGaps(ctx, nil, in.config.Backfill.DefaultStrategy)
	if err != nil {
		log.Warn("periodic backfill failed", "error", err)
		return
	}
	log.Info("periodic backfill completed",
		"processed", report.Processed,
		"completed", report.Completed,
		"failed", report.Failed,
		"records", report.RecordsInserted)

	if n := in.processor.ClearCompleted(in.config.ResultRetention); n > 0 {
		log.Debug("expired task results cleared", "removed", n)
	}
}

// nextBoundary returns the first multiple of interval after t. Intervals
// that divide a day align to wall-clock boundaries in UTC.
func nextBoundary(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = time.Hour
	}
	return t.UTC().Truncate(interval).Add(interval)
}
