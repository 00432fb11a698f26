package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Task parameter keys for historical chunks.
const (
	ParamStart = "start"
	ParamEnd   = "end"
	ParamIndex = "index"
	ParamGapID = "gap_id"
)

// ChunkParams encodes a backfill chunk as task parameters.
func ChunkParams(c models.BackfillChunk) map[string]any {
	return map[string]any{
		ParamStart: c.Start,
		ParamEnd:   c.End,
		ParamIndex: c.Index,
		ParamGapID: c.GapID,
	}
}

// ChunkFromTask decodes the chunk a fetch_historical_chunk task refers to.
func ChunkFromTask(task models.Task) (models.BackfillChunk, error) {
	start, ok := task.Params[ParamStart].(time.Time)
	if !ok {
		return models.BackfillChunk{}, fmt.Errorf("task %s: missing %q parameter", task.ID, ParamStart)
	}
	end, ok := task.Params[ParamEnd].(time.Time)
	if !ok {
		return models.BackfillChunk{}, fmt.Errorf("task %s: missing %q parameter", task.ID, ParamEnd)
	}
	if !end.After(start) {
		return models.BackfillChunk{}, fmt.Errorf("task %s: chunk end %s is not after start %s", task.ID, end, start)
	}

	chunk := models.BackfillChunk{Symbol: task.Symbol, Start: start, End: end}
	chunk.Index, _ = task.Params[ParamIndex].(int)
	chunk.GapID, _ = task.Params[ParamGapID].(string)
	return chunk, nil
}

// ConcurrentFetcher fans symbol and chunk work out over a Processor and
// gathers the results.
type ConcurrentFetcher struct {
	processor *Processor
	logger    *slog.Logger
}

// NewConcurrentFetcher wraps a started processor.
func NewConcurrentFetcher(p *Processor, logger *slog.Logger) *ConcurrentFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrentFetcher{processor: p, logger: logger.With("component", "concurrent_fetcher")}
}

// FetchMultipleSymbols submits one fetch_recent_data task per symbol and
// waits for all of them. A rejected submission is reported as a failed
// result for that symbol. The error is non-nil only when ctx ends first.
func (f *ConcurrentFetcher) FetchMultipleSymbols(ctx context.Context, symbols []string, priority int) (map[string]models.TaskResult, error) {
	ids := make(map[string]string, len(symbols))
	results := make(map[string]models.TaskResult, len(symbols))

	for _, sym := range symbols {
		id, err := f.processor.Submit(sym, models.OperationFetchRecent, nil, priority)
		if err != nil {
			f.logger.Warn("failed to submit fetch", "symbol", sym, "error", err)
			results[sym] = rejected(sym, models.OperationFetchRecent, err)
			continue
		}
		ids[sym] = id
	}

	for sym, id := range ids {
		r, err := f.processor.Wait(ctx, id)
		if err != nil {
			return results, err
		}
		results[sym] = r
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	f.logger.Info("multi-symbol fetch completed", "symbols", len(symbols), "succeeded", succeeded)
	return results, nil
}

// ProcessBackfillBatch submits one fetch_historical_chunk task per chunk and
// returns the results in chunk order.
func (f *ConcurrentFetcher) ProcessBackfillBatch(ctx context.Context, chunks []models.BackfillChunk, priority int) ([]models.TaskResult, error) {
	results := make([]models.TaskResult, len(chunks))
	ids := make([]string, len(chunks))

	for i, c := range chunks {
		id, err := f.processor.Submit(c.Symbol, models.OperationFetchHistoricalChunk, ChunkParams(c), priority)
		if err != nil {
			f.logger.Warn("failed to submit chunk", "symbol", c.Symbol, "chunk", c.Index, "error", err)
			results[i] = rejected(c.Symbol, models.OperationFetchHistoricalChunk, err)
			continue
		}
		ids[i] = id
	}

	for i, id := range ids {
		if id == "" {
			continue
		}
		r, err := f.processor.Wait(ctx, id)
		if err != nil {
			return results, err
		}
		results[i] = r
	}
	return results, nil
}

func rejected(symbol, operation string, err error) models.TaskResult {
	return models.TaskResult{
		Symbol:      symbol,
		Operation:   operation,
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
	}
}
