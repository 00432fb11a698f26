package collector

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/processor"
)

// handlers returns the built-in task operations.
func (in *Ingestor) handlers() map[string]processor.Handler {
	return map[string]processor.Handler{
		models.OperationFetchRecent:          in.handleFetchRecent,
		models.OperationFetchHistoricalChunk: in.handleHistoricalChunk,
		models.OperationValidateData:         in.handleValidate,
	}
}

func (in *Ingestor) handleFetchRecent(ctx context.Context, task models.Task) (any, error) {
	return in.FetchLive(ctx, task.Symbol)
}

// handleHistoricalChunk fetches one chunk under the historical_<symbol>
// breaker and stores it. The result is the number of inserted points.
func (in *Ingestor) handleHistoricalChunk(ctx context.Context, task models.Task) (any, error) {
	chunk, err := processor.ChunkFromTask(task)
	if err != nil {
		return nil, apperrors.Validation("ingestor", "%v", err)
	}

	started := time.Now()
	points, err := apperrors.Do(ctx, in.engine, "historical_"+chunk.Symbol, func(ctx context.Context) ([]models.DataPoint, error) {
		return in.providers.FetchKlines(ctx, chunk.Symbol, in.config.Backfill.Interval, chunk.Start, chunk.End)
	})
	if err != nil {
		in.metrics.recordError()
		return nil, fmt.Errorf("chunk %d: %w", chunk.Index, err)
	}

	inRange := points[:0]
	for _, p := range points {
		if p.Timestamp.Before(chunk.Start) || !p.Timestamp.Before(chunk.End) {
			continue
		}
		inRange = append(inRange, p)
	}

	n, err := in.persist(ctx, chunk.Symbol, inRange)
	if err != nil {
		in.metrics.recordError()
		return nil, fmt.Errorf("chunk %d: %w", chunk.Index, err)
	}
	in.metrics.recordSuccess(time.Since(started), len(inRange), n)
	return n, nil
}

// handleValidate re-validates stored data. Optional start and end
// parameters bound the range; the default is the live lookback window.
func (in *Ingestor) handleValidate(ctx context.Context, task models.Task) (any, error) {
	end := in.now().UTC()
	start := end.Add(-in.config.Lookback)
	if v, ok := task.Params[processor.ParamStart].(time.Time); ok {
		start = v
	}
	if v, ok := task.Params[processor.ParamEnd].(time.Time); ok {
		end = v
	}

	points, err := in.store.GetRange(ctx, task.Symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", task.Symbol, err)
	}
	result := in.validator.Validate(points)
	result.Source = "storage"
	return result, nil
}
