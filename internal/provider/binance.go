package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	binanceMaxKlines         = 1000
	binanceRequestsPerMinute = 1200
)

// BinanceClient fetches spot klines through go-binance.
type BinanceClient struct {
	*baseClient
	api *binance.Client
}

// NewBinanceClient creates a Binance client. Public kline data needs no
// credentials; baseURL overrides the API host when set.
func NewBinanceClient(apiKey, apiSecret, baseURL string, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *BinanceClient {
	if requestsPerMinute <= 0 {
		requestsPerMinute = binanceRequestsPerMinute
	}
	base := newBaseClient("binance", requestsPerMinute, timeout, logger)

	api := binance.NewClient(apiKey, apiSecret)
	api.HTTPClient = base.httpClient
	if baseURL != "" {
		api.BaseURL = baseURL
	}

	return &BinanceClient{baseClient: base, api: api}
}

// FetchKlines pages through [start, end) in requests of at most 1000 klines.
func (c *BinanceClient) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	var out []models.DataPoint
	for cur := start; cur.Before(end); {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		klines, err := c.api.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cur.UnixMilli()).
			EndTime(end.UnixMilli() - 1).
			Limit(binanceMaxKlines).
			Do(ctx)
		err = mapBinanceError(err)
		c.record(err)
		if err != nil {
			return nil, err
		}

		for _, k := range klines {
			p, err := models.NewDataPoint(symbol, interval, time.UnixMilli(k.OpenTime),
				k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				c.logger.Warn("skipping malformed kline", "symbol", symbol, "open_time", k.OpenTime, "error", err)
				continue
			}
			p.SourceProvider = c.name
			out = append(out, p)
		}

		if len(klines) < binanceMaxKlines {
			break
		}
		cur = time.UnixMilli(klines[len(klines)-1].OpenTime).Add(step)
	}

	c.logger.Debug("fetched klines", "symbol", symbol, "count", len(out))
	return out, nil
}

// mapBinanceError turns API error codes into classified errors.
func mapBinanceError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch code := apiErr.Code; {
	case code == -1003 || code == -1015:
		return &apperrors.HTTPError{StatusCode: http.StatusTooManyRequests, Body: apiErr.Message}
	case code == 0, code == -1000, code == -1001, code == -1021:
		return apperrors.Transient("binance", err)
	case code == -2014 || code == -2015:
		return apperrors.Fatal("binance", err)
	case code <= -1100 && code > -1200:
		return apperrors.Validation("binance", "request rejected: %v", err)
	default:
		return fmt.Errorf("binance api: %w", err)
	}
}

var _ Client = (*BinanceClient)(nil)
