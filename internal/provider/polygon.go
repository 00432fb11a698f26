package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	polymodels "github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	polygonMaxAggs           = 50000
	polygonRequestsPerMinute = 5
)

// PolygonClient fetches aggregates through the Polygon.io REST client.
type PolygonClient struct {
	*baseClient
	api *polygon.Client
}

// NewPolygonClient creates a Polygon client. baseURL, when set, redirects
// requests to another host.
func NewPolygonClient(apiKey, baseURL string, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *PolygonClient {
	if requestsPerMinute <= 0 {
		requestsPerMinute = polygonRequestsPerMinute
	}
	base := newBaseClient("polygon", requestsPerMinute, timeout, logger)

	if baseURL != "" {
		if target, err := url.Parse(baseURL); err == nil {
			base.httpClient.Transport = &hostRewriter{target: target, next: base.httpClient.Transport}
		}
	}

	return &PolygonClient{
		baseClient: base,
		api:        polygon.NewWithClient(apiKey, base.httpClient),
	}
}

// PolygonTicker maps exchange style crypto symbols to Polygon tickers:
// "BTCUSDT" becomes "X:BTCUSD". Equity tickers pass through.
func PolygonTicker(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, ":") {
		return s
	}
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return "X:" + s[:len(s)-len(q)] + "USD"
		}
	}
	return s
}

func polygonTimespan(step time.Duration) (int, polymodels.Timespan, error) {
	switch {
	case step%(24*time.Hour) == 0:
		return int(step / (24 * time.Hour)), polymodels.Day, nil
	case step%time.Hour == 0:
		return int(step / time.Hour), polymodels.Hour, nil
	case step%time.Minute == 0:
		return int(step / time.Minute), polymodels.Minute, nil
	default:
		return 0, "", apperrors.Validation("polygon", "unsupported interval %s", step)
	}
}

// FetchKlines iterates the aggregates for [start, end). The client follows
// pagination itself.
func (c *PolygonClient) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	multiplier, timespan, err := polygonTimespan(step)
	if err != nil {
		return nil, err
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	params := polymodels.ListAggsParams{
		Ticker:     PolygonTicker(symbol),
		Multiplier: multiplier,
		Timespan:   timespan,
		From:       polymodels.Millis(start),
		To:         polymodels.Millis(end),
	}.WithAdjusted(true).WithLimit(polygonMaxAggs)

	var out []models.DataPoint
	iter := c.api.ListAggs(ctx, params)
	for iter.Next() {
		agg := iter.Item()
		ts := time.Time(agg.Timestamp).UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		out = append(out, models.DataPoint{
			Symbol:         symbol,
			Timestamp:      ts,
			Interval:       interval,
			Open:           decimal.NewFromFloat(agg.Open),
			High:           decimal.NewFromFloat(agg.High),
			Low:            decimal.NewFromFloat(agg.Low),
			Close:          decimal.NewFromFloat(agg.Close),
			Volume:         decimal.NewFromFloat(agg.Volume),
			SourceProvider: c.name,
		})
	}

	err = mapPolygonError(iter.Err())
	c.record(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mapPolygonError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *polymodels.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return &apperrors.HTTPError{StatusCode: apiErr.StatusCode, Body: err.Error()}
	}
	return fmt.Errorf("polygon: %w", err)
}

// hostRewriter sends every request to target's scheme and host.
type hostRewriter struct {
	target *url.URL
	next   http.RoundTripper
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = h.target.Scheme
	r.URL.Host = h.target.Host
	r.Host = h.target.Host
	next := h.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(r)
}

var _ Client = (*PolygonClient)(nil)
