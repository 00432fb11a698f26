package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	coinbaseBaseURL           = "https://api.coinbase.com"
	coinbaseCandlesEndpoint   = "/api/v3/brokerage/market/products/%s/candles"
	coinbaseMaxCandles        = 300
	coinbaseRequestsPerMinute = 600
)

// quote currencies recognised when splitting exchange symbols, longest first
var coinbaseQuotes = []string{"USDT", "USDC", "USD", "EUR", "GBP", "BTC", "ETH"}

// CoinbaseClient fetches candles from the Coinbase Advanced Trade public
// market endpoint.
type CoinbaseClient struct {
	*baseClient
	baseURL string
}

// NewCoinbaseClient creates a Coinbase client.
func NewCoinbaseClient(baseURL string, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *CoinbaseClient {
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = coinbaseRequestsPerMinute
	}
	return &CoinbaseClient{
		baseClient: newBaseClient("coinbase", requestsPerMinute, timeout, logger),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// CoinbaseProductID maps "BTCUSDT" to "BTC-USDT". Symbols that already
// contain a dash are returned unchanged.
func CoinbaseProductID(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "-") {
		return s
	}
	for _, q := range coinbaseQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "-" + q
		}
	}
	return s
}

// FetchKlines splits [start, end) into windows of at most 300 candles.
func (c *CoinbaseClient) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	granularity, err := coinbaseGranularity(step)
	if err != nil {
		return nil, err
	}

	product := CoinbaseProductID(symbol)
	window := time.Duration(coinbaseMaxCandles) * step

	var out []models.DataPoint
	for cur := start; cur.Before(end); cur = cur.Add(window) {
		chunkEnd := cur.Add(window)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		candles, err := c.fetchWindow(ctx, product, granularity, cur, chunkEnd)
		c.record(err)
		if err != nil {
			return nil, err
		}

		for _, cd := range candles {
			p, err := cd.toDataPoint(symbol, interval)
			if err != nil {
				c.logger.Warn("skipping malformed candle", "symbol", symbol, "error", err)
				continue
			}
			// the endpoint treats end as inclusive
			if !p.Timestamp.Before(chunkEnd) || p.Timestamp.Before(cur) {
				continue
			}
			p.SourceProvider = c.name
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *CoinbaseClient) fetchWindow(ctx context.Context, product, granularity string, start, end time.Time) ([]coinbaseCandle, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularity)
	requestURL := c.baseURL + fmt.Sprintf(coinbaseCandlesEndpoint, url.PathEscape(product)) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, apperrors.Fatal("coinbase", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-ingest/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &apperrors.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	var payload struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Transient("coinbase", fmt.Errorf("failed to parse candles response: %w", err))
	}
	return payload.Candles, nil
}

func coinbaseGranularity(step time.Duration) (string, error) {
	switch step {
	case time.Minute:
		return "ONE_MINUTE", nil
	case 5 * time.Minute:
		return "FIVE_MINUTE", nil
	case 15 * time.Minute:
		return "FIFTEEN_MINUTE", nil
	case 30 * time.Minute:
		return "THIRTY_MINUTE", nil
	case time.Hour:
		return "ONE_HOUR", nil
	case 2 * time.Hour:
		return "TWO_HOUR", nil
	case 6 * time.Hour:
		return "SIX_HOUR", nil
	case 24 * time.Hour:
		return "ONE_DAY", nil
	default:
		return "", apperrors.Validation("coinbase", "unsupported interval %s", step)
	}
}

type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (cd coinbaseCandle) toDataPoint(symbol, interval string) (models.DataPoint, error) {
	sec, err := strconv.ParseInt(cd.Start, 10, 64)
	if err != nil {
		return models.DataPoint{}, fmt.Errorf("invalid start %q: %w", cd.Start, err)
	}
	return models.NewDataPoint(symbol, interval, time.Unix(sec, 0), cd.Open, cd.High, cd.Low, cd.Close, cd.Volume)
}

var _ Client = (*CoinbaseClient)(nil)
