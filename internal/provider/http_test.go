package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCoinbaseClient_FetchKlines(t *testing.T) {
	var gotPath, gotGranularity string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotGranularity = r.URL.Query().Get("granularity")

		// newest first, plus one candle at the inclusive end bound
		var rows []string
		for h := 3; h >= 0; h-- {
			ts := day.Add(time.Duration(h) * time.Hour).Unix()
			rows = append(rows, fmt.Sprintf(
				`{"start":"%d","low":"99","high":"110","open":"100","close":"105","volume":"7.5"}`, ts))
		}
		fmt.Fprintf(w, `{"candles":[%s]}`, strings.Join(rows, ","))
	}))
	defer srv.Close()

	c := NewCoinbaseClient(srv.URL, 0, time.Second, logger.Discard())
	points, err := c.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/brokerage/market/products/BTC-USDT/candles", gotPath)
	assert.Equal(t, "ONE_HOUR", gotGranularity)

	require.Len(t, points, 3)
	for i, p := range points {
		assert.True(t, p.Timestamp.Equal(day.Add(time.Duration(i)*time.Hour)))
		assert.Equal(t, "BTCUSDT", p.Symbol)
		assert.Equal(t, "coinbase", p.SourceProvider)
		assert.Equal(t, "100", p.Open.String())
		assert.Equal(t, "99", p.Low.String())
	}
	assert.Equal(t, int64(1), c.Metrics().Requests)
}

func TestCoinbaseClient_Windows(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"candles":[]}`)
	}))
	defer srv.Close()

	c := NewCoinbaseClient(srv.URL, 0, time.Second, logger.Discard())
	_, err := c.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(700*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, requests, "300 candles per request")
}

func TestCoinbaseClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    string
		wantKind  apperrors.Kind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, "2", apperrors.KindTransient, true},
		{"server error", http.StatusBadGateway, "", apperrors.KindTransient, true},
		{"bad product", http.StatusNotFound, "", apperrors.KindValidation, false},
		{"unauthorized", http.StatusUnauthorized, "", apperrors.KindFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			c := NewCoinbaseClient(srv.URL, 0, time.Second, logger.Discard())
			_, err := c.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
			require.Error(t, err)

			ce := apperrors.Classify(err)
			assert.Equal(t, tt.wantKind, ce.Kind)
			assert.Equal(t, tt.retryable, ce.Retryable)

			var httpErr *apperrors.HTTPError
			require.ErrorAs(t, err, &httpErr)
			if tt.header != "" {
				assert.Equal(t, 2*time.Second, httpErr.RetryAfter)
			}
			assert.False(t, c.Metrics().LastRequest.IsZero())
		})
	}
}

func TestCoinbaseClient_UnsupportedInterval(t *testing.T) {
	c := NewCoinbaseClient("http://127.0.0.1:0", 0, time.Second, logger.Discard())
	_, err := c.FetchKlines(context.Background(), "BTCUSDT", "3h", day, day.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBinanceClient_FetchKlines(t *testing.T) {
	var gotSymbol, gotInterval string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		gotSymbol = r.URL.Query().Get("symbol")
		gotInterval = r.URL.Query().Get("interval")

		var rows []string
		for h := 0; h < 2; h++ {
			open := day.Add(time.Duration(h) * time.Hour).UnixMilli()
			rows = append(rows, fmt.Sprintf(
				`[%d,"42000.10","42100.00","41900.00","42050.00","12.5",%d,"525000.0",100,"6.0","252000.0","0"]`,
				open, open+3599999))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer srv.Close()

	c := NewBinanceClient("", "", srv.URL, 0, time.Second, logger.Discard())
	points, err := c.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", gotSymbol)
	assert.Equal(t, "1h", gotInterval)
	require.Len(t, points, 2)
	assert.True(t, points[1].Timestamp.Equal(day.Add(time.Hour)))
	assert.Equal(t, "42000.1", points[0].Open.String())
	assert.Equal(t, "binance", points[0].SourceProvider)
}

func TestBinanceClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperrors.Kind
	}{
		{"invalid symbol", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, apperrors.KindValidation},
		{"too many requests", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, apperrors.KindTransient},
		{"bad api key", http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key."}`, apperrors.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewBinanceClient("", "", srv.URL, 0, time.Second, logger.Discard())
			_, err := c.FetchKlines(context.Background(), "NOPE", "1h", day, day.Add(time.Hour))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.Classify(err).Kind)
		})
	}
}

func TestPolygonClient_FetchKlines(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ticker":"X:BTCUSD","status":"OK","resultsCount":2,"results":[`+
			`{"o":42000,"h":42100,"l":41900,"c":42050,"v":12.5,"t":%d},`+
			`{"o":42050,"h":42200,"l":42000,"c":42150,"v":9.25,"t":%d}]}`,
			day.UnixMilli(), day.Add(time.Hour).UnixMilli())
	}))
	defer srv.Close()

	c := NewPolygonClient("test-key", srv.URL, 0, time.Second, logger.Discard())
	points, err := c.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(2*time.Hour))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotPath, "/v2/aggs/ticker/X:BTCUSD/range/1/hour/"), gotPath)
	require.Len(t, points, 2)
	assert.Equal(t, "BTCUSDT", points[0].Symbol)
	assert.Equal(t, "polygon", points[0].SourceProvider)
	assert.Equal(t, "9.25", points[1].Volume.String())
}
