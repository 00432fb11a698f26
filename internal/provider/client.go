// Package provider contains the upstream OHLCV data providers and the API
// manager that picks between them.
//
// Every provider implements the same small Client interface; the manager
// never branches on the concrete provider type.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Client fetches OHLCV candles from one upstream provider.
type Client interface {
	// Name is the stable provider key, also used as its breaker key.
	Name() string
	// Healthy reports whether the client has not failed repeatedly in the
	// recent error window.
	Healthy() bool
	// FetchKlines returns candles for symbol in [start, end) ordered by time.
	// An empty result with a nil error means the provider has no data.
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error)
}

const (
	// unhealthyErrorCount recent errors mark a client unhealthy.
	unhealthyErrorCount = 5
	errorWindow         = 5 * time.Minute
	defaultTimeout      = 30 * time.Second
)

// ClientMetrics is a snapshot of a client's request counters.
type ClientMetrics struct {
	Name         string    `json:"name"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	RecentErrors int       `json:"recent_errors"`
	LastRequest  time.Time `json:"last_request,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Healthy      bool      `json:"healthy"`
}

// baseClient carries the rate limiting, counters and health tracking shared
// by every provider.
type baseClient struct {
	name       string
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	requests     int64
	errors       int64
	recentErrors []time.Time
	lastRequest  time.Time
	lastError    string
}

func newBaseClient(name string, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *baseClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
		burst = max(1, requestsPerMinute/60)
	}

	return &baseClient{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With("component", "provider", "provider", name),
		now:    time.Now,
	}
}

func (b *baseClient) Name() string { return b.name }

// wait blocks until the rate limiter admits another request.
func (b *baseClient) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	return nil
}

// record counts one request outcome.
func (b *baseClient) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.requests++
	b.lastRequest = now
	if err == nil {
		return
	}
	b.errors++
	b.lastError = err.Error()
	b.recentErrors = append(b.pruned(now), now)
}

// pruned drops errors outside the window. Callers hold mu.
func (b *baseClient) pruned(now time.Time) []time.Time {
	cut := 0
	for cut < len(b.recentErrors) && now.Sub(b.recentErrors[cut]) > errorWindow {
		cut++
	}
	return b.recentErrors[cut:]
}

func (b *baseClient) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentErrors = b.pruned(b.now())
	return len(b.recentErrors) < unhealthyErrorCount
}

// Metrics returns the client's counters.
func (b *baseClient) Metrics() ClientMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentErrors = b.pruned(b.now())
	return ClientMetrics{
		Name:         b.name,
		Requests:     b.requests,
		Errors:       b.errors,
		RecentErrors: len(b.recentErrors),
		LastRequest:  b.lastRequest,
		LastError:    b.lastError,
		Healthy:      len(b.recentErrors) < unhealthyErrorCount,
	}
}

// ResetMetrics clears counters and health history.
func (b *baseClient) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests, b.errors = 0, 0
	b.recentErrors = nil
	b.lastError = ""
}

// ParseInterval converts "5m", "1h", "4h", "1d" or "1w" to a duration.
func ParseInterval(interval string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(interval))
	if len(s) < 2 {
		return 0, apperrors.Validation("provider", "invalid interval %q", interval)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, apperrors.Validation("provider", "invalid interval %q", interval)
	}

	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, apperrors.Validation("provider", "invalid interval %q", interval)
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// NewClients builds a client for every enabled provider section.
func NewClients(cfgs []config.ProviderConfig, logger *slog.Logger) ([]Client, error) {
	var clients []Client
	for _, pc := range cfgs {
		if !pc.Enabled {
			continue
		}
		c, err := NewClient(pc, logger)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// NewClient builds the client named by cfg.Name.
func NewClient(cfg config.ProviderConfig, logger *slog.Logger) (Client, error) {
	timeout := config.Duration(cfg.Timeout, defaultTimeout)
	switch cfg.Name {
	case "binance":
		return NewBinanceClient(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.RequestsPerMinute, timeout, logger), nil
	case "coinbase":
		return NewCoinbaseClient(cfg.BaseURL, cfg.RequestsPerMinute, timeout, logger), nil
	case "polygon":
		if cfg.APIKey == "" {
			return nil, apperrors.Fatal("provider", fmt.Errorf("polygon requires an api_key"))
		}
		return NewPolygonClient(cfg.APIKey, cfg.BaseURL, cfg.RequestsPerMinute, timeout, logger), nil
	default:
		return nil, apperrors.Fatal("provider", fmt.Errorf("unknown provider %q", cfg.Name))
	}
}
