package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// Recorder persists provider call samples and failures. storage.Storage
// satisfies it.
type Recorder interface {
	RecordProviderCall(ctx context.Context, call models.ProviderCall) error
	LogError(ctx context.Context, rec storage.ErrorRecord) error
}

// ManagerConfig tunes provider scoring and failover.
type ManagerConfig struct {
	MaxProviderAttempts int
	MaxLatency          time.Duration // latency at which the latency score reaches 0
	SuccessWeight       float64
	LatencyWeight       float64
	EMAAlpha            float64
	// FailureThreshold consecutive failures count as one breaker trip.
	FailureThreshold int
}

// DefaultManagerConfig returns 3 attempts, 10s max latency, weights 0.7/0.3,
// EMA alpha 0.1 and a trip threshold of 5.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxProviderAttempts: 3,
		MaxLatency:          10 * time.Second,
		SuccessWeight:       0.7,
		LatencyWeight:       0.3,
		EMAAlpha:            0.1,
		FailureThreshold:    5,
	}
}

// ManagerConfigFrom converts the api_manager and circuit_breaker sections.
func ManagerConfigFrom(cfg config.APIManagerConfig, cb config.CircuitBreakerConfig) ManagerConfig {
	def := DefaultManagerConfig()
	mc := ManagerConfig{
		MaxProviderAttempts: cfg.MaxProviderAttempts,
		MaxLatency:          config.Duration(cfg.MaxAssumedLatency, def.MaxLatency),
		SuccessWeight:       cfg.SuccessWeight,
		LatencyWeight:       cfg.LatencyWeight,
		EMAAlpha:            cfg.EMAAlpha,
		FailureThreshold:    cb.FailureThreshold,
	}
	if mc.MaxProviderAttempts <= 0 {
		mc.MaxProviderAttempts = def.MaxProviderAttempts
	}
	if mc.SuccessWeight == 0 && mc.LatencyWeight == 0 {
		mc.SuccessWeight, mc.LatencyWeight = def.SuccessWeight, def.LatencyWeight
	}
	if mc.EMAAlpha <= 0 || mc.EMAAlpha > 1 {
		mc.EMAAlpha = def.EMAAlpha
	}
	if mc.FailureThreshold <= 0 {
		mc.FailureThreshold = def.FailureThreshold
	}
	return mc
}

// Operation is one provider request issued by the manager. It returns the
// number of records it produced.
type Operation func(ctx context.Context, c Client) (int, error)

// Manager selects the best healthy provider for each request and fails over
// to the next one when a provider is exhausted.
type Manager struct {
	clients  []Client
	engine   *apperrors.RetryEngine
	recorder Recorder
	config   ManagerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	perf map[string]*models.ProviderPerformance
}

// NewManager creates a manager over clients. recorder may be nil.
func NewManager(clients []Client, engine *apperrors.RetryEngine, recorder Recorder, cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if len(clients) == 0 {
		return nil, apperrors.Fatal("api_manager", fmt.Errorf("no providers"))
	}
	if engine == nil {
		return nil, apperrors.Fatal("api_manager", fmt.Errorf("retry engine is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	perf := make(map[string]*models.ProviderPerformance, len(clients))
	for _, c := range clients {
		perf[c.Name()] = &models.ProviderPerformance{Name: c.Name()}
	}

	return &Manager{
		clients:  clients,
		engine:   engine,
		recorder: recorder,
		config:   cfg,
		logger:   logger.With("component", "api_manager"),
		now:      time.Now,
		perf:     perf,
	}, nil
}

// score rates a provider from its counters. Callers hold mu.
func (m *Manager) score(p *models.ProviderPerformance) float64 {
	if p.Requests == 0 {
		return 1.0
	}

	latency := 0.0
	if m.config.MaxLatency > 0 {
		latency = math.Max(0, float64(m.config.MaxLatency-p.AvgResponseTime)/float64(m.config.MaxLatency))
	}
	penalty := math.Min(0.5, float64(p.ConsecutiveFailures)*0.1)

	return m.config.SuccessWeight*p.SuccessRate() + m.config.LatencyWeight*latency - penalty
}

// Score returns the current score of the named provider.
func (m *Manager) Score(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perf[name]
	if !ok {
		return 0
	}
	return m.score(p)
}

func (m *Manager) available(c Client) bool {
	return c.Healthy() && !m.engine.IsOpen(c.Name())
}

// ranked returns the available clients ordered by descending score. Ties
// keep registration order.
func (m *Manager) ranked() []Client {
	var healthy []Client
	for _, c := range m.clients {
		if m.available(c) {
			healthy = append(healthy, c)
		}
	}

	m.mu.Lock()
	scores := make(map[string]float64, len(healthy))
	for _, c := range healthy {
		scores[c.Name()] = m.score(m.perf[c.Name()])
	}
	m.mu.Unlock()

	sort.SliceStable(healthy, func(i, j int) bool {
		return scores[healthy[i].Name()] > scores[healthy[j].Name()]
	})
	return healthy
}

// Select returns the best available provider, or nil when none is healthy.
func (m *Manager) Select(symbol string) Client {
	ranked := m.ranked()
	if len(ranked) == 0 {
		m.logger.Warn("no healthy providers", "symbol", symbol)
		return nil
	}
	return ranked[0]
}

// Request runs op against up to MaxProviderAttempts distinct providers in
// score order. Each provider is driven through the retry engine under its
// own breaker key.
func (m *Manager) Request(ctx context.Context, symbol string, op Operation) error {
	candidates := m.ranked()
	if len(candidates) == 0 {
		return apperrors.Exhausted("api_manager", 0, fmt.Errorf("no healthy providers for %s", symbol))
	}
	if n := m.config.MaxProviderAttempts; n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}

	var lastErr error
	tried := 0
	for _, c := range candidates {
		name := c.Name()
		records, calls := 0, 0
		// latency of the last call alone, without backoff sleeps
		var elapsed time.Duration

		err := m.engine.Execute(ctx, name, func(ctx context.Context) error {
			calls++
			start := m.now()
			n, err := op(ctx, c)
			elapsed = m.now().Sub(start)
			records = n
			return err
		})

		if err == nil {
			m.recordSuccess(name, elapsed)
			m.persistCall(ctx, name, symbol, elapsed, records, nil)
			m.logger.Debug("provider request succeeded", "provider", name, "symbol", symbol, "records", records, "duration", elapsed)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if calls == 0 && apperrors.IsCircuitOpen(err) {
			m.logger.Debug("provider skipped, circuit open", "provider", name)
			continue
		}

		tried++
		m.recordFailure(name)
		m.persistCall(ctx, name, symbol, elapsed, 0, err)
		m.logFailure(ctx, name, symbol, err)
		m.logger.Warn("provider request failed, trying next",
			"provider", name,
			"symbol", symbol,
			"attempts", calls,
			"kind", apperrors.KindOf(err),
			"error", err)
	}

	return apperrors.Exhausted("api_manager", tried, lastErr)
}

// FetchKlines fetches candles through the best available provider.
func (m *Manager) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	var out []models.DataPoint
	err := m.Request(ctx, symbol, func(ctx context.Context, c Client) (int, error) {
		points, err := c.FetchKlines(ctx, symbol, interval, start, end)
		if err != nil {
			return 0, err
		}
		out = points
		return len(points), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) recordSuccess(name string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.perf[name]
	now := m.now()
	p.Requests++
	p.Successes++
	p.ConsecutiveFailures = 0
	p.LastSuccess = &now
	m.updateLatency(p, elapsed)
}

// recordFailure counts a failed request. Only successful calls feed the
// latency average.
func (m *Manager) recordFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.perf[name]
	now := m.now()
	p.Requests++
	p.Failures++
	p.ConsecutiveFailures++
	p.LastFailure = &now
	if p.ConsecutiveFailures == m.config.FailureThreshold {
		p.CircuitBreakerTrips++
	}
}

// updateLatency folds a sample into the EMA; the first sample sets it.
// Callers hold mu.
func (m *Manager) updateLatency(p *models.ProviderPerformance, sample time.Duration) {
	if p.Successes == 1 {
		p.AvgResponseTime = sample
		return
	}
	a := m.config.EMAAlpha
	p.AvgResponseTime = time.Duration(a*float64(sample) + (1-a)*float64(p.AvgResponseTime))
}

func (m *Manager) persistCall(ctx context.Context, name, symbol string, elapsed time.Duration, records int, err error) {
	if m.recorder == nil {
		return
	}
	call := models.ProviderCall{
		Provider:     name,
		Symbol:       symbol,
		Success:      err == nil,
		ResponseTime: elapsed,
		Records:      records,
		RecordedAt:   m.now(),
	}
	if err != nil {
		call.Error = err.Error()
	}
	if perr := m.recorder.RecordProviderCall(ctx, call); perr != nil {
		m.logger.Warn("failed to record provider call", "provider", name, "error", perr)
	}
}

func (m *Manager) logFailure(ctx context.Context, name, symbol string, err error) {
	if m.recorder == nil {
		return
	}
	rec := storage.ErrorRecord{
		Kind:      "api_request_failed",
		Message:   fmt.Sprintf("%s %s: %v", name, symbol, err),
		Component: name,
		Severity:  apperrors.SeverityOf(err).String(),
		CreatedAt: m.now(),
	}
	if perr := m.recorder.LogError(ctx, rec); perr != nil {
		m.logger.Warn("failed to persist provider error", "provider", name, "error", perr)
	}
}

// Performance returns copies of every provider's counters.
func (m *Manager) Performance() map[string]models.ProviderPerformance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]models.ProviderPerformance, len(m.perf))
	for name, p := range m.perf {
		out[name] = *p
	}
	return out
}

// ProviderStatus combines counters, health, breaker state and score, sorted
// by provider name.
func (m *Manager) ProviderStatus() []models.ProviderStatus {
	out := make([]models.ProviderStatus, 0, len(m.clients))
	for _, c := range m.clients {
		name := c.Name()
		healthy := m.available(c)
		breaker := m.engine.State(name)

		m.mu.Lock()
		p := m.perf[name]
		status := models.ProviderStatus{
			ProviderPerformance: *p,
			Healthy:             healthy,
			BreakerState:        string(breaker.State),
			Score:               m.score(p),
		}
		m.mu.Unlock()

		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetPerformance clears every provider's counters.
func (m *Manager) ResetPerformance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.perf {
		m.perf[name] = &models.ProviderPerformance{Name: name}
	}
	m.logger.Info("provider performance reset")
}

// Clients returns the registered clients in registration order.
func (m *Manager) Clients() []Client {
	return append([]Client(nil), m.clients...)
}
