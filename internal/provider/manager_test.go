package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// fakeClient returns canned results and counts calls.
type fakeClient struct {
	name    string
	healthy bool
	points  []models.DataPoint
	err     error
	calls   atomic.Int32
}

func (f *fakeClient) Name() string  { return f.name }
func (f *fakeClient) Healthy() bool { return f.healthy }

func (f *fakeClient) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordProviderCall(ctx context.Context, call models.ProviderCall) error {
	return m.Called(call).Error(0)
}

func (m *mockRecorder) LogError(ctx context.Context, rec storage.ErrorRecord) error {
	return m.Called(rec).Error(0)
}

func testEngine() *apperrors.RetryEngine {
	return apperrors.NewRetryEngine(
		apperrors.RetryPolicy{MaxRetries: 0, Strategy: apperrors.StrategyImmediate},
		apperrors.DefaultBreakerConfig(),
		logger.Discard(),
	)
}

func newTestManager(t *testing.T, recorder Recorder, clients ...Client) *Manager {
	t.Helper()
	m, err := NewManager(clients, testEngine(), recorder, DefaultManagerConfig(), logger.Discard())
	require.NoError(t, err)
	return m
}

func somePoints() []models.DataPoint {
	p, _ := models.NewDataPoint("BTCUSDT", "1h", day, "1", "2", "0.5", "1.5", "10")
	return []models.DataPoint{p}
}

func TestNewManager_RequiresProviders(t *testing.T) {
	_, err := NewManager(nil, testEngine(), nil, DefaultManagerConfig(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrFatal)
	assert.Contains(t, err.Error(), "no providers")
}

func TestManager_ScoreUnusedProvider(t *testing.T) {
	m := newTestManager(t, nil, &fakeClient{name: "a", healthy: true})
	assert.Equal(t, 1.0, m.Score("a"))
}

func TestManager_SelectPrefersReliableFastProvider(t *testing.T) {
	good := &fakeClient{name: "good", healthy: true}
	flaky := &fakeClient{name: "flaky", healthy: true}

	for _, order := range [][]Client{{good, flaky}, {flaky, good}} {
		m := newTestManager(t, nil, order...)
		m.perf["good"] = &models.ProviderPerformance{
			Name: "good", Requests: 100, Successes: 100, AvgResponseTime: 100 * time.Millisecond,
		}
		m.perf["flaky"] = &models.ProviderPerformance{
			Name: "flaky", Requests: 100, Successes: 50, Failures: 50, AvgResponseTime: 8 * time.Second,
		}

		for i := 0; i < 20; i++ {
			assert.Same(t, good, m.Select("BTCUSDT"))
		}
		assert.Greater(t, m.Score("good"), m.Score("flaky"))
	}
}

func TestManager_SelectSkipsUnavailable(t *testing.T) {
	sick := &fakeClient{name: "sick", healthy: false}
	tripped := &fakeClient{name: "tripped", healthy: true}
	ok := &fakeClient{name: "ok", healthy: true}

	engine := testEngine()
	for i := 0; i < 5; i++ {
		engine.Breakers().RecordFailure("tripped")
	}
	require.True(t, engine.IsOpen("tripped"))

	m, err := NewManager([]Client{sick, tripped, ok}, engine, nil, DefaultManagerConfig(), logger.Discard())
	require.NoError(t, err)
	assert.Same(t, ok, m.Select("BTCUSDT"))

	none, err := NewManager([]Client{sick}, engine, nil, DefaultManagerConfig(), logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, none.Select("BTCUSDT"))

	_, err = none.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrExhausted)
}

func TestManager_FailsOverToNextProvider(t *testing.T) {
	bad := &fakeClient{name: "bad", healthy: true, err: apperrors.Transient("bad", errors.New("503"))}
	good := &fakeClient{name: "good", healthy: true, points: somePoints()}

	rec := &mockRecorder{}
	rec.On("RecordProviderCall", mock.MatchedBy(func(c models.ProviderCall) bool { return !c.Success })).Return(nil).Once()
	rec.On("RecordProviderCall", mock.MatchedBy(func(c models.ProviderCall) bool { return c.Success && c.Records == 1 })).Return(nil).Once()
	rec.On("LogError", mock.MatchedBy(func(r storage.ErrorRecord) bool {
		return r.Kind == "api_request_failed" && r.Component == "bad"
	})).Return(nil).Once()

	m := newTestManager(t, rec, bad, good)
	points, err := m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, points, 1)
	rec.AssertExpectations(t)

	perf := m.Performance()
	assert.Equal(t, int64(1), perf["bad"].Failures)
	assert.Equal(t, 1, perf["bad"].ConsecutiveFailures)
	assert.NotNil(t, perf["bad"].LastFailure)
	assert.Equal(t, int64(1), perf["good"].Successes)
	assert.NotNil(t, perf["good"].LastSuccess)

	// the failing provider now ranks below the working one
	assert.Same(t, good, m.Select("BTCUSDT"))
}

func TestManager_AllProvidersFail(t *testing.T) {
	cause := apperrors.Transient("x", errors.New("upstream down"))
	a := &fakeClient{name: "a", healthy: true, err: cause}
	b := &fakeClient{name: "b", healthy: true, err: cause}

	m := newTestManager(t, nil, a, b)
	_, err := m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrExhausted)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestManager_AttemptLimit(t *testing.T) {
	cause := errors.New("boom")
	var clients []Client
	var fakes []*fakeClient
	for _, n := range []string{"a", "b", "c", "d"} {
		f := &fakeClient{name: n, healthy: true, err: cause}
		fakes = append(fakes, f)
		clients = append(clients, f)
	}

	m := newTestManager(t, nil, clients...)
	_, err := m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	require.Error(t, err)

	total := int32(0)
	for _, f := range fakes {
		total += f.calls.Load()
	}
	assert.Equal(t, int32(3), total, "at most MaxProviderAttempts providers are tried")
}

// steppingClock advances only when told to.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// slowFlakyClient takes callTime per call and fails the first failures calls.
type slowFlakyClient struct {
	fakeClient
	clock    *steppingClock
	callTime time.Duration
	failures int32
}

func (f *slowFlakyClient) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.DataPoint, error) {
	n := f.calls.Add(1)
	f.clock.Advance(f.callTime)
	if n <= f.failures {
		return nil, errors.New("connection reset")
	}
	return somePoints(), nil
}

func TestManager_LatencyEMA(t *testing.T) {
	t.Run("moving average", func(t *testing.T) {
		m := newTestManager(t, nil, &fakeClient{name: "a", healthy: true})

		m.recordSuccess("a", time.Second)
		assert.Equal(t, time.Second, m.Performance()["a"].AvgResponseTime)

		m.recordSuccess("a", 2*time.Second)
		assert.InDelta(t, float64(1100*time.Millisecond), float64(m.Performance()["a"].AvgResponseTime), 1)
	})

	t.Run("first success sets the average", func(t *testing.T) {
		m := newTestManager(t, nil, &fakeClient{name: "a", healthy: true})
		m.recordFailure("a")
		m.recordSuccess("a", 300*time.Millisecond)
		assert.Equal(t, 300*time.Millisecond, m.Performance()["a"].AvgResponseTime)
	})

	t.Run("retry backoff is not latency", func(t *testing.T) {
		clock := &steppingClock{t: day}
		engine := apperrors.NewRetryEngine(
			apperrors.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Second, Strategy: apperrors.StrategyFixed},
			apperrors.DefaultBreakerConfig(),
			logger.Discard(),
			apperrors.WithSleep(func(ctx context.Context, d time.Duration) error {
				clock.Advance(d)
				return nil
			}),
		)
		c := &slowFlakyClient{fakeClient: fakeClient{name: "a", healthy: true}, clock: clock, callTime: 100 * time.Millisecond, failures: 1}
		m, err := NewManager([]Client{c}, engine, nil, DefaultManagerConfig(), logger.Discard())
		require.NoError(t, err)
		m.now = clock.Now

		points, err := m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, points, 1)
		assert.Equal(t, int32(2), c.calls.Load())

		p := m.Performance()["a"]
		assert.Equal(t, 100*time.Millisecond, p.AvgResponseTime, "only the successful call is timed")
		assert.Equal(t, int64(1), p.Requests)
		assert.Equal(t, int64(1), p.Successes)
	})
}

func TestManager_BreakerTripsDuringRequest(t *testing.T) {
	a := &fakeClient{name: "a", healthy: true, err: errors.New("connection reset")}
	engine := apperrors.NewRetryEngine(
		apperrors.RetryPolicy{MaxRetries: 5, Strategy: apperrors.StrategyImmediate},
		apperrors.DefaultBreakerConfig(),
		logger.Discard(),
	)

	rec := &mockRecorder{}
	rec.On("RecordProviderCall", mock.MatchedBy(func(c models.ProviderCall) bool {
		return c.Provider == "a" && !c.Success
	})).Return(nil).Once()
	rec.On("LogError", mock.MatchedBy(func(r storage.ErrorRecord) bool {
		return r.Kind == "api_request_failed" && r.Component == "a"
	})).Return(nil).Once()

	m, err := NewManager([]Client{a}, engine, rec, DefaultManagerConfig(), logger.Discard())
	require.NoError(t, err)

	_, err = m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, int32(5), a.calls.Load())
	assert.ErrorIs(t, err, apperrors.ErrExhausted)
	assert.Contains(t, err.Error(), "connection reset", "aggregate names the real cause")
	assert.NotContains(t, err.Error(), "gave up after 0 attempts")
	rec.AssertExpectations(t)

	p := m.Performance()["a"]
	assert.Equal(t, int64(1), p.Requests)
	assert.Equal(t, int64(1), p.Failures)
	assert.Equal(t, 1, p.ConsecutiveFailures)
	assert.True(t, engine.IsOpen("a"))

	// once open, the provider is skipped without a call or a new failure
	_, err = m.FetchKlines(context.Background(), "BTCUSDT", "1h", day, day.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, int32(5), a.calls.Load())
	assert.Equal(t, int64(1), m.Performance()["a"].Failures)
}

func TestManager_TripsAndReset(t *testing.T) {
	m := newTestManager(t, nil, &fakeClient{name: "a", healthy: true})
	for i := 0; i < 6; i++ {
		m.recordFailure("a")
	}
	p := m.Performance()["a"]
	assert.Equal(t, int64(1), p.CircuitBreakerTrips)
	assert.Equal(t, 6, p.ConsecutiveFailures)
	assert.InDelta(t, 0.3-0.5, m.Score("a"), 1e-9, "penalty is capped at 0.5")

	status := m.ProviderStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "closed", status[0].BreakerState)
	assert.True(t, status[0].Healthy)

	m.ResetPerformance()
	assert.Zero(t, m.Performance()["a"].Requests)
	assert.Equal(t, 1.0, m.Score("a"))
}

func TestManager_CancelledContext(t *testing.T) {
	a := &fakeClient{name: "a", healthy: true, err: context.Canceled}
	m := newTestManager(t, nil, a, &fakeClient{name: "b", healthy: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.FetchKlines(ctx, "BTCUSDT", "1h", day, day.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManagerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	mc := ManagerConfigFrom(cfg.APIManager, cfg.CircuitBreaker)
	assert.Equal(t, DefaultManagerConfig(), mc)

	mc = ManagerConfigFrom(config.APIManagerConfig{MaxAssumedLatency: "2s", EMAAlpha: 5}, config.CircuitBreakerConfig{})
	assert.Equal(t, 2*time.Second, mc.MaxLatency)
	assert.Equal(t, 0.1, mc.EMAAlpha)
	assert.Equal(t, 3, mc.MaxProviderAttempts)
	assert.Equal(t, 5, mc.FailureThreshold)
}
