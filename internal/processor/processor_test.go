package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestProcessor(workers, queue int, handlers map[string]Handler) *Processor {
	return New(Config{MaxWorkers: workers, MaxQueueSize: queue}, handlers, logger.Discard())
}

func echo(ctx context.Context, task models.Task) (any, error) {
	return task.Symbol, nil
}

func stopProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := newTestProcessor(1, 3, map[string]Handler{"op": echo})

	for i := 0; i < 3; i++ {
		_, err := p.Submit("BTCUSDT", "op", nil, 0)
		require.NoError(t, err)
	}

	start := time.Now()
	id, err := p.Submit("BTCUSDT", "op", nil, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "full queue must fail immediately")
	assert.Empty(t, id)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	assert.True(t, apperrors.IsRetryable(err))

	stats := p.Stats()
	assert.Equal(t, 3, stats.QueueSize)
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestPriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, task models.Task) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, task.Symbol)
		return nil, nil
	}

	p := newTestProcessor(1, 10, map[string]Handler{"op": record})
	for _, s := range []struct {
		symbol   string
		priority int
	}{
		{"low", 1},
		{"high-a", 10},
		{"mid", 5},
		{"high-b", 10},
		{"low-b", 1},
	} {
		_, err := p.Submit(s.symbol, "op", nil, s.priority)
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer stopProcessor(t, p)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForCompletion(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-a", "high-b", "mid", "low", "low-b"}, order)
}

func TestTaskOutcomes(t *testing.T) {
	handlers := map[string]Handler{
		"ok": echo,
		"fail": func(ctx context.Context, task models.Task) (any, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
		"panic": func(ctx context.Context, task models.Task) (any, error) {
			panic("nil candle")
		},
	}

	tests := []struct {
		name        string
		operation   string
		wantSuccess bool
		wantData    any
		wantError   string
	}{
		{"success", "ok", true, "ETHUSDT", ""},
		{"handler error", "fail", false, nil, "upstream unavailable"},
		{"panic is captured", "panic", false, nil, "task panicked: nil candle"},
		{"unknown operation", "reticulate", false, nil, `unknown operation "reticulate"`},
	}

	p := newTestProcessor(2, 10, handlers)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer stopProcessor(t, p)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := p.Submit("ETHUSDT", tt.operation, nil, 0)
			require.NoError(t, err)

			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			result, err := p.Wait(waitCtx, id)
			require.NoError(t, err)

			assert.Equal(t, id, result.TaskID)
			assert.Equal(t, tt.operation, result.Operation)
			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.wantData, result.Data)
			assert.Equal(t, tt.wantError, result.Error)
			assert.False(t, result.CompletedAt.IsZero())

			stored, ok := p.Status(id)
			require.True(t, ok)
			assert.Equal(t, result, stored)
		})
	}

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(3), stats.Failed)
	assert.InDelta(t, 0.25, stats.SuccessRate(), 1e-9)
}

func TestStatusUnknownTask(t *testing.T) {
	p := newTestProcessor(1, 1, nil)
	_, ok := p.Status("missing")
	assert.False(t, ok)

	_, err := p.Wait(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStopFailsQueuedTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(ctx context.Context, task models.Task) (any, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := newTestProcessor(1, 10, map[string]Handler{"block": blocking, "op": echo})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	running, err := p.Submit("BTCUSDT", "block", nil, 10)
	require.NoError(t, err)
	<-started

	queued := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		id, err := p.Submit("ETHUSDT", "op", nil, 0)
		require.NoError(t, err)
		queued = append(queued, id)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	r, ok := p.Status(running)
	require.True(t, ok, "in-flight task result should remain queryable")
	assert.True(t, r.Success)
	assert.Equal(t, "done", r.Data)

	for _, id := range queued {
		r, ok := p.Status(id)
		require.True(t, ok)
		assert.False(t, r.Success)
		assert.Equal(t, "processor stopped", r.Error)
	}

	_, err = p.Submit("SOLUSDT", "op", nil, 0)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, p.Stats().Running)

	// second stop is a no-op
	assert.NoError(t, p.Stop(stopCtx))
}

func TestStopCancelsInFlightAfterDeadline(t *testing.T) {
	started := make(chan struct{})
	blocking := func(ctx context.Context, task models.Task) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := newTestProcessor(1, 10, map[string]Handler{"block": blocking})
	require.NoError(t, p.Start(context.Background()))

	id, err := p.Submit("BTCUSDT", "block", nil, 0)
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r, ok := p.Status(id)
	require.True(t, ok)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "context canceled")
}

func TestStopReturnsWhenHandlerIgnoresCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	stubborn := func(ctx context.Context, task models.Task) (any, error) {
		close(started)
		<-release
		return "late", nil
	}

	p := New(Config{MaxWorkers: 1, MaxQueueSize: 10, StopGrace: 50 * time.Millisecond},
		map[string]Handler{"stubborn": stubborn}, logger.Discard())
	require.NoError(t, p.Start(context.Background()))
	defer close(release)

	_, err := p.Submit("BTCUSDT", "stubborn", nil, 0)
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	returned := make(chan error, 1)
	go func() { returned <- p.Stop(stopCtx) }()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a handler that ignores its context")
	}
}

func TestStartTwice(t *testing.T) {
	p := newTestProcessor(1, 1, nil)
	require.NoError(t, p.Start(context.Background()))
	defer stopProcessor(t, p)
	assert.Error(t, p.Start(context.Background()))
}

func TestClearCompleted(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	p := newTestProcessor(2, 10, map[string]Handler{"op": echo})
	p.now = clock.Now

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer stopProcessor(t, p)

	for i := 0; i < 3; i++ {
		_, err := p.Submit("BTCUSDT", "op", nil, 0)
		require.NoError(t, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForCompletion(waitCtx))

	clock.Advance(2 * time.Hour)
	fresh, err := p.Submit("ETHUSDT", "op", nil, 0)
	require.NoError(t, err)
	_, err = p.Wait(waitCtx, fresh)
	require.NoError(t, err)

	assert.Equal(t, 0, p.ClearCompleted(3*time.Hour))
	assert.Equal(t, 3, p.ClearCompleted(time.Hour))
	assert.Equal(t, 1, p.Stats().RetainedResults)

	_, ok := p.Status(fresh)
	assert.True(t, ok)
}

func TestWaitForCompletionHonoursContext(t *testing.T) {
	p := newTestProcessor(1, 10, map[string]Handler{"op": echo})
	_, err := p.Submit("BTCUSDT", "op", nil, 0)
	require.NoError(t, err)

	// never started, so the queue never drains
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitForCompletion(ctx), context.DeadlineExceeded)
}

func TestRegister(t *testing.T) {
	p := newTestProcessor(1, 10, nil)
	p.Register("late", echo)
	require.NoError(t, p.Start(context.Background()))
	defer stopProcessor(t, p)

	id, err := p.Submit("ADAUSDT", "late", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := p.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ProcessorConfig{
		MaxWorkers:      8,
		MaxQueueSize:    50,
		ResultRetention: "2h",
		StopTimeout:     "bogus",
	})
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.MaxQueueSize)
	assert.Equal(t, 2*time.Hour, cfg.ResultRetention)
	assert.Equal(t, DefaultConfig().StopTimeout, cfg.StopTimeout)

	defaults := ConfigFrom(config.ProcessorConfig{})
	assert.Equal(t, 5, defaults.MaxWorkers)
	assert.Equal(t, 1000, defaults.MaxQueueSize)
}
