package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyImmediate   Strategy = "immediate"
)

// jitterRatio is the largest fraction of a delay added as jitter.
const jitterRatio = 0.1

// RetryPolicy bounds the attempts made for one component.
type RetryPolicy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Strategy         Strategy
	Jitter           bool
	MaxTotalDuration time.Duration // 0 disables the ceiling
}

// DefaultRetryPolicy returns 3 retries, exponential from 1s to 60s with
// jitter, and a 5 minute ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         60 * time.Second,
		Strategy:         StrategyExponential,
		Jitter:           true,
		MaxTotalDuration: 5 * time.Minute,
	}
}

// PolicyFromConfig converts a configured retry section.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	def := DefaultRetryPolicy()
	p := RetryPolicy{
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        config.Duration(cfg.BaseDelay, def.BaseDelay),
		MaxDelay:         config.Duration(cfg.MaxDelay, def.MaxDelay),
		Strategy:         Strategy(cfg.Strategy),
		Jitter:           cfg.Jitter,
		MaxTotalDuration: config.Duration(cfg.MaxTotalDuration, def.MaxTotalDuration),
	}
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	return p
}

// Delay returns the un-jittered delay before retry number attempt (0-based).
func Delay(strategy Strategy, base, max time.Duration, attempt int) time.Duration {
	var d time.Duration
	switch strategy {
	case StrategyImmediate:
		return 0
	case StrategyFixed:
		return base
	case StrategyLinear:
		d = base * time.Duration(attempt+1)
	default:
		if attempt >= 62 {
			return max
		}
		d = base << uint(attempt)
		if d < base {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// strategyBackOff adapts a Strategy to backoff.BackOff.
type strategyBackOff struct {
	policy  RetryPolicy
	attempt int
	rand    func() float64
}

func (b *strategyBackOff) NextBackOff() time.Duration {
	d := Delay(b.policy.Strategy, b.policy.BaseDelay, b.policy.MaxDelay, b.attempt)
	b.attempt++
	if b.policy.Jitter && d > 0 {
		d += time.Duration(float64(d) * jitterRatio * b.rand())
	}
	return d
}

func (b *strategyBackOff) Reset() { b.attempt = 0 }

// NewBackOff returns a backoff.BackOff that yields MaxRetries delays for p
// and then backoff.Stop.
func NewBackOff(p RetryPolicy) backoff.BackOff {
	return backoff.WithMaxRetries(&strategyBackOff{policy: p, rand: rand.Float64}, uint64(max(p.MaxRetries, 0)))
}

// ComponentStats counts outcomes per component.
type ComponentStats struct {
	Calls      int64 `json:"calls"`
	Attempts   int64 `json:"attempts"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Rejections int64 `json:"rejections"`
	Exhausted  int64 `json:"exhausted"`
}

// RetryEngine runs operations with bounded retries behind per-component
// circuit breakers.
type RetryEngine struct {
	policy   RetryPolicy
	policies map[string]RetryPolicy
	breakers *BreakerRegistry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64

	mu    sync.Mutex
	stats map[string]*ComponentStats
}

// Option customises a RetryEngine.
type Option func(*RetryEngine)

// WithClock sets the clock used by the breakers.
func WithClock(now func() time.Time) Option {
	return func(e *RetryEngine) { e.breakers.now = now }
}

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *RetryEngine) { e.sleep = sleep }
}

// WithComponentPolicy overrides the retry policy for one component.
func WithComponentPolicy(component string, p RetryPolicy) Option {
	return func(e *RetryEngine) { e.policies[component] = p }
}

// NewRetryEngine creates a retry engine.
func NewRetryEngine(policy RetryPolicy, breaker BreakerConfig, logger *slog.Logger, opts ...Option) *RetryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RetryEngine{
		policy:   policy,
		policies: make(map[string]RetryPolicy),
		breakers: NewBreakerRegistry(breaker, nil),
		logger:   logger.With("component", "retry_engine"),
		sleep:    sleepContext,
		rand:     rand.Float64,
		stats:    make(map[string]*ComponentStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRetryEngineFromConfig builds an engine from the retry and breaker
// configuration sections, including per-component policies.
func NewRetryEngineFromConfig(retry config.RetryConfig, cb config.CircuitBreakerConfig, logger *slog.Logger, opts ...Option) *RetryEngine {
	def := DefaultBreakerConfig()
	breaker := BreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		Timeout:          config.Duration(cb.Timeout, def.Timeout),
		FailureWindow:    config.Duration(cb.FailureWindow, def.FailureWindow),
	}
	for name, p := range retry.ComponentPolicies {
		opts = append([]Option{WithComponentPolicy(name, PolicyFromConfig(p))}, opts...)
	}
	return NewRetryEngine(PolicyFromConfig(retry), breaker, logger, opts...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Breakers exposes the breaker registry.
func (e *RetryEngine) Breakers() *BreakerRegistry { return e.breakers }

func (e *RetryEngine) policyFor(component string) RetryPolicy {
	if p, ok := e.policies[component]; ok {
		return p
	}
	return e.policy
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// the attempt budget or total-duration ceiling is spent. A call rejected by
// an open breaker fails fast with a circuit_open error and does not invoke
// op. When the breaker opens between attempts the result is Exhausted,
// naming the last failure and still matching ErrCircuitOpen.
func (e *RetryEngine) Execute(ctx context.Context, component string, op func(ctx context.Context) error) error {
	policy := e.policyFor(component)
	parent := ctx
	if policy.MaxTotalDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.MaxTotalDuration)
		defer cancel()
	}

	bo := &strategyBackOff{policy: policy, rand: e.rand}
	schedule := backoff.WithMaxRetries(bo, uint64(max(policy.MaxRetries, 0)))

	e.bump(component, func(s *ComponentStats) { s.Calls++ })

	attempts := 0
	var lastErr error
	for {
		if err := e.breakers.Allow(component); err != nil {
			e.bump(component, func(s *ComponentStats) { s.Rejections++ })
			if attempts == 0 {
				e.logger.Debug("call rejected by open circuit", "target", component)
				return err
			}
			// tripped by this call's own failures; name the last cause
			e.logger.Warn("circuit opened during retries", "target", component, "attempts", attempts)
			lastErr = fmt.Errorf("%w (%w)", lastErr, err)
			break
		}

		attempts++
		e.bump(component, func(s *ComponentStats) { s.Attempts++ })

		err := op(ctx)
		if err == nil {
			e.breakers.RecordSuccess(component)
			e.bump(component, func(s *ComponentStats) { s.Successes++ })
			return nil
		}

		if parent.Err() != nil {
			e.breakers.Release(component)
			return parent.Err()
		}

		tripped := e.breakers.RecordFailure(component)
		e.bump(component, func(s *ComponentStats) { s.Failures++ })

		ce := Classify(err)
		if ce.Component == "" {
			ce.Component = component
		}
		ce.Attempts = attempts
		lastErr = ce

		e.logger.Warn("attempt failed",
			"target", component,
			"attempt", attempts,
			"max_attempts", policy.MaxRetries+1,
			"kind", ce.Kind,
			"retryable", ce.Retryable,
			"tripped", tripped,
			"error", err)

		if !ce.Retryable {
			return ce
		}

		next := schedule.NextBackOff()
		if next == backoff.Stop {
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < next {
			e.logger.Warn("retry ceiling reached", "target", component, "attempts", attempts)
			break
		}
		if err := e.sleep(ctx, next); err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			break
		}
	}

	e.bump(component, func(s *ComponentStats) { s.Exhausted++ })
	e.logger.Error("retries exhausted", "target", component, "attempts", attempts, "error", lastErr)
	return Exhausted(component, attempts, lastErr)
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *RetryEngine, component string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, component, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *RetryEngine) bump(component string, fn func(*ComponentStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[component]
	if !ok {
		s = &ComponentStats{}
		e.stats[component] = s
	}
	fn(s)
}

// Stats returns a copy of the per-component counters.
func (e *RetryEngine) Stats() map[string]ComponentStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ComponentStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

// IsOpen reports whether component's breaker rejects calls right now.
func (e *RetryEngine) IsOpen(component string) bool { return e.breakers.IsOpen(component) }

// State returns a snapshot of component's breaker.
func (e *RetryEngine) State(component string) BreakerState { return e.breakers.State(component) }

// States returns snapshots of every breaker.
func (e *RetryEngine) States() []BreakerState { return e.breakers.States() }

// Reset closes component's breaker.
func (e *RetryEngine) Reset(component string) { e.breakers.Reset(component) }

// ResetAll closes every breaker.
func (e *RetryEngine) ResetAll() {
	e.breakers.ResetAll()
	e.logger.Info("all circuit breakers reset")
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }
