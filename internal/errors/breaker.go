package errors

import (
	"sort"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// BreakerConfig configures every breaker in a registry.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration // OPEN → HALF_OPEN cooldown
	FailureWindow    time.Duration // failures older than this are forgotten
}

// DefaultBreakerConfig returns threshold 5, 60s cooldown, 300s window.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		FailureWindow:    300 * time.Second,
	}
}

// BreakerState is a point-in-time snapshot of one breaker.
type BreakerState struct {
	Component       string       `json:"component"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	OpenedAt        time.Time    `json:"opened_at,omitempty"`
	Trips           int          `json:"trips"`
}

type circuitBreaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialActive bool
	trips       int
}

// BreakerRegistry holds one breaker per component key. Breakers are created
// lazily in the CLOSED state.
type BreakerRegistry struct {
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig, now func() time.Time) *BreakerRegistry {
	if now == nil {
		now = time.Now
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &BreakerRegistry{
		config:   cfg,
		now:      now,
		breakers: make(map[string]*circuitBreaker),
	}
}

func (r *BreakerRegistry) get(component string) *circuitBreaker {
	cb, ok := r.breakers[component]
	if !ok {
		cb = &circuitBreaker{state: StateClosed}
		r.breakers[component] = cb
	}
	return cb
}

// Allow decides whether a call for component may proceed. An OPEN breaker
// whose cooldown has elapsed moves to HALF_OPEN and admits exactly one trial.
func (r *BreakerRegistry) Allow(component string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(component)
	switch cb.state {
	case StateOpen:
		if r.now().Sub(cb.lastFailure) < r.config.Timeout {
			return CircuitOpen(component)
		}
		cb.state = StateHalfOpen
		cb.trialActive = true
		return nil
	case StateHalfOpen:
		if cb.trialActive {
			return CircuitOpen(component)
		}
		cb.trialActive = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes a HALF_OPEN breaker and decays the failure count of a
// CLOSED one.
func (r *BreakerRegistry) RecordSuccess(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(component)
	cb.trialActive = false
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
	case StateClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

// RecordFailure counts a failure and reports whether it tripped the breaker.
func (r *BreakerRegistry) RecordFailure(component string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cb := r.get(component)
	cb.trialActive = false

	if cb.state == StateHalfOpen {
		cb.failures++
		cb.lastFailure = now
		cb.state = StateOpen
		cb.openedAt = now
		cb.trips++
		return true
	}

	if !cb.lastFailure.IsZero() && r.config.FailureWindow > 0 && now.Sub(cb.lastFailure) > r.config.FailureWindow {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now

	if cb.state == StateClosed && cb.failures >= r.config.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = now
		cb.trips++
		return true
	}
	return false
}

// Release frees a HALF_OPEN trial slot without recording an outcome, used
// when the caller itself was cancelled.
func (r *BreakerRegistry) Release(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[component]; ok {
		cb.trialActive = false
	}
}

// IsOpen reports whether calls for component are currently rejected without
// a trial, that is OPEN and still inside the cooldown.
func (r *BreakerRegistry) IsOpen(component string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[component]
	if !ok {
		return false
	}
	return cb.state == StateOpen && r.now().Sub(cb.lastFailure) < r.config.Timeout
}

// State returns a snapshot of component's breaker.
func (r *BreakerRegistry) State(component string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[component]
	if !ok {
		return BreakerState{Component: component, State: StateClosed}
	}
	return snapshot(component, cb)
}

// States returns snapshots of every known breaker sorted by component.
func (r *BreakerRegistry) States() []BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerState, 0, len(r.breakers))
	for name, cb := range r.breakers {
		out = append(out, snapshot(name, cb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

func snapshot(component string, cb *circuitBreaker) BreakerState {
	return BreakerState{
		Component:       component,
		State:           cb.state,
		FailureCount:    cb.failures,
		LastFailureTime: cb.lastFailure,
		OpenedAt:        cb.openedAt,
		Trips:           cb.trips,
	}
}

// Reset returns component's breaker to CLOSED with no failures.
func (r *BreakerRegistry) Reset(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, component)
}

// ResetAll closes every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*circuitBreaker)
}
