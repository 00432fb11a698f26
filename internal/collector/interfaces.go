package collector

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// IngestorStatus is the overall operational state of the ingestor.
type IngestorStatus string

const (
	StatusStopped  IngestorStatus = "stopped"
	StatusRunning  IngestorStatus = "running"
	StatusDegraded IngestorStatus = "degraded"
)

// Status is a point-in-time snapshot of every component.
type Status struct {
	Status        IngestorStatus                      `json:"status"`
	Symbols       []string                            `json:"symbols"`
	LastDataFetch *time.Time                          `json:"last_data_fetch,omitempty"`
	Providers     []models.ProviderStatus             `json:"providers"`
	Breakers      []apperrors.BreakerState            `json:"circuit_breakers"`
	Retries       map[string]apperrors.ComponentStats `json:"retries"`
	Processor     models.ProcessingStats              `json:"processor"`
	Backfill      gaps.BackfillStats                  `json:"backfill"`
	Ingest        IngestMetrics                       `json:"ingest"`
	Storage       *storage.StorageStats               `json:"storage,omitempty"`
	RecentErrors  []storage.ErrorRecord               `json:"recent_errors,omitempty"`
	GeneratedAt   time.Time                           `json:"generated_at"`
}

// HealthStatus is the result of a health check.
type HealthStatus struct {
	Status      IngestorStatus    `json:"status"`
	Healthy     bool              `json:"healthy"`
	LastChecked time.Time         `json:"last_checked"`
	Components  []ComponentHealth `json:"components"`
}

// ComponentHealth is the health of one component.
type ComponentHealth struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	LastError    string        `json:"last_error,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
}

// recentErrorLimit caps the errors included in a status snapshot.
const recentErrorLimit = 10

// Status collects provider, breaker, processor, backfill and storage state.
// Storage failures are logged and leave the corresponding fields empty.
func (in *Ingestor) Status(ctx context.Context) Status {
	s := Status{
		Status:      StatusStopped,
		Symbols:     in.Symbols(ctx),
		Providers:   in.providers.ProviderStatus(),
		Breakers:    in.engine.States(),
		Retries:     in.engine.Stats(),
		Processor:   in.processor.Stats(),
		Backfill:    in.backfiller.Stats(),
		Ingest:      in.metrics.snapshot(),
		GeneratedAt: in.now().UTC(),
	}
	if in.running.Load() {
		s.Status = StatusRunning
		for _, b := range s.Breakers {
			if b.State != apperrors.StateClosed {
				s.Status = StatusDegraded
				break
			}
		}
	}

	if ts := in.lastFetch.Load(); ts != 0 {
		t := time.Unix(0, ts).UTC()
		s.LastDataFetch = &t
	} else if v, err := in.store.GetConfig(ctx, KeyLastDataFetch, ""); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.LastDataFetch = &t
		}
	}

	if stats, err := in.store.GetStats(ctx); err != nil {
		in.logger.Warn("failed to read storage stats", "error", err)
	} else {
		s.Storage = stats
	}
	if errs, err := in.store.RecentErrors(ctx, recentErrorLimit); err != nil {
		in.logger.Warn("failed to read recent errors", "error", err)
	} else {
		s.RecentErrors = errs
	}
	return s
}

// Health checks storage, providers and the task processor.
func (in *Ingestor) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{LastChecked: in.now().UTC(), Healthy: true, Status: StatusRunning}

	check := func(name string, fn func() error) {
		start := time.Now()
		err := fn()
		c := ComponentHealth{Name: name, Healthy: err == nil, ResponseTime: time.Since(start)}
		if err != nil {
			c.LastError = err.Error()
			h.Healthy = false
		}
		h.Components = append(h.Components, c)
	}

	check("storage", func() error { return in.store.HealthCheck(ctx) })
	check("providers", func() error {
		for _, p := range in.providers.ProviderStatus() {
			if p.Healthy {
				return nil
			}
		}
		return fmt.Errorf("no healthy provider")
	})
	check("processor", func() error {
		if !in.processor.Stats().Running {
			return fmt.Errorf("task processor is not running")
		}
		return nil
	})

	if !h.Healthy {
		h.Status = StatusDegraded
	}
	if !in.running.Load() {
		h.Status = StatusStopped
	}
	return h
}
