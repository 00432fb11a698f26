// Package metrics serves the ingestor's status as JSON over HTTP: provider
// performance, breaker states, task processor and backfill counters, plus
// process level runtime figures.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// StatusSource provides the snapshots the endpoints render. *collector.Ingestor
// satisfies it.
type StatusSource interface {
	Status(ctx context.Context) collector.Status
	Health(ctx context.Context) collector.HealthStatus
}

var _ StatusSource = (*collector.Ingestor)(nil)

// SystemMetrics are process level runtime figures.
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	HeapInuse      uint64 `json:"heap_inuse"`
	StackInuse     uint64 `json:"stack_inuse"`
}

// Snapshot is the body of the metrics endpoint.
type Snapshot struct {
	Timestamp    time.Time        `json:"timestamp"`
	Uptime       time.Duration    `json:"uptime"`
	Ingestor     collector.Status `json:"ingestor"`
	System       SystemMetrics    `json:"system"`
	RequestCount int64            `json:"request_count"`
	ErrorCount   int64            `json:"error_count"`
}

// Server is the HTTP status endpoint.
type Server struct {
	config    config.MetricsConfig
	source    StatusSource
	logger    *slog.Logger
	startTime time.Time

	server   *http.Server
	listener net.Listener

	requests atomic.Int64
	errors   atomic.Int64
}

// New creates a server. Nothing listens until Start.
func New(cfg config.MetricsConfig, source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{
		config:    cfg,
		source:    source,
		logger:    logger.With("component", "metrics"),
		startTime: time.Now(),
	}
}

// Handler returns the routes: the metrics path, /health and /ready.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReadiness)
	return s.count(mux)
}

// Start listens on the configured port. It is a no-op when metrics are
// disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("metrics endpoint disabled")
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String(), "path", s.config.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down metrics server", "error", err)
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// Snapshot builds the metrics body.
func (s *Server) Snapshot(ctx context.Context) Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Snapshot{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime),
		Ingestor:  s.source.Status(ctx),
		System: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			GCPauseNs:      m.PauseTotalNs,
			HeapAlloc:      m.HeapAlloc,
			HeapSys:        m.HeapSys,
			HeapInuse:      m.HeapInuse,
			StackInuse:     m.StackInuse,
		},
		RequestCount: s.requests.Load(),
		ErrorCount:   s.errors.Load(),
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.source.Health(r.Context())
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status(r.Context())
	if st.Status == collector.StatusStopped {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "ingestor is not running",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// count tracks requests and 5xx responses.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.code >= 500 {
			s.errors.Add(1)
		}
	})
}
