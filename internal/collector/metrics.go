package collector

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// IngestMetrics summarizes live and historical ingestion.
type IngestMetrics struct {
	Fetches          int64           `json:"fetches"`
	Errors           int64           `json:"errors"`
	SuccessRate      float64         `json:"success_rate"`
	PointsFetched    int64           `json:"points_fetched"`
	PointsInserted   int64           `json:"points_inserted"`
	AvgFetchDuration time.Duration   `json:"avg_fetch_duration"`
	Validation       ValidationStats `json:"validation"`
	MemoryUsageMB    int64           `json:"memory_usage_mb"`
	Uptime           time.Duration   `json:"uptime"`
}

// ValidationStats aggregates validator verdicts over the recent window.
type ValidationStats struct {
	Batches      int64   `json:"batches"`
	Rejected     int64   `json:"rejected"`
	Warnings     int64   `json:"warnings"`
	QualityScore float64 `json:"quality_score"`
}

// qualityWindow bounds how many recent quality scores are averaged.
const qualityWindow = 100

type ingestMetrics struct {
	fetches        atomic.Int64
	errors         atomic.Int64
	pointsFetched  atomic.Int64
	pointsInserted atomic.Int64
	fetchNanos     atomic.Int64

	batches  atomic.Int64
	rejected atomic.Int64
	warnings atomic.Int64

	mu        sync.Mutex
	qualities []float64
	startTime time.Time
}

func newIngestMetrics() *ingestMetrics {
	return &ingestMetrics{startTime: time.Now()}
}

func (m *ingestMetrics) recordSuccess(d time.Duration, fetched, inserted int) {
	m.fetches.Add(1)
	m.fetchNanos.Add(int64(d))
	m.pointsFetched.Add(int64(fetched))
	m.pointsInserted.Add(int64(inserted))
}

func (m *ingestMetrics) recordError() {
	m.errors.Add(1)
}

func (m *ingestMetrics) recordValidation(r models.ValidationResult) {
	m.batches.Add(1)
	m.warnings.Add(int64(len(r.Warnings)))
	if !r.IsValid {
		m.rejected.Add(1)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.qualities) >= qualityWindow {
		m.qualities = m.qualities[1:]
	}
	m.qualities = append(m.qualities, r.QualityScore)
}

func (m *ingestMetrics) snapshot() IngestMetrics {
	fetches := m.fetches.Load()
	errs := m.errors.Load()

	s := IngestMetrics{
		Fetches:        fetches,
		Errors:         errs,
		PointsFetched:  m.pointsFetched.Load(),
		PointsInserted: m.pointsInserted.Load(),
		Validation: ValidationStats{
			Batches:  m.batches.Load(),
			Rejected: m.rejected.Load(),
			Warnings: m.warnings.Load(),
		},
		MemoryUsageMB: memoryUsageMB(),
	}
	if total := fetches + errs; total > 0 {
		s.SuccessRate = float64(fetches) / float64(total)
	}
	if fetches > 0 {
		s.AvgFetchDuration = time.Duration(m.fetchNanos.Load() / fetches)
	}

	m.mu.Lock()
	if len(m.qualities) > 0 {
		var sum float64
		for _, q := range m.qualities {
			sum += q
		}
		s.Validation.QualityScore = sum / float64(len(m.qualities))
	}
	s.Uptime = time.Since(m.startTime)
	m.mu.Unlock()
	return s
}

func memoryUsageMB() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Alloc / 1024 / 1024)
}
