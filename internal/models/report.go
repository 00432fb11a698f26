package models

import (
	"time"
)

// ProviderPerformance holds the counters the API manager keeps per provider.
type ProviderPerformance struct {
	Name                string        `json:"name"`
	Requests            int64         `json:"requests"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	CircuitBreakerTrips int64         `json:"circuit_breaker_trips"`
}

// SuccessRate returns successes/requests, or 0 before the first request.
func (p ProviderPerformance) SuccessRate() float64 {
	if p.Requests == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Requests)
}

// ProviderStatus combines performance with current health for reporting.
type ProviderStatus struct {
	ProviderPerformance
	Healthy      bool    `json:"healthy"`
	BreakerState string  `json:"breaker_state"`
	Score        float64 `json:"score"`
}

// ProviderCall is one persisted provider request sample.
type ProviderCall struct {
	Provider     string        `json:"provider"`
	Symbol       string        `json:"symbol"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	Records      int           `json:"records"`
	Error        string        `json:"error,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// GapResult is the per-gap outcome of a backfill run.
type GapResult struct {
	GapID           string         `json:"gap_id"`
	Symbol          string         `json:"symbol"`
	Status          RecoveryStatus `json:"status"`
	Skipped         bool           `json:"skipped"`
	Reason          string         `json:"reason,omitempty"`
	Chunks          int            `json:"chunks"`
	ChunksRecovered int            `json:"chunks_recovered"`
	RecordsInserted int            `json:"records_inserted"`
	Errors          []string       `json:"errors,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// BackfillReport summarizes a backfill run.
type BackfillReport struct {
	Strategy        string        `json:"strategy"`
	TotalGaps       int           `json:"total_gaps"`
	Processed       int           `json:"processed"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	RecordsInserted int           `json:"records_inserted"`
	Results         []GapResult   `json:"results"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// Add folds one gap result into the report totals.
func (r *BackfillReport) Add(res GapResult) {
	r.Results = append(r.Results, res)
	r.RecordsInserted += res.RecordsInserted

	switch {
	case res.Skipped:
		r.Skipped++
	case res.Status == RecoveryCompleted:
		r.Processed++
		r.Completed++
	default:
		r.Processed++
		r.Failed++
	}
}

// GapReport aggregates detected gaps across symbols.
type GapReport struct {
	GeneratedAt       time.Time               `json:"generated_at"`
	DaysBack          int                     `json:"days_back"`
	TotalGaps         int                     `json:"total_gaps"`
	SymbolsAffected   int                     `json:"symbols_affected"`
	TotalMissingHours float64                 `json:"total_missing_hours"`
	AvgGapHours       float64                 `json:"avg_gap_hours"`
	MaxGapHours       float64                 `json:"max_gap_hours"`
	BySeverity        map[GapSeverity]int     `json:"by_severity"`
	BySymbol          map[string]int          `json:"by_symbol"`
	Gaps              []Gap                   `json:"gaps,omitempty"`
	Completeness      map[string]Completeness `json:"completeness,omitempty"`
}

// Completeness scores how complete a symbol's recent series is.
type Completeness struct {
	Symbol         string    `json:"symbol"`
	Score          float64   `json:"score"`
	HasData        bool      `json:"has_data"`
	ActualPoints   int       `json:"actual_points"`
	ExpectedPoints int       `json:"expected_points"`
	HoursSinceLast float64   `json:"hours_since_last"`
	GapCount       int       `json:"gap_count"`
	LastPoint      time.Time `json:"last_point,omitempty"`
}

// SeriesAnalysis is the per-symbol outcome of gap detection. InsufficientData
// distinguishes "too few points to judge" from a gap-free series.
type SeriesAnalysis struct {
	Symbol           string        `json:"symbol"`
	Points           int           `json:"points"`
	ExpectedInterval time.Duration `json:"expected_interval"`
	InsufficientData bool          `json:"insufficient_data"`
	Gaps             []Gap         `json:"gaps"`
}
