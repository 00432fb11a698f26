package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GapSeverity ranks how much data a gap is missing.
type GapSeverity string

const (
	SeverityLow    GapSeverity = "low"
	SeverityMedium GapSeverity = "medium"
	SeverityHigh   GapSeverity = "high"
)

// Rank orders severities so that higher severities compare greater.
func (s GapSeverity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// RecoveryStatus tracks the backfill lifecycle of a gap.
type RecoveryStatus string

const (
	// RecoveryPending indicates the gap has been detected but not yet recovered
	RecoveryPending RecoveryStatus = "pending"
	// RecoveryCompleted indicates at least one record was persisted for the gap
	RecoveryCompleted RecoveryStatus = "completed"
	// RecoveryFailed indicates the last recovery attempt persisted nothing
	RecoveryFailed RecoveryStatus = "failed"
)

// GapKind distinguishes interior gaps from coverage gaps at either end of a series.
type GapKind string

const (
	GapKindInterval    GapKind = "interval"
	GapKindMissingHead GapKind = "missing_start_data"
	GapKindMissingTail GapKind = "missing_recent_data"
)

// gapNamespace seeds deterministic gap IDs so re-detection of the same
// range maps onto the same stored row.
var gapNamespace = uuid.MustParse("6f1c0b8e-3f55-4d0c-9a7e-8a1f2c0de5a1")

// Gap is a missing interval in an otherwise regular series.
type Gap struct {
	ID                  string         `json:"id" db:"id"`
	Symbol              string         `json:"symbol" db:"symbol"`
	Start               time.Time      `json:"start" db:"start_time"`
	End                 time.Time      `json:"end" db:"end_time"`
	DurationHours       float64        `json:"duration_hours" db:"duration_hours"`
	Severity            GapSeverity    `json:"severity" db:"severity"`
	Kind                GapKind        `json:"kind" db:"kind"`
	RecoveryStatus      RecoveryStatus `json:"recovery_status" db:"recovery_status"`
	RecoveryAttempts    int            `json:"recovery_attempts" db:"recovery_attempts"`
	LastRecoveryAttempt *time.Time     `json:"last_recovery_attempt,omitempty" db:"last_recovery_attempt"`
	DetectedAt          time.Time      `json:"detected_at" db:"detected_at"`
}

// GapID derives the stable identifier of a gap from its symbol and range.
func GapID(symbol string, start, end time.Time) string {
	name := fmt.Sprintf("%s|%d|%d", symbol, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	return uuid.NewSHA1(gapNamespace, []byte(name)).String()
}

// NewGap creates a pending gap over [start, end).
func NewGap(symbol string, start, end time.Time, severity GapSeverity, kind GapKind) (*Gap, error) {
	gap := &Gap{
		ID:             GapID(symbol, start, end),
		Symbol:         symbol,
		Start:          start.UTC(),
		End:            end.UTC(),
		DurationHours:  end.Sub(start).Hours(),
		Severity:       severity,
		Kind:           kind,
		RecoveryStatus: RecoveryPending,
		DetectedAt:     time.Now().UTC(),
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return gap, nil
}

// Validate checks the structural invariants of a gap.
func (g *Gap) Validate() error {
	if g.Symbol == "" {
		return errors.New("gap symbol cannot be empty")
	}
	if g.Start.IsZero() || g.End.IsZero() {
		return errors.New("gap bounds cannot be zero")
	}
	if !g.End.After(g.Start) {
		return errors.New("gap end must be after start")
	}

	switch g.RecoveryStatus {
	case RecoveryPending, RecoveryCompleted, RecoveryFailed:
	default:
		return fmt.Errorf("invalid recovery status: %s", g.RecoveryStatus)
	}

	switch g.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return fmt.Errorf("invalid severity: %s", g.Severity)
	}
	return nil
}

// Duration returns the length of the gap.
func (g *Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// Age is measured from the gap start, which is what the backfill age limit
// is defined against.
func (g *Gap) Age(now time.Time) time.Duration {
	return now.Sub(g.Start)
}

// IsCompleted reports whether the gap needs no further recovery.
func (g *Gap) IsCompleted() bool {
	return g.RecoveryStatus == RecoveryCompleted
}

// RecordAttempt applies the outcome of one recovery attempt. The gap only
// becomes completed when records were inserted for its range.
func (g *Gap) RecordAttempt(inserted int, at time.Time) {
	g.RecoveryAttempts++
	t := at.UTC()
	g.LastRecoveryAttempt = &t

	if inserted > 0 {
		g.RecoveryStatus = RecoveryCompleted
		return
	}
	g.RecoveryStatus = RecoveryFailed
}

// BackfillChunk is one bounded slice of a gap fetched in a single request.
type BackfillChunk struct {
	GapID  string    `json:"gap_id,omitempty"`
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Index  int       `json:"index"`
}

// Chunks splits the gap into consecutive chunks of at most size. The chunks
// tile [Start, End) in chronological order without overlap.
func (g *Gap) Chunks(size time.Duration) []BackfillChunk {
	if size <= 0 || !g.End.After(g.Start) {
		return nil
	}

	chunks := make([]BackfillChunk, 0, int(g.Duration()/size)+1)
	for cur, i := g.Start, 0; cur.Before(g.End); i++ {
		next := cur.Add(size)
		if next.After(g.End) {
			next = g.End
		}
		chunks = append(chunks, BackfillChunk{
			GapID:  g.ID,
			Symbol: g.Symbol,
			Start:  cur,
			End:    next,
			Index:  i,
		})
		cur = next
	}
	return chunks
}

// GapFilter selects stored gaps. Zero values match everything.
type GapFilter struct {
	Symbol   string
	Statuses []RecoveryStatus
	Since    time.Time
	Limit    int
}

// Matches reports whether a gap satisfies the filter.
func (f GapFilter) Matches(g Gap) bool {
	if f.Symbol != "" && g.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && g.End.Before(f.Since) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if g.RecoveryStatus == s {
			return true
		}
	}
	return false
}
