package models

import (
	"time"
)

// Operation names understood by the task processor.
const (
	OperationFetchRecent          = "fetch_recent_data"
	OperationFetchHistoricalChunk = "fetch_historical_chunk"
	OperationValidateData         = "validate_data"
)

// Task is a unit of work queued on the parallel task processor. Higher
// Priority values run first.
type Task struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskResult is the recorded outcome of a task.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Symbol        string        `json:"symbol"`
	Operation     string        `json:"operation"`
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// ProcessingStats summarizes the task processor.
type ProcessingStats struct {
	Running          bool          `json:"running"`
	Workers          int           `json:"workers"`
	ActiveWorkers    int           `json:"active_workers"`
	QueueSize        int           `json:"queue_size"`
	MaxQueueSize     int           `json:"max_queue_size"`
	Submitted        int64         `json:"submitted"`
	Rejected         int64         `json:"rejected"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	RetainedResults  int           `json:"retained_results"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// SuccessRate returns the fraction of finished tasks that succeeded.
func (s ProcessingStats) SuccessRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(total)
}
