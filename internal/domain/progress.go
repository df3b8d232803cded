package domain

import "time"

// BatchStatus is the lifecycle state of a batch run.
type BatchStatus string

const (
	// BatchIdle means no run has started yet.
	BatchIdle BatchStatus = "idle"
	// BatchRunning means a run is in progress.
	BatchRunning BatchStatus = "running"
	// BatchCompleted means the run processed every message.
	BatchCompleted BatchStatus = "completed"
	// BatchCancelled means the run was stopped at a chunk boundary.
	BatchCancelled BatchStatus = "cancelled"
	// BatchError means the run died to an unhandled failure.
	BatchError BatchStatus = "error"
)

// Terminal reports whether the status ends a run.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled || s == BatchError
}

// BatchProgress tracks one batch run. Persisted after every chunk so a
// concurrent observer can poll it.
//
// Invariants: Processed <= Total, Successful+Failed <= Processed.
type BatchProgress struct {
	RunID        string      `db:"run_id"        json:"run_id"`
	Status       BatchStatus `db:"status"        json:"status"`
	Total        int         `db:"total"         json:"total"`
	Processed    int         `db:"processed"     json:"processed"`
	Successful   int         `db:"successful"    json:"successful"`
	Failed       int         `db:"failed"        json:"failed"`
	StartTime    time.Time   `db:"start_time"    json:"start_time"`
	EndTime      *time.Time  `db:"end_time"      json:"end_time,omitempty"`
	ErrorMessage string      `db:"error_message" json:"error_message,omitempty"`
}

// FlaggedTag records a tag that missed its threshold and was withheld for
// human review.
type FlaggedTag struct {
	Tag           string `json:"tag"`
	Confidence    int    `json:"confidence"`
	Threshold     int    `json:"threshold"`
	ThresholdType string `json:"threshold_type"` // "custom" or "global"
}
