package domain

import "time"

// BatchStatus represents the state of a batch run.
type BatchStatus string

// Batch statuses.
const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// BatchKind distinguishes the daily automatic pool, explicit requests and
// periodic sweeps of scheduled sends and follow-ups.
type BatchKind string

// Batch kinds.
const (
	BatchKindDaily  BatchKind = "daily"
	BatchKindManual BatchKind = "manual"
	BatchKindSweep  BatchKind = "sweep"
)

// Outcome is the per-lead result of one orchestrator pass.
type Outcome string

// Outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Batch is one bounded run of the orchestrator over a set of leads.
type Batch struct {
	ID          string      `json:"id"`
	Kind        BatchKind   `json:"kind"`
	Status      BatchStatus `json:"status"`
	Total       int         `json:"total"`
	Processed   int         `json:"processed"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at"`
}

// Progress returns the processed share of the batch in percent.
func (b *Batch) Progress() float64 {
	if b.Total <= 0 {
		return 0
	}
	return float64(b.Processed) / float64(b.Total) * 100
}

// IsRunning reports whether the batch still accepts results.
func (b *Batch) IsRunning() bool {
	return b.Status == BatchStatusRunning
}
