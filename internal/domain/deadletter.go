package domain

import "time"

// DeadLetterStatus represents the state of a retry chain.
type DeadLetterStatus string

// Dead-letter statuses.
const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterRetrying DeadLetterStatus = "retrying"
	DeadLetterResolved DeadLetterStatus = "resolved"
	DeadLetterFailed   DeadLetterStatus = "failed"
)

// IsTerminal reports whether the entry can no longer change.
func (s DeadLetterStatus) IsTerminal() bool {
	return s == DeadLetterResolved || s == DeadLetterFailed
}

// FailureCategory classifies why a delivery did not succeed.
type FailureCategory string

// Failure categories.
const (
	FailureTransient FailureCategory = "transient"
	FailureRejection FailureCategory = "rejection"
	FailureData      FailureCategory = "data"
	FailureAmbiguous FailureCategory = "ambiguous"
)

// DeadLetterEntry is the retry chain for one lead and email type.
type DeadLetterEntry struct {
	ID          string           `json:"id"`
	LeadID      string           `json:"lead_id"`
	EmailType   EmailType        `json:"email_type"`
	Recipient   string           `json:"recipient"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	ThreadRef   *ThreadRef       `json:"thread_ref,omitempty"`
	Reason      string           `json:"reason"`
	Category    FailureCategory  `json:"category"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	Status      DeadLetterStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ResolvedAt  *time.Time       `json:"resolved_at"`
}

// DeadLetterStats aggregates entries by status and category.
type DeadLetterStats struct {
	Total      int                      `json:"total"`
	ByStatus   map[DeadLetterStatus]int `json:"by_status"`
	ByCategory map[FailureCategory]int  `json:"by_category"`
}
