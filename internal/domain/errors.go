package domain

import "errors"

// Lookup errors shared by repositories.
var (
	ErrLeadNotFound    = errors.New("lead not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEntryNotFound   = errors.New("dead-letter entry not found")
	ErrBatchNotFound   = errors.New("batch not found")
)

// ErrDuplicateLead is returned when a lead with the same email already exists.
var ErrDuplicateLead = errors.New("lead with this email already exists")

// ErrStatusConflict is returned when a compare-and-set write finds the row
// in a different state than expected.
var ErrStatusConflict = errors.New("status changed concurrently")

// ErrBatchNotRunning is returned when finishing or cancelling a batch that
// already left the running state.
var ErrBatchNotRunning = errors.New("batch is not running")

// ErrBatchAlreadyRunning is returned when starting a daily batch while
// another one is still running.
var ErrBatchAlreadyRunning = errors.New("daily batch already running")
