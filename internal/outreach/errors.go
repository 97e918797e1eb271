package outreach

import "errors"

// Orchestrator errors.
var (
	ErrDailyBatchNotAllowed = errors.New("daily batch not allowed")
	ErrNoLeads              = errors.New("no lead ids given")
	ErrTooManyLeads         = errors.New("too many lead ids")
)
