package lifecycle

import "errors"

// Lifecycle errors.
var (
	ErrIllegalTransition = errors.New("illegal mail status transition")
	ErrAlreadySent       = errors.New("email already sent for this lead")
)
