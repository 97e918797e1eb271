// Package delivery defines the mail-relay contract and its error taxonomy.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/outreach-engine/internal/domain"
)

// Request is a single outbound email.
type Request struct {
	Recipient string
	Subject   string
	Body      string
	EmailType domain.EmailType
	// ThreadRef is set for follow-ups so the relay replies in the same conversation.
	ThreadRef *domain.ThreadRef
}

// Receipt is the relay's positive acknowledgment.
type Receipt struct {
	MessageID string
	ThreadID  string
}

// Gateway transmits one email. Implementations never retry internally.
type Gateway interface {
	Send(ctx context.Context, req Request) (*Receipt, error)
}

// Error is a categorized delivery failure.
type Error struct {
	Category domain.FailureCategory
	Code     int
	Message  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s delivery error (code %d): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s delivery error: %s", e.Category, e.Message)
}

// IsRetryable reports whether the DLQ may retry the send.
func (e *Error) IsRetryable() bool {
	return e.Category != domain.FailureData
}

// Transient returns a transient failure.
func Transient(code int, format string, args ...any) *Error {
	return &Error{Category: domain.FailureTransient, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rejection returns a collaborator rejection.
func Rejection(code int, format string, args ...any) *Error {
	return &Error{Category: domain.FailureRejection, Code: code, Message: fmt.Sprintf(format, args...)}
}

// DataError returns a failure caused by the lead's own data.
func DataError(format string, args ...any) *Error {
	return &Error{Category: domain.FailureData, Message: fmt.Sprintf(format, args...)}
}

// Ambiguous returns a failure for an unconfirmed acknowledgment.
func Ambiguous(code int, format string, args ...any) *Error {
	return &Error{Category: domain.FailureAmbiguous, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the failure category of err.
// Uncategorized errors are treated as transient.
func CategoryOf(err error) domain.FailureCategory {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return domain.FailureTransient
}

// Validate checks the request before it reaches a relay.
func (r Request) Validate() error {
	if r.Recipient == "" {
		return DataError("recipient address is empty")
	}
	if r.Subject == "" || r.Body == "" {
		return DataError("subject or body is empty")
	}
	return nil
}
