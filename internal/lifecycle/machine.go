// Package lifecycle implements the lead mail-status state machine.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/google/uuid"
)

// Store persists lead lifecycle state.
type Store interface {
	CreateLead(ctx context.Context, lead *domain.Lead) error
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	// UpdateLifecycle writes the lead's lifecycle columns only if the stored
	// mail status still equals expected; otherwise domain.ErrStatusConflict.
	UpdateLifecycle(ctx context.Context, lead *domain.Lead, expected domain.MailStatus) error
}

// FollowupScheduler computes follow-up dates after an initial send.
type FollowupScheduler interface {
	ScheduleFromSend(lead *domain.Lead, sentAt time.Time) followup.Schedule
}

// Machine applies lifecycle transitions to leads.
type Machine struct {
	store     Store
	scheduler FollowupScheduler
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a new lifecycle state machine.
func NewMachine(store Store, scheduler FollowupScheduler, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		scheduler: scheduler,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var sendingFrom = map[domain.EmailType][]domain.MailStatus{
	domain.EmailTypeInitial:    {domain.MailStatusNew, domain.MailStatusScheduled},
	domain.EmailTypeFollowup5:  {domain.MailStatusEmailSent},
	domain.EmailTypeFollowup10: {domain.MailStatusFollowup5Sent},
}

// CreateLead stores a new lead in status new with both follow-ups unsent.
func (m *Machine) CreateLead(ctx context.Context, lead *domain.Lead) error {
	now := m.now().UTC()
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	lead.MailStatus = domain.MailStatusNew
	lead.Followup5State = domain.FollowupUnsent
	lead.Followup10State = domain.FollowupUnsent
	lead.Locked = false
	lead.LockedAt = nil
	lead.CreatedAt = now
	lead.UpdatedAt = now

	if err := m.store.CreateLead(ctx, lead); err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// Get returns a lead by id.
func (m *Machine) Get(ctx context.Context, leadID string) (*domain.Lead, error) {
	return m.store.GetLead(ctx, leadID)
}

// MarkScheduled defers the initial send to when and releases the lead's claim.
func (m *Machine) MarkScheduled(ctx context.Context, leadID string, when time.Time, timeZone string) (*domain.Lead, error) {
	return m.apply(ctx, leadID, func(lead *domain.Lead) error {
		if lead.MailStatus != domain.MailStatusNew && lead.MailStatus != domain.MailStatusScheduled {
			return illegal(lead.MailStatus, domain.MailStatusScheduled)
		}
		at := when.UTC()
		lead.MailStatus = domain.MailStatusScheduled
		lead.ScheduledAt = &at
		lead.ScheduledTimeZone = timeZone
		unlock(lead)
		return nil
	})
}

// MarkSending locks the lead immediately before a delivery attempt.
func (m *Machine) MarkSending(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.Lead, error) {
	return m.apply(ctx, leadID, func(lead *domain.Lead) error {
		allowed, ok := sendingFrom[emailType]
		if !ok || !slices.Contains(allowed, lead.MailStatus) {
			return illegal(lead.MailStatus, domain.MailStatusSending)
		}
		if err := checkNotSent(lead, emailType); err != nil {
			return err
		}
		now := m.now().UTC()
		lead.MailStatus = domain.MailStatusSending
		lead.Locked = true
		lead.LockedAt = &now
		return nil
	})
}

// MarkSent records a confirmed delivery. Thread linkage is written only on
// the first send; an initial send also schedules both follow-ups.
// A failed lead may be marked sent when a dead-letter retry succeeds.
func (m *Machine) MarkSent(ctx context.Context, leadID string, emailType domain.EmailType, messageID, threadID string) (*domain.Lead, error) {
	return m.apply(ctx, leadID, func(lead *domain.Lead) error {
		if lead.MailStatus != domain.MailStatusSending && lead.MailStatus != domain.MailStatusFailed {
			return illegal(lead.MailStatus, emailType.SentStatus())
		}
		if err := checkNotSent(lead, emailType); err != nil {
			return err
		}

		now := m.now().UTC()
		lead.MailStatus = emailType.SentStatus()
		lead.FailureReason = ""
		lead.LastSentAt = &now
		if lead.ThreadID == "" {
			lead.ThreadID = threadID
		}
		if lead.MessageID == "" {
			lead.MessageID = messageID
		}

		switch emailType {
		case domain.EmailTypeInitial:
			lead.InitialSentAt = &now
			lead.ScheduledAt = nil
			if m.scheduler != nil {
				m.scheduler.ScheduleFromSend(lead, now)
			}
		case domain.EmailTypeFollowup5:
			lead.Followup5State = domain.FollowupSent
		case domain.EmailTypeFollowup10:
			lead.Followup10State = domain.FollowupSent
		}

		unlock(lead)
		return nil
	})
}

// MarkReplied halts the sequence and cancels every unsent follow-up.
// Replying twice is a no-op.
func (m *Machine) MarkReplied(ctx context.Context, leadID string) (*domain.Lead, error) {
	return m.apply(ctx, leadID, func(lead *domain.Lead) error {
		lead.MailStatus = domain.MailStatusReplyReceived
		if lead.Followup5State != domain.FollowupSent {
			lead.Followup5State = domain.FollowupCancelled
		}
		if lead.Followup10State != domain.FollowupSent {
			lead.Followup10State = domain.FollowupCancelled
		}
		lead.ScheduledAt = nil
		unlock(lead)
		return nil
	})
}

// MarkFailed records a failed delivery and releases the claim.
// Retrying is left to the dead-letter queue.
func (m *Machine) MarkFailed(ctx context.Context, leadID, reason string) (*domain.Lead, error) {
	return m.apply(ctx, leadID, func(lead *domain.Lead) error {
		if lead.HasReplied() {
			return illegal(lead.MailStatus, domain.MailStatusFailed)
		}
		lead.MailStatus = domain.MailStatusFailed
		lead.FailureReason = reason
		unlock(lead)
		return nil
	})
}

func (m *Machine) apply(ctx context.Context, leadID string, transition func(*domain.Lead) error) (*domain.Lead, error) {
	lead, err := m.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	expected := lead.MailStatus
	if err := transition(lead); err != nil {
		return nil, err
	}
	lead.UpdatedAt = m.now().UTC()

	if err := m.store.UpdateLifecycle(ctx, lead, expected); err != nil {
		return nil, fmt.Errorf("update lead %s: %w", leadID, err)
	}

	slog.Debug("lead transitioned",
		"lead_id", leadID,
		"from", expected,
		"to", lead.MailStatus,
	)
	return lead, nil
}

func checkNotSent(lead *domain.Lead, emailType domain.EmailType) error {
	switch emailType {
	case domain.EmailTypeInitial:
		if lead.InitialSentAt != nil || lead.ThreadID != "" {
			return ErrAlreadySent
		}
	case domain.EmailTypeFollowup5:
		if lead.Followup5State != domain.FollowupUnsent {
			return ErrAlreadySent
		}
	case domain.EmailTypeFollowup10:
		if lead.Followup10State != domain.FollowupUnsent {
			return ErrAlreadySent
		}
	}
	return nil
}

func illegal(from, to domain.MailStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func unlock(lead *domain.Lead) {
	lead.Locked = false
	lead.LockedAt = nil
}
