// Package followup computes follow-up due dates and selects due follow-ups.
package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
)

// Follow-up offsets in days from the initial send.
const (
	FiveDayOffset = 5
	TenDayOffset  = 10
)

// Repository defines the data operations the scheduler needs.
type Repository interface {
	// ListFollowupCandidates returns unlocked, non-replied leads with at least
	// one unsent follow-up due before dueBefore.
	ListFollowupCandidates(ctx context.Context, dueBefore time.Time) ([]domain.Lead, error)
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
}

// Schedule holds the computed due dates of both follow-ups.
type Schedule struct {
	FiveDay time.Time `json:"followup_5day_due_at"`
	TenDay  time.Time `json:"followup_10day_due_at"`
}

// Due is a follow-up that may be sent today.
type Due struct {
	Lead      domain.Lead
	EmailType domain.EmailType
}

// Scheduler implements follow-up scheduling.
type Scheduler struct {
	repo Repository
}

// NewScheduler creates a new follow-up scheduler.
func NewScheduler(repo Repository) *Scheduler {
	return &Scheduler{repo: repo}
}

// Dates returns the follow-up due dates for an initial send at sentAt.
func Dates(sentAt time.Time) Schedule {
	sentAt = sentAt.UTC()
	return Schedule{
		FiveDay: sentAt.AddDate(0, 0, FiveDayOffset),
		TenDay:  sentAt.AddDate(0, 0, TenDayOffset),
	}
}

// ScheduleFromSend writes the follow-up schedule onto the lead and resets
// both markers to unsent. The caller persists the lead.
func (s *Scheduler) ScheduleFromSend(lead *domain.Lead, sentAt time.Time) Schedule {
	schedule := Dates(sentAt)
	lead.Followup5DueAt = &schedule.FiveDay
	lead.Followup10DueAt = &schedule.TenDay
	lead.Followup5State = domain.FollowupUnsent
	lead.Followup10State = domain.FollowupUnsent
	return schedule
}

// DueToday returns follow-ups whose due date falls on or before the current
// UTC day. A lead appears at most once, with the earliest pending type.
func (s *Scheduler) DueToday(ctx context.Context, now time.Time) ([]Due, error) {
	endOfDay := StartOfDay(now).Add(24 * time.Hour)

	candidates, err := s.repo.ListFollowupCandidates(ctx, endOfDay)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}

	due := make([]Due, 0, len(candidates))
	for _, lead := range candidates {
		if t, ok := DueType(&lead, endOfDay); ok {
			due = append(due, Due{Lead: lead, EmailType: t})
		}
	}
	return due, nil
}

// State returns the follow-up projection of a lead.
func (s *Scheduler) State(ctx context.Context, leadID string) (domain.FollowupView, error) {
	lead, err := s.repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.FollowupView{}, err
	}
	return lead.FollowupView(), nil
}

// DueType reports which follow-up, if any, the lead is eligible for.
// The 10-day follow-up requires the 5-day one to have been sent.
func DueType(lead *domain.Lead, dueBefore time.Time) (domain.EmailType, bool) {
	if lead.Locked || lead.HasReplied() {
		return "", false
	}

	if lead.MailStatus == domain.MailStatusEmailSent &&
		lead.Followup5State == domain.FollowupUnsent &&
		isDue(lead.Followup5DueAt, dueBefore) {
		return domain.EmailTypeFollowup5, true
	}

	if lead.MailStatus == domain.MailStatusFollowup5Sent &&
		lead.Followup5State == domain.FollowupSent &&
		lead.Followup10State == domain.FollowupUnsent &&
		isDue(lead.Followup10DueAt, dueBefore) {
		return domain.EmailTypeFollowup10, true
	}

	return "", false
}

func isDue(at *time.Time, dueBefore time.Time) bool {
	return at != nil && at.Before(dueBefore)
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
