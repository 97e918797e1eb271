// Package quota gates the automatic daily pool and claims leads for processing.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
)

const (
	defaultDailyLimit = 400
	defaultLockTTL    = time.Hour
)

// Repository defines the lead-claiming operations. Every claim sets the
// processing lock in the same statement that selects the leads.
type Repository interface {
	CountInitialSendsBetween(ctx context.Context, from, to time.Time) (int, error)
	ClaimNew(ctx context.Context, limit int, now time.Time) ([]string, error)
	ClaimLeads(ctx context.Context, ids []string, now time.Time) ([]string, error)
	ClaimScheduledDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReleaseLeads(ctx context.Context, ids []string) error
	// ReleaseStaleLocks unlocks leads locked before the cutoff. Leads caught
	// mid-send are marked failed since their delivery outcome is unknown.
	ReleaseStaleLocks(ctx context.Context, lockedBefore time.Time) (int, error)
}

// RunningBatches reports whether a batch of the given kind is in progress.
type RunningBatches interface {
	HasRunning(ctx context.Context, kind domain.BatchKind) (bool, error)
}

// Config holds quota configuration.
type Config struct {
	DailyLimit int
	LockTTL    time.Duration
}

// Decision is the result of a daily gate check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Status summarizes today's quota.
type Status struct {
	Date      string `json:"date"`
	Limit     int    `json:"limit"`
	SentToday int    `json:"sent_today"`
	Remaining int    `json:"remaining"`
	CanRun    bool   `json:"can_run"`
	Reason    string `json:"reason,omitempty"`
}

// Tracker implements the batch quota rules.
type Tracker struct {
	repo    Repository
	batches RunningBatches
	config  Config
}

// NewTracker creates a new quota tracker. batches may be nil.
func NewTracker(repo Repository, batches RunningBatches, config Config) *Tracker {
	if config.DailyLimit <= 0 {
		config.DailyLimit = defaultDailyLimit
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}
	return &Tracker{
		repo:    repo,
		batches: batches,
		config:  config,
	}
}

// CanRunToday allows the automatic daily pool at most once per UTC day.
// Manual batches never consult it.
func (t *Tracker) CanRunToday(ctx context.Context, now time.Time) (Decision, error) {
	from, to := dayBounds(now)

	sent, err := t.repo.CountInitialSendsBetween(ctx, from, to)
	if err != nil {
		return Decision{}, fmt.Errorf("count sends today: %w", err)
	}
	if sent > 0 {
		return Decision{Allowed: false, Reason: fmt.Sprintf("daily batch already ran: %d initial emails sent today", sent)}, nil
	}

	if t.batches != nil {
		running, err := t.batches.HasRunning(ctx, domain.BatchKindDaily)
		if err != nil {
			return Decision{}, fmt.Errorf("check running batches: %w", err)
		}
		if running {
			return Decision{Allowed: false, Reason: "daily batch is already running"}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// SentToday counts initial emails sent during the UTC day of now.
func (t *Tracker) SentToday(ctx context.Context, now time.Time) (int, error) {
	from, to := dayBounds(now)
	sent, err := t.repo.CountInitialSendsBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("count sends today: %w", err)
	}
	return sent, nil
}

// RemainingQuota returns how many initial sends the daily limit still allows today.
func (t *Tracker) RemainingQuota(ctx context.Context, now time.Time) (int, error) {
	sent, err := t.SentToday(ctx, now)
	if err != nil {
		return 0, err
	}
	return max(t.config.DailyLimit-sent, 0), nil
}

// Status reports today's quota state.
func (t *Tracker) Status(ctx context.Context, now time.Time) (Status, error) {
	from, to := dayBounds(now)
	sent, err := t.repo.CountInitialSendsBetween(ctx, from, to)
	if err != nil {
		return Status{}, fmt.Errorf("count sends today: %w", err)
	}
	decision, err := t.CanRunToday(ctx, now)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Date:      from.Format(time.DateOnly),
		Limit:     t.config.DailyLimit,
		SentToday: sent,
		Remaining: max(t.config.DailyLimit-sent, 0),
		CanRun:    decision.Allowed,
		Reason:    decision.Reason,
	}, nil
}

// ClaimNextBatch atomically claims up to maxSize contactable new leads,
// bounded by the remaining daily quota.
func (t *Tracker) ClaimNextBatch(ctx context.Context, maxSize int, now time.Time) ([]string, error) {
	if maxSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}

	remaining, err := t.RemainingQuota(ctx, now)
	if err != nil {
		return nil, err
	}
	size := min(maxSize, remaining)
	if size == 0 {
		return []string{}, nil
	}

	ids, err := t.repo.ClaimNew(ctx, size, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim new leads: %w", err)
	}
	return ids, nil
}

// ClaimLeads claims an explicit set of leads. Leads already locked are left out.
func (t *Tracker) ClaimLeads(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	claimed, err := t.repo.ClaimLeads(ctx, ids, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim leads: %w", err)
	}
	return claimed, nil
}

// ClaimScheduledDue claims deferred leads whose scheduled time has passed.
func (t *Tracker) ClaimScheduledDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := t.repo.ClaimScheduledDue(ctx, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim scheduled leads: %w", err)
	}
	return ids, nil
}

// ReleaseBatch clears the processing lock of the given leads.
func (t *Tracker) ReleaseBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.repo.ReleaseLeads(ctx, ids); err != nil {
		return fmt.Errorf("release leads: %w", err)
	}
	return nil
}

// ReleaseStaleLocks recovers leads whose claim outlived the lock TTL.
func (t *Tracker) ReleaseStaleLocks(ctx context.Context, now time.Time) (int, error) {
	n, err := t.repo.ReleaseStaleLocks(ctx, now.UTC().Add(-t.config.LockTTL))
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	if n > 0 {
		slog.Warn("released stale lead locks", "count", n, "ttl", t.config.LockTTL)
	}
	return n, nil
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}
