// Package dlq implements the dead-letter queue that owns delivery retries.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/google/uuid"
)

// ErrNotRetryable is returned when recording a failure that retrying cannot fix.
var ErrNotRetryable = errors.New("failure is not retryable")

const (
	defaultMaxAttempts = 3
	defaultBatchSize   = 100

	reasonLeadReplied   = "lead replied"
	reasonLeadNotMarked = "delivered but lead not marked sent"
)

// DefaultBackoff is the delay before each retry; the last step repeats.
var DefaultBackoff = []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour}

// Repository defines dead-letter persistence.
type Repository interface {
	CreateEntry(ctx context.Context, entry *domain.DeadLetterEntry) error
	GetEntry(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	// FindOpenEntry returns the pending or retrying entry for a lead and type,
	// or domain.ErrEntryNotFound.
	FindOpenEntry(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.DeadLetterEntry, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error)
	ListForLead(ctx context.Context, leadID string) ([]domain.DeadLetterEntry, error)
	// TransitionEntry moves an entry from one status to another, or returns
	// domain.ErrStatusConflict if it is no longer in from.
	TransitionEntry(ctx context.Context, id string, from, to domain.DeadLetterStatus) error
	UpdateEntry(ctx context.Context, entry *domain.DeadLetterEntry) error
	Stats(ctx context.Context) (domain.DeadLetterStats, error)
}

// Leads gives the queue access to lead state.
type Leads interface {
	Get(ctx context.Context, leadID string) (*domain.Lead, error)
	MarkSent(ctx context.Context, leadID string, emailType domain.EmailType, messageID, threadID string) (*domain.Lead, error)
}

// Throttle paces outbound deliveries.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Config holds queue configuration.
type Config struct {
	MaxAttempts int
	Backoff     []time.Duration
	BatchSize   int
	// Clock overrides time.Now for entry timestamps.
	Clock func() time.Time
}

// Failure describes a failed delivery to record.
type Failure struct {
	LeadID    string
	EmailType domain.EmailType
	Recipient string
	Subject   string
	Body      string
	ThreadRef *domain.ThreadRef
	Reason    string
	Category  domain.FailureCategory
}

// SweepResult counts the outcome of one sweep.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// Service implements the dead-letter queue.
type Service struct {
	repo     Repository
	gateway  delivery.Gateway
	leads    Leads
	throttle Throttle
	config   Config
	now      func() time.Time
}

// NewService creates a new dead-letter queue. throttle may be nil.
func NewService(repo Repository, gateway delivery.Gateway, leads Leads, throttle Throttle, config Config) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if len(config.Backoff) == 0 {
		config.Backoff = DefaultBackoff
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     repo,
		gateway:  gateway,
		leads:    leads,
		throttle: throttle,
		config:   config,
		now:      now,
	}
}

// RecordFailure opens a retry chain for a failed delivery and returns its id.
// The failed delivery counts as the first attempt. If the lead already has an
// open chain for the same email type, that chain's id is returned.
func (s *Service) RecordFailure(ctx context.Context, f Failure) (string, error) {
	if f.Category == domain.FailureData {
		return "", ErrNotRetryable
	}

	existing, err := s.repo.FindOpenEntry(ctx, f.LeadID, f.EmailType)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		return "", fmt.Errorf("find open entry: %w", err)
	}

	now := s.now().UTC()
	entry := &domain.DeadLetterEntry{
		ID:          uuid.NewString(),
		LeadID:      f.LeadID,
		EmailType:   f.EmailType,
		Recipient:   f.Recipient,
		Subject:     f.Subject,
		Body:        f.Body,
		ThreadRef:   f.ThreadRef,
		Reason:      f.Reason,
		Category:    f.Category,
		Attempts:    1,
		MaxAttempts: s.config.MaxAttempts,
		NextRetryAt: now.Add(s.Backoff(1)),
		Status:      domain.DeadLetterPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("create entry: %w", err)
	}

	slog.Info("dead-letter entry recorded",
		"entry_id", entry.ID,
		"lead_id", f.LeadID,
		"email_type", f.EmailType,
		"category", f.Category,
		"next_retry_at", entry.NextRetryAt,
	)
	return entry.ID, nil
}

// Backoff returns the delay after the given number of failed attempts.
// Attempts beyond the schedule reuse its last step.
func (s *Service) Backoff(attempts int) time.Duration {
	idx := min(max(attempts-1, 0), len(s.config.Backoff)-1)
	return s.config.Backoff[idx]
}

// Sweep retries every pending entry due at now. Entries are processed
// independently; an error on one is logged and counted as failed.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	entries, err := s.repo.ListDue(ctx, now.UTC(), s.config.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due entries: %w", err)
	}

	var result SweepResult
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.retry(ctx, &entries[i], now.UTC())
		if err != nil {
			slog.Error("dead-letter retry failed",
				"entry_id", entries[i].ID,
				"lead_id", entries[i].LeadID,
				"error", err,
			)
		}
		switch outcome {
		case retrySkipped:
			continue
		case retrySucceeded:
			result.Succeeded++
		case retryAbandoned:
			result.Abandoned++
			continue
		default:
			result.Failed++
		}
		result.Attempted++
	}

	if result.Attempted > 0 || result.Abandoned > 0 {
		slog.Info("dead-letter sweep completed",
			"attempted", result.Attempted,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"abandoned", result.Abandoned,
		)
	}
	return result, nil
}

type retryOutcome int

const (
	retryFailed retryOutcome = iota
	retrySucceeded
	retrySkipped
	retryAbandoned
)

func (s *Service) retry(ctx context.Context, entry *domain.DeadLetterEntry, now time.Time) (retryOutcome, error) {
	err := s.repo.TransitionEntry(ctx, entry.ID, domain.DeadLetterPending, domain.DeadLetterRetrying)
	if errors.Is(err, domain.ErrStatusConflict) {
		return retrySkipped, nil
	}
	if err != nil {
		return retrySkipped, fmt.Errorf("claim entry: %w", err)
	}
	entry.Status = domain.DeadLetterRetrying

	lead, err := s.leads.Get(ctx, entry.LeadID)
	if err != nil {
		if errors.Is(err, domain.ErrLeadNotFound) {
			return retryAbandoned, s.close(ctx, entry, domain.DeadLetterFailed, "lead not found", now)
		}
		return retryFailed, s.reschedule(ctx, entry, fmt.Sprintf("load lead: %v", err), entry.Category, now)
	}
	if lead.HasReplied() {
		return retryAbandoned, s.close(ctx, entry, domain.DeadLetterFailed, reasonLeadReplied, now)
	}

	if s.throttle != nil {
		if err := s.throttle.Wait(ctx); err != nil {
			return retryFailed, s.reschedule(ctx, entry, fmt.Sprintf("throttle: %v", err), entry.Category, now)
		}
	}

	threadRef := entry.ThreadRef
	if threadRef == nil && entry.EmailType.IsFollowup() {
		threadRef = lead.ThreadRef()
	}

	receipt, sendErr := s.gateway.Send(ctx, delivery.Request{
		Recipient: entry.Recipient,
		Subject:   entry.Subject,
		Body:      entry.Body,
		EmailType: entry.EmailType,
		ThreadRef: threadRef,
	})
	if sendErr != nil {
		entry.Attempts++
		return retryFailed, s.reschedule(ctx, entry, sendErr.Error(), delivery.CategoryOf(sendErr), now)
	}

	entry.Attempts++
	writeCtx := context.WithoutCancel(ctx)

	// The lead is written first; a failed write is kept on the entry so the
	// resolved chain never hides a lead still marked failed.
	if _, err := s.leads.MarkSent(writeCtx, entry.LeadID, entry.EmailType, receipt.MessageID, receipt.ThreadID); err != nil {
		reason := fmt.Sprintf("%s: message_id=%s: %v", reasonLeadNotMarked, receipt.MessageID, err)
		if closeErr := s.close(writeCtx, entry, domain.DeadLetterResolved, reason, now); closeErr != nil {
			return retrySucceeded, errors.Join(fmt.Errorf("mark lead sent after retry: %w", err), closeErr)
		}
		return retrySucceeded, fmt.Errorf("mark lead sent after retry: %w", err)
	}

	if err := s.close(writeCtx, entry, domain.DeadLetterResolved, entry.Reason, now); err != nil {
		return retrySucceeded, err
	}

	slog.Info("dead-letter entry resolved",
		"entry_id", entry.ID,
		"lead_id", entry.LeadID,
		"attempts", entry.Attempts,
	)
	return retrySucceeded, nil
}

// reschedule records a failed retry. The chain ends once attempts reach the
// maximum or the failure is one retrying cannot fix.
func (s *Service) reschedule(ctx context.Context, entry *domain.DeadLetterEntry, reason string, category domain.FailureCategory, now time.Time) error {
	entry.Reason = reason
	entry.Category = category

	if entry.Attempts >= entry.MaxAttempts || category == domain.FailureData {
		slog.Warn("dead-letter entry exhausted",
			"entry_id", entry.ID,
			"lead_id", entry.LeadID,
			"attempts", entry.Attempts,
			"category", category,
		)
		return s.close(ctx, entry, domain.DeadLetterFailed, reason, now)
	}

	entry.Status = domain.DeadLetterPending
	entry.NextRetryAt = now.Add(s.Backoff(entry.Attempts))
	entry.UpdatedAt = now
	if err := s.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

func (s *Service) close(ctx context.Context, entry *domain.DeadLetterEntry, status domain.DeadLetterStatus, reason string, now time.Time) error {
	entry.Status = status
	entry.Reason = reason
	entry.UpdatedAt = now
	entry.ResolvedAt = &now
	if err := s.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

// Stats returns entry counts by status and category.
func (s *Service) Stats(ctx context.Context) (domain.DeadLetterStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("dead-letter stats: %w", err)
	}
	return stats, nil
}

// ListForLead returns every entry recorded for a lead.
func (s *Service) ListForLead(ctx context.Context, leadID string) ([]domain.DeadLetterEntry, error) {
	return s.repo.ListForLead(ctx, leadID)
}

// Get returns an entry by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	return s.repo.GetEntry(ctx, id)
}
