// Package batch tracks orchestrator runs and their live progress.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Repository defines batch persistence.
type Repository interface {
	// CreateBatch returns domain.ErrBatchAlreadyRunning for a second running
	// daily batch.
	CreateBatch(ctx context.Context, b *domain.Batch) error
	SetTotal(ctx context.Context, id string, total int) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	// ListBatches returns batches newest first, optionally only running ones.
	ListBatches(ctx context.Context, activeOnly bool, limit int) ([]domain.Batch, error)
	// RecordOutcome increments processed and the outcome counter of a batch.
	RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) error
	// FinishBatch moves a running batch to status. Returns domain.ErrBatchNotRunning
	// if the batch already left the running state.
	FinishBatch(ctx context.Context, id string, status domain.BatchStatus, errMsg string, at time.Time) error
	CountRunning(ctx context.Context, kind domain.BatchKind) (int, error)
}

// Tracker manages batch records.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

// NewTracker creates a new batch tracker.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// Start creates a running batch for total leads.
func (t *Tracker) Start(ctx context.Context, kind domain.BatchKind, total int) (*domain.Batch, error) {
	b := &domain.Batch{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    domain.BatchStatusRunning,
		Total:     total,
		StartedAt: t.now().UTC(),
	}
	if err := t.repo.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

// SetTotal records how many leads a batch covers once they are claimed.
func (t *Tracker) SetTotal(ctx context.Context, id string, total int) error {
	if err := t.repo.SetTotal(ctx, id, total); err != nil {
		return fmt.Errorf("set batch total: %w", err)
	}
	return nil
}

// Record adds one lead outcome to the batch counters.
func (t *Tracker) Record(ctx context.Context, id string, outcome domain.Outcome) error {
	if err := t.repo.RecordOutcome(ctx, id, outcome); err != nil {
		return fmt.Errorf("record batch outcome: %w", err)
	}
	return nil
}

// Complete finishes a running batch. A cancelled batch keeps its status.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	return t.finish(ctx, id, domain.BatchStatusCompleted, "")
}

// Fail finishes a running batch with an error.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) error {
	return t.finish(ctx, id, domain.BatchStatusFailed, cause.Error())
}

func (t *Tracker) finish(ctx context.Context, id string, status domain.BatchStatus, errMsg string) error {
	err := t.repo.FinishBatch(ctx, id, status, errMsg, t.now().UTC())
	if errors.Is(err, domain.ErrBatchNotRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	return nil
}

// Cancel stops a running batch from taking further leads.
func (t *Tracker) Cancel(ctx context.Context, id string) (*domain.Batch, error) {
	if err := t.repo.FinishBatch(ctx, id, domain.BatchStatusCancelled, "", t.now().UTC()); err != nil {
		return nil, err
	}
	return t.repo.GetBatch(ctx, id)
}

// IsCancelled reports whether the batch was cancelled.
func (t *Tracker) IsCancelled(ctx context.Context, id string) (bool, error) {
	b, err := t.repo.GetBatch(ctx, id)
	if err != nil {
		return false, err
	}
	return b.Status == domain.BatchStatusCancelled, nil
}

// Get returns a batch by id.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.Batch, error) {
	return t.repo.GetBatch(ctx, id)
}

// Active returns running batches.
func (t *Tracker) Active(ctx context.Context) ([]domain.Batch, error) {
	return t.repo.ListBatches(ctx, true, maxListLimit)
}

// Recent returns the latest batches, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return t.repo.ListBatches(ctx, false, min(limit, maxListLimit))
}

// HasRunning reports whether a batch of kind is running.
func (t *Tracker) HasRunning(ctx context.Context, kind domain.BatchKind) (bool, error) {
	n, err := t.repo.CountRunning(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("count running batches: %w", err)
	}
	return n > 0, nil
}
