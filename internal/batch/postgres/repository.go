// Package postgres provides PostgreSQL implementation of the batch repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const batchColumns = `id, kind, status, total, processed, succeeded, failed, skipped, error, started_at, completed_at`

// Repository implements the batch.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID,
		&b.Kind,
		&b.Status,
		&b.Total,
		&b.Processed,
		&b.Succeeded,
		&b.Failed,
		&b.Skipped,
		&b.Error,
		&b.StartedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBatch inserts a new batch.
func (r *Repository) CreateBatch(ctx context.Context, b *domain.Batch) error {
	query := `
		INSERT INTO batches (id, kind, status, total, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Exec(ctx, query, b.ID, b.Kind, b.Status, b.Total, b.StartedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrBatchAlreadyRunning
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// SetTotal updates the number of leads a batch covers.
func (r *Repository) SetTotal(ctx context.Context, id string, total int) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrBatchNotFound
	}
	result, err := r.db.Exec(ctx, `UPDATE batches SET total = $2 WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("set batch total: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// GetBatch retrieves a batch by its ID.
func (r *Repository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrBatchNotFound
	}

	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches newest first.
func (r *Repository) ListBatches(ctx context.Context, activeOnly bool, limit int) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	if activeOnly {
		query += ` WHERE status = 'running'`
	}
	query += ` ORDER BY started_at DESC, id LIMIT $1`

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.db.Query(ctx, query, lim)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// RecordOutcome increments processed and the counter of outcome.
func (r *Repository) RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) error {
	var column string
	switch outcome {
	case domain.OutcomeSucceeded:
		column = "succeeded"
	case domain.OutcomeFailed:
		column = "failed"
	case domain.OutcomeSkipped:
		column = "skipped"
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	query := `UPDATE batches SET processed = processed + 1, ` + column + ` = ` + column + ` + 1 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("record batch outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// FinishBatch moves a running batch to status.
func (r *Repository) FinishBatch(ctx context.Context, id string, status domain.BatchStatus, errMsg string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrBatchNotFound
	}

	query := `
		UPDATE batches
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.db.Exec(ctx, query, id, status, errMsg, at)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM batches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check batch exists: %w", err)
	}
	if !exists {
		return domain.ErrBatchNotFound
	}
	return domain.ErrBatchNotRunning
}

// CountRunning counts running batches of kind.
func (r *Repository) CountRunning(ctx context.Context, kind domain.BatchKind) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM batches WHERE kind = $1 AND status = 'running'`
	if err := r.db.QueryRow(ctx, query, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running batches: %w", err)
	}
	return n, nil
}
