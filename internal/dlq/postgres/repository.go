// Package postgres provides PostgreSQL implementation of the dead-letter repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, lead_id, email_type, recipient, subject, body, thread_id, thread_message_id,
	reason, category, attempts, max_attempts, next_retry_at, status, created_at, updated_at, resolved_at`

// Repository implements the dlq.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanEntry(row pgx.Row) (*domain.DeadLetterEntry, error) {
	var (
		e                          domain.DeadLetterEntry
		threadID, threadMessageID string
	)
	err := row.Scan(
		&e.ID,
		&e.LeadID,
		&e.EmailType,
		&e.Recipient,
		&e.Subject,
		&e.Body,
		&threadID,
		&threadMessageID,
		&e.Reason,
		&e.Category,
		&e.Attempts,
		&e.MaxAttempts,
		&e.NextRetryAt,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if threadID != "" || threadMessageID != "" {
		e.ThreadRef = &domain.ThreadRef{ThreadID: threadID, MessageID: threadMessageID}
	}
	return &e, nil
}

func threadColumns(ref *domain.ThreadRef) (string, string) {
	if ref == nil {
		return "", ""
	}
	return ref.ThreadID, ref.MessageID
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CreateEntry inserts a new dead-letter entry.
func (r *Repository) CreateEntry(ctx context.Context, entry *domain.DeadLetterEntry) error {
	threadID, threadMessageID := threadColumns(entry.ThreadRef)
	query := `
		INSERT INTO dead_letter_entries (id, lead_id, email_type, recipient, subject, body,
			thread_id, thread_message_id, reason, category, attempts, max_attempts,
			next_retry_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.LeadID,
		entry.EmailType,
		entry.Recipient,
		entry.Subject,
		entry.Body,
		threadID,
		threadMessageID,
		entry.Reason,
		entry.Category,
		entry.Attempts,
		entry.MaxAttempts,
		entry.NextRetryAt,
		entry.Status,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead-letter entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by its ID.
func (r *Repository) GetEntry(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	if !validID(id) {
		return nil, domain.ErrEntryNotFound
	}

	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get dead-letter entry: %w", err)
	}
	return e, nil
}

// FindOpenEntry returns the pending or retrying entry for a lead and email type.
func (r *Repository) FindOpenEntry(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.DeadLetterEntry, error) {
	if !validID(leadID) {
		return nil, domain.ErrEntryNotFound
	}

	query := `
		SELECT ` + entryColumns + `
		FROM dead_letter_entries
		WHERE lead_id = $1 AND email_type = $2 AND status IN ('pending', 'retrying')
	`
	e, err := scanEntry(r.db.QueryRow(ctx, query, leadID, emailType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("find open dead-letter entry: %w", err)
	}
	return e, nil
}

// ListDue returns pending entries whose retry time has come, earliest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM dead_letter_entries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at, id
		LIMIT $2
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	return r.list(ctx, query, now, lim)
}

// ListForLead returns every entry of a lead, oldest first.
func (r *Repository) ListForLead(ctx context.Context, leadID string) ([]domain.DeadLetterEntry, error) {
	if !validID(leadID) {
		return []domain.DeadLetterEntry{}, nil
	}

	query := `
		SELECT ` + entryColumns + `
		FROM dead_letter_entries
		WHERE lead_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, leadID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]domain.DeadLetterEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DeadLetterEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead-letter entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead-letter entries: %w", err)
	}
	return entries, nil
}

// TransitionEntry moves an entry from one status to another.
func (r *Repository) TransitionEntry(ctx context.Context, id string, from, to domain.DeadLetterStatus) error {
	if !validID(id) {
		return domain.ErrEntryNotFound
	}

	query := `
		UPDATE dead_letter_entries
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("transition dead-letter entry: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM dead_letter_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check dead-letter entry exists: %w", err)
	}
	if !exists {
		return domain.ErrEntryNotFound
	}
	return domain.ErrStatusConflict
}

// UpdateEntry writes the mutable columns of an entry.
func (r *Repository) UpdateEntry(ctx context.Context, entry *domain.DeadLetterEntry) error {
	threadID, threadMessageID := threadColumns(entry.ThreadRef)
	query := `
		UPDATE dead_letter_entries
		SET subject = $2,
			body = $3,
			thread_id = $4,
			thread_message_id = $5,
			reason = $6,
			category = $7,
			attempts = $8,
			next_retry_at = $9,
			status = $10,
			updated_at = $11,
			resolved_at = $12
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.Subject,
		entry.Body,
		threadID,
		threadMessageID,
		entry.Reason,
		entry.Category,
		entry.Attempts,
		entry.NextRetryAt,
		entry.Status,
		entry.UpdatedAt,
		entry.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update dead-letter entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// Stats aggregates entries by status and category.
func (r *Repository) Stats(ctx context.Context) (domain.DeadLetterStats, error) {
	stats := domain.DeadLetterStats{
		ByStatus:   make(map[domain.DeadLetterStatus]int),
		ByCategory: make(map[domain.FailureCategory]int),
	}

	rows, err := r.db.Query(ctx, `SELECT status, category, COUNT(*) FROM dead_letter_entries GROUP BY status, category`)
	if err != nil {
		return stats, fmt.Errorf("dead-letter stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status   domain.DeadLetterStatus
			category domain.FailureCategory
			n        int
		)
		if err := rows.Scan(&status, &category, &n); err != nil {
			return stats, fmt.Errorf("scan dead-letter stats: %w", err)
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.ByCategory[category] += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate dead-letter stats: %w", err)
	}
	return stats, nil
}
