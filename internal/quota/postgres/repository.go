// Package postgres provides PostgreSQL implementation of the lead claiming repository.
package postgres

import (
	"context"
	"fmt"
	"time"

	leads "github.com/bissquit/outreach-engine/internal/lifecycle/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the quota.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CountInitialSendsBetween counts leads whose initial email went out in [from, to).
func (r *Repository) CountInitialSendsBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM leads WHERE initial_sent_at >= $1 AND initial_sent_at < $2`
	var n int
	if err := r.db.QueryRow(ctx, query, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count initial sends: %w", err)
	}
	return n, nil
}

// ClaimNew locks up to limit verified, contactable leads in status new,
// oldest first. Rows locked by a concurrent claim are skipped.
func (r *Repository) ClaimNew(ctx context.Context, limit int, now time.Time) ([]string, error) {
	query := `
		UPDATE leads
		SET locked = TRUE, locked_at = $2
		WHERE id IN (
			SELECT id FROM leads
			WHERE mail_status = 'new' AND verified AND email <> '' AND NOT locked
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	return r.claim(ctx, query, limit, now)
}

// ClaimLeads locks the given leads that exist and are not locked yet.
func (r *Repository) ClaimLeads(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if leads.ValidID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []string{}, nil
	}

	query := `
		UPDATE leads
		SET locked = TRUE, locked_at = $2
		WHERE id IN (
			SELECT id FROM leads
			WHERE id = ANY($1::uuid[]) AND NOT locked
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	return r.claim(ctx, query, valid, now)
}

// ClaimScheduledDue locks deferred leads whose scheduled time has passed.
func (r *Repository) ClaimScheduledDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		UPDATE leads
		SET locked = TRUE, locked_at = $2
		WHERE id IN (
			SELECT id FROM leads
			WHERE mail_status = 'scheduled' AND scheduled_at <= $2 AND NOT locked
			ORDER BY scheduled_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	return r.claim(ctx, query, lim, now)
}

func (r *Repository) claim(ctx context.Context, query string, arg any, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, query, arg, now)
	if err != nil {
		return nil, fmt.Errorf("claim leads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect claimed leads: %w", err)
	}
	return ids, nil
}

// ReleaseLeads clears the processing lock of the given leads.
func (r *Repository) ReleaseLeads(ctx context.Context, ids []string) error {
	query := `UPDATE leads SET locked = FALSE, locked_at = NULL WHERE id = ANY($1::uuid[])`
	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("release leads: %w", err)
	}
	return nil
}

// ReleaseStaleLocks unlocks leads locked before lockedBefore. A lead caught
// in sending is marked failed because its delivery outcome is unknown.
func (r *Repository) ReleaseStaleLocks(ctx context.Context, lockedBefore time.Time) (int, error) {
	query := `
		UPDATE leads
		SET locked = FALSE,
			locked_at = NULL,
			mail_status = CASE WHEN mail_status = 'sending' THEN 'failed' ELSE mail_status END,
			failure_reason = CASE WHEN mail_status = 'sending' THEN 'send interrupted' ELSE failure_reason END,
			updated_at = NOW()
		WHERE locked AND locked_at < $1
	`
	result, err := r.db.Exec(ctx, query, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	return int(result.RowsAffected()), nil
}
