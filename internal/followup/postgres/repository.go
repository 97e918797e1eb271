// Package postgres provides PostgreSQL implementation of the follow-up repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	leads "github.com/bissquit/outreach-engine/internal/lifecycle/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the followup.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ListFollowupCandidates returns unlocked, non-replied leads with an unsent
// follow-up due before dueBefore, oldest due first.
func (r *Repository) ListFollowupCandidates(ctx context.Context, dueBefore time.Time) ([]domain.Lead, error) {
	query := `
		SELECT ` + leads.LeadColumns + `
		FROM leads
		WHERE NOT locked
			AND mail_status <> 'reply_received'
			AND (
				(followup_5day_state = 'unsent' AND followup_5day_due_at < $1)
				OR (followup_10day_state = 'unsent' AND followup_10day_due_at < $1)
			)
		ORDER BY LEAST(
			COALESCE(followup_5day_due_at, 'infinity'),
			COALESCE(followup_10day_due_at, 'infinity')
		), id
	`
	rows, err := r.db.Query(ctx, query, dueBefore)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Lead, 0)
	for rows.Next() {
		lead, err := leads.ScanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return out, nil
}

// GetLead retrieves a lead by its ID.
func (r *Repository) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	if !leads.ValidID(id) {
		return nil, domain.ErrLeadNotFound
	}

	query := `SELECT ` + leads.LeadColumns + ` FROM leads WHERE id = $1`
	lead, err := leads.ScanLead(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLeadNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return lead, nil
}
