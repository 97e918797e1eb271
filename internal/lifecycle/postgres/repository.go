// Package postgres provides PostgreSQL implementation of the lead store.
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

// LeadColumns is the column list matching ScanLead.
const LeadColumns = `id, email, name, title, company_name, website, industry, country, verified,
	mail_status, failure_reason, scheduled_at, scheduled_time_zone, initial_sent_at, last_sent_at,
	followup_5day_due_at, followup_10day_due_at, followup_5day_state, followup_10day_state,
	thread_id, message_id, locked, locked_at, created_at, updated_at`

// ScanLead reads one row selected with LeadColumns.
func ScanLead(row pgx.Row) (*domain.Lead, error) {
	var lead domain.Lead
	err := row.Scan(
		&lead.ID,
		&lead.Email,
		&lead.Name,
		&lead.Title,
		&lead.CompanyName,
		&lead.Website,
		&lead.Industry,
		&lead.Country,
		&lead.Verified,
		&lead.MailStatus,
		&lead.FailureReason,
		&lead.ScheduledAt,
		&lead.ScheduledTimeZone,
		&lead.InitialSentAt,
		&lead.LastSentAt,
		&lead.Followup5DueAt,
		&lead.Followup10DueAt,
		&lead.Followup5State,
		&lead.Followup10State,
		&lead.ThreadID,
		&lead.MessageID,
		&lead.Locked,
		&lead.LockedAt,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// ValidID reports whether id can be a lead primary key.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Repository implements lifecycle.Store and content.MessageStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateLead inserts a new lead.
func (r *Repository) CreateLead(ctx context.Context, lead *domain.Lead) error {
	query := `
		INSERT INTO leads (id, email, name, title, company_name, website, industry, country, verified,
			mail_status, followup_5day_state, followup_10day_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Exec(ctx, query,
		lead.ID,
		lead.Email,
		lead.Name,
		lead.Title,
		lead.CompanyName,
		lead.Website,
		lead.Industry,
		lead.Country,
		lead.Verified,
		lead.MailStatus,
		lead.Followup5State,
		lead.Followup10State,
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateLead
		}
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// GetLead retrieves a lead by its ID.
func (r *Repository) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	if !ValidID(id) {
		return nil, domain.ErrLeadNotFound
	}

	query := `SELECT ` + LeadColumns + ` FROM leads WHERE id = $1`
	lead, err := ScanLead(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLeadNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return lead, nil
}

// UpdateLifecycle writes the lifecycle columns of a lead if its stored mail
// status still equals expected.
func (r *Repository) UpdateLifecycle(ctx context.Context, lead *domain.Lead, expected domain.MailStatus) error {
	query := `
		UPDATE leads
		SET mail_status = $3,
			failure_reason = $4,
			scheduled_at = $5,
			scheduled_time_zone = $6,
			initial_sent_at = $7,
			last_sent_at = $8,
			followup_5day_due_at = $9,
			followup_10day_due_at = $10,
			followup_5day_state = $11,
			followup_10day_state = $12,
			thread_id = $13,
			message_id = $14,
			locked = $15,
			locked_at = $16,
			updated_at = $17
		WHERE id = $1 AND mail_status = $2
	`
	result, err := r.db.Exec(ctx, query,
		lead.ID,
		expected,
		lead.MailStatus,
		lead.FailureReason,
		lead.ScheduledAt,
		lead.ScheduledTimeZone,
		lead.InitialSentAt,
		lead.LastSentAt,
		lead.Followup5DueAt,
		lead.Followup10DueAt,
		lead.Followup5State,
		lead.Followup10State,
		lead.ThreadID,
		lead.MessageID,
		lead.Locked,
		lead.LockedAt,
		lead.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update lead lifecycle: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM leads WHERE id = $1)`, lead.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check lead exists: %w", err)
	}
	if !exists {
		return domain.ErrLeadNotFound
	}
	return domain.ErrStatusConflict
}

// GetMessage retrieves the stored message for a lead and email type.
func (r *Repository) GetMessage(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.Message, error) {
	if !ValidID(leadID) {
		return nil, domain.ErrMessageNotFound
	}

	query := `
		SELECT lead_id, email_type, subject, body, personalized, website_used, source, created_at
		FROM outreach_messages
		WHERE lead_id = $1 AND email_type = $2
	`
	var msg domain.Message
	err := r.db.QueryRow(ctx, query, leadID, emailType).Scan(
		&msg.LeadID,
		&msg.EmailType,
		&msg.Subject,
		&msg.Body,
		&msg.Personalized,
		&msg.WebsiteUsed,
		&msg.Source,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// SaveMessage stores or replaces the message for a lead and email type.
func (r *Repository) SaveMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO outreach_messages (lead_id, email_type, subject, body, personalized, website_used, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (lead_id, email_type) DO UPDATE
		SET subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			personalized = EXCLUDED.personalized,
			website_used = EXCLUDED.website_used,
			source = EXCLUDED.source,
			created_at = EXCLUDED.created_at
	`
	var createdAt *time.Time
	if !msg.CreatedAt.IsZero() {
		createdAt = &msg.CreatedAt
	}
	_, err := r.db.Exec(ctx, query,
		msg.LeadID,
		msg.EmailType,
		msg.Subject,
		msg.Body,
		msg.Personalized,
		msg.WebsiteUsed,
		msg.Source,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}
