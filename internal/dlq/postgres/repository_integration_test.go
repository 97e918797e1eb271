//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/dlq"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
	leads "github.com/bissquit/outreach-engine/internal/lifecycle/postgres"
	"github.com/bissquit/outreach-engine/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	pool, stop, err := testutil.StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	testPool = pool
	code := m.Run()
	stop()
	os.Exit(code)
}

var t0 = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

type okGateway struct {
	sent []delivery.Request
}

func (g *okGateway) Send(_ context.Context, req delivery.Request) (*delivery.Receipt, error) {
	g.sent = append(g.sent, req)
	return &delivery.Receipt{MessageID: "<retry@relay>", ThreadID: "thread-retry"}, nil
}

func setup(t *testing.T) *lifecycle.Machine {
	t.Helper()
	testutil.Truncate(t, testPool, "dead_letter_entries", "leads")
	return lifecycle.NewMachine(leads.NewRepository(testPool), followup.NewScheduler(nil),
		lifecycle.WithClock(func() time.Time { return t0 }))
}

func failedLead(t *testing.T, machine *lifecycle.Machine, email string) string {
	t.Helper()
	ctx := context.Background()
	lead := &domain.Lead{Email: email, CompanyName: "Acme", Verified: true}
	require.NoError(t, machine.CreateLead(ctx, lead))
	_, err := machine.MarkSending(ctx, lead.ID, domain.EmailTypeInitial)
	require.NoError(t, err)
	_, err = machine.MarkFailed(ctx, lead.ID, "relay unavailable")
	require.NoError(t, err)
	return lead.ID
}

func newEntry(leadID string) *domain.DeadLetterEntry {
	return &domain.DeadLetterEntry{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		EmailType:   domain.EmailTypeInitial,
		Recipient:   "jane@acme.com",
		Subject:     "Hello",
		Body:        "Body",
		Reason:      "relay unavailable",
		Category:    domain.FailureTransient,
		Attempts:    1,
		MaxAttempts: 3,
		NextRetryAt: t0.Add(time.Hour),
		Status:      domain.DeadLetterPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func TestRepository_EntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	machine := setup(t)
	repo := NewRepository(testPool)
	leadID := failedLead(t, machine, "jane@acme.com")

	entry := newEntry(leadID)
	entry.ThreadRef = &domain.ThreadRef{ThreadID: "thread-1", MessageID: "<m1@relay>"}
	require.NoError(t, repo.CreateEntry(ctx, entry))

	got, err := repo.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, leadID, got.LeadID)
	assert.Equal(t, domain.FailureTransient, got.Category)
	require.NotNil(t, got.ThreadRef)
	assert.Equal(t, "<m1@relay>", got.ThreadRef.MessageID)
	assert.True(t, got.NextRetryAt.Equal(t0.Add(time.Hour)))

	open, err := repo.FindOpenEntry(ctx, leadID, domain.EmailTypeInitial)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, open.ID)

	_, err = repo.FindOpenEntry(ctx, leadID, domain.EmailTypeFollowup5)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)

	_, err = repo.GetEntry(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestRepository_OneOpenChainPerLeadAndType(t *testing.T) {
	ctx := context.Background()
	machine := setup(t)
	repo := NewRepository(testPool)
	leadID := failedLead(t, machine, "jane@acme.com")

	require.NoError(t, repo.CreateEntry(ctx, newEntry(leadID)))
	assert.Error(t, repo.CreateEntry(ctx, newEntry(leadID)))
}

func TestRepository_TransitionAndDue(t *testing.T) {
	ctx := context.Background()
	machine := setup(t)
	repo := NewRepository(testPool)
	leadID := failedLead(t, machine, "jane@acme.com")

	entry := newEntry(leadID)
	require.NoError(t, repo.CreateEntry(ctx, entry))

	due, err := repo.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.ListDue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, repo.TransitionEntry(ctx, entry.ID, domain.DeadLetterPending, domain.DeadLetterRetrying))
	err = repo.TransitionEntry(ctx, entry.ID, domain.DeadLetterPending, domain.DeadLetterRetrying)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	err = repo.TransitionEntry(ctx, uuid.NewString(), domain.DeadLetterPending, domain.DeadLetterRetrying)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)

	due, err = repo.ListDue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRepository_SweepResolvesEntry(t *testing.T) {
	ctx := context.Background()
	machine := setup(t)
	repo := NewRepository(testPool)
	leadID := failedLead(t, machine, "jane@acme.com")

	gateway := &okGateway{}
	svc := dlq.NewService(repo, gateway, machine, nil, dlq.Config{
		Clock: func() time.Time { return t0 },
	})

	entryID, err := svc.RecordFailure(ctx, dlq.Failure{
		LeadID:    leadID,
		EmailType: domain.EmailTypeInitial,
		Recipient: "jane@acme.com",
		Subject:   "Hello",
		Body:      "Body",
		Reason:    "relay unavailable",
		Category:  domain.FailureTransient,
	})
	require.NoError(t, err)

	result, err := svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, gateway.sent, 1)

	entry, err := repo.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterResolved, entry.Status)
	assert.NotNil(t, entry.ResolvedAt)

	lead, err := machine.Get(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusEmailSent, lead.MailStatus)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[domain.DeadLetterResolved])
	assert.Equal(t, 1, stats.ByCategory[domain.FailureTransient])

	entries, err := repo.ListForLead(ctx, leadID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
