//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
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

func newMachine(t *testing.T, now time.Time) (*Repository, *lifecycle.Machine) {
	t.Helper()
	testutil.Truncate(t, testPool, "leads")
	repo := NewRepository(testPool)
	machine := lifecycle.NewMachine(repo, followup.NewScheduler(nil), lifecycle.WithClock(func() time.Time { return now }))
	return repo, machine
}

func TestRepository_CreateAndGetLead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC)
	repo, machine := newMachine(t, now)

	lead := &domain.Lead{Email: "Jane@Acme.com", CompanyName: "Acme", Country: "USA", Verified: true}
	require.NoError(t, machine.CreateLead(ctx, lead))

	got, err := repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane@Acme.com", got.Email)
	assert.Equal(t, domain.MailStatusNew, got.MailStatus)
	assert.Equal(t, domain.FollowupUnsent, got.Followup5State)
	assert.Nil(t, got.ScheduledAt)
	assert.True(t, got.CreatedAt.Equal(now))

	err = machine.CreateLead(ctx, &domain.Lead{Email: "jane@acme.com", CompanyName: "Acme"})
	assert.ErrorIs(t, err, domain.ErrDuplicateLead)

	_, err = repo.GetLead(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrLeadNotFound)

	_, err = repo.GetLead(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrLeadNotFound)
}

func TestRepository_LifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC)
	repo, machine := newMachine(t, now)

	lead := &domain.Lead{Email: "jane@acme.com", CompanyName: "Acme", Verified: true}
	require.NoError(t, machine.CreateLead(ctx, lead))

	_, err := machine.MarkSending(ctx, lead.ID, domain.EmailTypeInitial)
	require.NoError(t, err)
	_, err = machine.MarkSent(ctx, lead.ID, domain.EmailTypeInitial, "<m-1@relay>", "thread-1")
	require.NoError(t, err)

	got, err := repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusEmailSent, got.MailStatus)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, "<m-1@relay>", got.MessageID)
	assert.False(t, got.Locked)
	require.NotNil(t, got.InitialSentAt)
	assert.True(t, got.InitialSentAt.Equal(now))
	require.NotNil(t, got.Followup5DueAt)
	assert.True(t, got.Followup5DueAt.Equal(now.AddDate(0, 0, 5)))
	require.NotNil(t, got.Followup10DueAt)
	assert.True(t, got.Followup10DueAt.Equal(now.AddDate(0, 0, 10)))
}

func TestRepository_UpdateLifecycleConflict(t *testing.T) {
	ctx := context.Background()
	repo, machine := newMachine(t, time.Now().UTC())

	lead := &domain.Lead{Email: "jane@acme.com", CompanyName: "Acme"}
	require.NoError(t, machine.CreateLead(ctx, lead))

	stale, err := repo.GetLead(ctx, lead.ID)
	require.NoError(t, err)

	_, err = machine.MarkFailed(ctx, lead.ID, "bounced")
	require.NoError(t, err)

	stale.MailStatus = domain.MailStatusSending
	err = repo.UpdateLifecycle(ctx, stale, domain.MailStatusNew)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	stale.ID = uuid.NewString()
	err = repo.UpdateLifecycle(ctx, stale, domain.MailStatusNew)
	assert.ErrorIs(t, err, domain.ErrLeadNotFound)
}

func TestRepository_Messages(t *testing.T) {
	ctx := context.Background()
	repo, machine := newMachine(t, time.Now().UTC())

	lead := &domain.Lead{Email: "jane@acme.com", CompanyName: "Acme"}
	require.NoError(t, machine.CreateLead(ctx, lead))

	_, err := repo.GetMessage(ctx, lead.ID, domain.EmailTypeInitial)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	msg := &domain.Message{
		LeadID:    lead.ID,
		EmailType: domain.EmailTypeInitial,
		Subject:   "Hello",
		Body:      "<p>template</p>",
		Source:    domain.MessageSourceTemplate,
	}
	require.NoError(t, repo.SaveMessage(ctx, msg))

	msg.Body = "<p>generated</p>"
	msg.Personalized = true
	msg.WebsiteUsed = true
	msg.Source = domain.MessageSourceGenerated
	require.NoError(t, repo.SaveMessage(ctx, msg))

	got, err := repo.GetMessage(ctx, lead.ID, domain.EmailTypeInitial)
	require.NoError(t, err)
	assert.Equal(t, "<p>generated</p>", got.Body)
	assert.True(t, got.Personalized)
	assert.True(t, got.WebsiteUsed)
	assert.Equal(t, domain.MessageSourceGenerated, got.Source)
	assert.False(t, got.CreatedAt.IsZero())
}
