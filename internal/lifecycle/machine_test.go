package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/bissquit/outreach-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

func newMachine(t *testing.T) (*Machine, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	m := NewMachine(store, followup.NewScheduler(store), WithClock(func() time.Time { return fixedNow }))
	return m, store
}

func seedNew(t *testing.T, m *Machine) string {
	t.Helper()
	lead := &domain.Lead{Email: "jo@acme.com", CompanyName: "Acme", Verified: true}
	require.NoError(t, m.CreateLead(context.Background(), lead))
	return lead.ID
}

func sendInitial(t *testing.T, m *Machine, id, messageID, threadID string) *domain.Lead {
	t.Helper()
	ctx := context.Background()
	_, err := m.MarkSending(ctx, id, domain.EmailTypeInitial)
	require.NoError(t, err)
	lead, err := m.MarkSent(ctx, id, domain.EmailTypeInitial, messageID, threadID)
	require.NoError(t, err)
	return lead
}

func TestMachine_CreateLead(t *testing.T) {
	m, store := newMachine(t)

	id := seedNew(t, m)

	lead := store.Lead(id)
	assert.NotEmpty(t, id)
	assert.Equal(t, domain.MailStatusNew, lead.MailStatus)
	assert.Equal(t, domain.FollowupUnsent, lead.Followup5State)
	assert.Equal(t, domain.FollowupUnsent, lead.Followup10State)
	assert.Equal(t, fixedNow, lead.CreatedAt)
}

func TestMachine_InitialSendSchedulesFollowups(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)

	lead := sendInitial(t, m, id, "m-1", "t-1")

	assert.Equal(t, domain.MailStatusEmailSent, lead.MailStatus)
	assert.Equal(t, "t-1", lead.ThreadID)
	assert.Equal(t, "m-1", lead.MessageID)
	assert.False(t, lead.Locked)
	require.NotNil(t, lead.InitialSentAt)
	assert.Equal(t, fixedNow, *lead.InitialSentAt)
	assert.Equal(t, fixedNow.AddDate(0, 0, 5), *lead.Followup5DueAt)
	assert.Equal(t, fixedNow.AddDate(0, 0, 10), *lead.Followup10DueAt)

	assert.Equal(t, domain.MailStatusEmailSent, store.Lead(id).MailStatus)
}

func TestMachine_NoDoubleInitialSend(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)
	sendInitial(t, m, id, "m-1", "t-1")
	ctx := context.Background()

	_, err := m.MarkSending(ctx, id, domain.EmailTypeInitial)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = m.MarkSent(ctx, id, domain.EmailTypeInitial, "m-2", "t-2")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	lead := store.Lead(id)
	assert.Equal(t, "t-1", lead.ThreadID)
	assert.Equal(t, "m-1", lead.MessageID)
}

func TestMachine_InitialRetryAfterSentRejected(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)
	sendInitial(t, m, id, "m-1", "t-1")

	lead := store.Lead(id)
	lead.MailStatus = domain.MailStatusFailed
	store.PutLead(lead)

	_, err := m.MarkSent(context.Background(), id, domain.EmailTypeInitial, "m-2", "t-2")
	assert.ErrorIs(t, err, ErrAlreadySent)
}

func TestMachine_FollowupKeepsThread(t *testing.T) {
	m, _ := newMachine(t)
	id := seedNew(t, m)
	sendInitial(t, m, id, "m-1", "t-1")
	ctx := context.Background()

	_, err := m.MarkSending(ctx, id, domain.EmailTypeFollowup5)
	require.NoError(t, err)
	lead, err := m.MarkSent(ctx, id, domain.EmailTypeFollowup5, "m-2", "t-other")
	require.NoError(t, err)

	assert.Equal(t, domain.MailStatusFollowup5Sent, lead.MailStatus)
	assert.Equal(t, domain.FollowupSent, lead.Followup5State)
	assert.Equal(t, domain.FollowupUnsent, lead.Followup10State)
	assert.Equal(t, "t-1", lead.ThreadID)
	assert.Equal(t, "m-1", lead.MessageID)

	_, err = m.MarkSending(ctx, id, domain.EmailTypeFollowup10)
	require.NoError(t, err)
	lead, err = m.MarkSent(ctx, id, domain.EmailTypeFollowup10, "m-3", "t-1")
	require.NoError(t, err)

	assert.Equal(t, domain.MailStatusFollowup10Sent, lead.MailStatus)
	assert.Equal(t, domain.FollowupSent, lead.Followup10State)
}

func TestMachine_MarkSendingTransitions(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.MailStatus
		emailType domain.EmailType
		wantErr   error
	}{
		{"initial from new", domain.MailStatusNew, domain.EmailTypeInitial, nil},
		{"initial from scheduled", domain.MailStatusScheduled, domain.EmailTypeInitial, nil},
		{"five day from email_sent", domain.MailStatusEmailSent, domain.EmailTypeFollowup5, nil},
		{"ten day from five day sent", domain.MailStatusFollowup5Sent, domain.EmailTypeFollowup10, ErrAlreadySent},
		{"ten day from email_sent", domain.MailStatusEmailSent, domain.EmailTypeFollowup10, ErrIllegalTransition},
		{"initial from replied", domain.MailStatusReplyReceived, domain.EmailTypeInitial, ErrIllegalTransition},
		{"five day from sending", domain.MailStatusSending, domain.EmailTypeFollowup5, ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store := newMachine(t)
			store.PutLead(domain.Lead{
				ID:              "l1",
				MailStatus:      tt.status,
				Followup5State:  domain.FollowupUnsent,
				Followup10State: domain.FollowupSent,
			})

			lead, err := m.MarkSending(context.Background(), "l1", tt.emailType)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.status, store.Lead("l1").MailStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.MailStatusSending, lead.MailStatus)
			assert.True(t, lead.Locked)
			assert.Equal(t, fixedNow, *lead.LockedAt)
		})
	}
}

func TestMachine_MarkReplied_CancelsPendingFollowups(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)
	sendInitial(t, m, id, "m-1", "t-1")

	lead, err := m.MarkReplied(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusReplyReceived, lead.MailStatus)
	assert.Equal(t, domain.FollowupCancelled, lead.Followup5State)
	assert.Equal(t, domain.FollowupCancelled, lead.Followup10State)
	assert.NotNil(t, lead.Followup5DueAt)

	due, err := followup.NewScheduler(store).DueToday(context.Background(), fixedNow.AddDate(0, 0, 11))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMachine_MarkReplied_KeepsSentMarker(t *testing.T) {
	m, store := newMachine(t)
	store.PutLead(domain.Lead{
		ID:              "l1",
		MailStatus:      domain.MailStatusFollowup5Sent,
		Followup5State:  domain.FollowupSent,
		Followup10State: domain.FollowupUnsent,
		Locked:          true,
	})

	lead, err := m.MarkReplied(context.Background(), "l1")

	require.NoError(t, err)
	assert.Equal(t, domain.FollowupSent, lead.Followup5State)
	assert.Equal(t, domain.FollowupCancelled, lead.Followup10State)
	assert.False(t, lead.Locked)
}

func TestMachine_MarkScheduled(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)
	when := time.Date(2026, 10, 21, 6, 0, 0, 0, time.UTC)

	lead, err := m.MarkScheduled(context.Background(), id, when, "Europe/Moscow")

	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusScheduled, lead.MailStatus)
	assert.Equal(t, when, *lead.ScheduledAt)
	assert.Equal(t, "Europe/Moscow", lead.ScheduledTimeZone)

	_, err = m.MarkScheduled(context.Background(), id, when.Add(time.Hour), "Europe/Moscow")
	require.NoError(t, err)
	assert.Equal(t, when.Add(time.Hour), *store.Lead(id).ScheduledAt)

	sendInitial(t, m, id, "m-1", "t-1")
	assert.Nil(t, store.Lead(id).ScheduledAt)

	_, err = m.MarkScheduled(context.Background(), id, when, "UTC")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMachine_MarkFailed(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)
	ctx := context.Background()

	_, err := m.MarkSending(ctx, id, domain.EmailTypeInitial)
	require.NoError(t, err)

	lead, err := m.MarkFailed(ctx, id, "relay timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusFailed, lead.MailStatus)
	assert.Equal(t, "relay timeout", lead.FailureReason)
	assert.False(t, lead.Locked)

	lead, err = m.MarkSent(ctx, id, domain.EmailTypeInitial, "m-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MailStatusEmailSent, lead.MailStatus)
	assert.Empty(t, lead.FailureReason)

	_, err = m.MarkReplied(ctx, id)
	require.NoError(t, err)
	_, err = m.MarkFailed(ctx, id, "late failure")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, domain.MailStatusReplyReceived, store.Lead(id).MailStatus)
}

func TestMachine_ConcurrentWriteConflict(t *testing.T) {
	m, store := newMachine(t)
	id := seedNew(t, m)

	store.UpdateHook = func(*domain.Lead) error {
		store.UpdateHook = nil
		return domain.ErrStatusConflict
	}

	_, err := m.MarkSending(context.Background(), id, domain.EmailTypeInitial)

	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	assert.Equal(t, domain.MailStatusNew, store.Lead(id).MailStatus)
}

func TestMachine_LeadNotFound(t *testing.T) {
	m, _ := newMachine(t)

	_, err := m.MarkReplied(context.Background(), "missing")

	assert.True(t, errors.Is(err, domain.ErrLeadNotFound))
}
