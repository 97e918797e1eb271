package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
	"github.com/bissquit/outreach-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

// scriptedGateway returns the scripted errors in order, then succeeds.
type scriptedGateway struct {
	mu       sync.Mutex
	failures []error
	requests []delivery.Request
}

func (g *scriptedGateway) Send(_ context.Context, req delivery.Request) (*delivery.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return nil, err
	}
	return &delivery.Receipt{MessageID: "m-retry", ThreadID: "t-retry"}, nil
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fixture struct {
	store   *testutil.MemStore
	gateway *scriptedGateway
	svc     *Service
}

func newFixture(t *testing.T, failures ...error) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	machine := lifecycle.NewMachine(store, followup.NewScheduler(store), lifecycle.WithClock(func() time.Time { return t0 }))
	gateway := &scriptedGateway{failures: failures}
	svc := NewService(store, gateway, machine, nil, Config{})
	svc.now = func() time.Time { return t0 }
	return &fixture{store: store, gateway: gateway, svc: svc}
}

func (f *fixture) seedFailedLead(id string, status domain.MailStatus) {
	f.store.PutLead(domain.Lead{
		ID:              id,
		Email:           id + "@acme.com",
		MailStatus:      status,
		FailureReason:   "relay timeout",
		Followup5State:  domain.FollowupUnsent,
		Followup10State: domain.FollowupUnsent,
	})
}

func failure(leadID string) Failure {
	return Failure{
		LeadID:    leadID,
		EmailType: domain.EmailTypeInitial,
		Recipient: leadID + "@acme.com",
		Subject:   "Hello",
		Body:      "Body",
		Reason:    "relay timeout",
		Category:  domain.FailureTransient,
	}
}

func TestService_RecordFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, 3, entry.MaxAttempts)
	assert.Equal(t, t0.Add(time.Hour), entry.NextRetryAt)
	assert.Equal(t, domain.FailureTransient, entry.Category)
}

func TestService_RecordFailure_ReusesOpenChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)
	second, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.store.Entries(), 1)

	followupFailure := failure("l1")
	followupFailure.EmailType = domain.EmailTypeFollowup5
	third, err := f.svc.RecordFailure(ctx, followupFailure)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestService_RecordFailure_DataNotRetryable(t *testing.T) {
	f := newFixture(t)
	fl := failure("l1")
	fl.Category = domain.FailureData

	_, err := f.svc.RecordFailure(context.Background(), fl)

	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Empty(t, f.store.Entries())
}

func TestService_Backoff(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, Config{})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Hour},
		{1, time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{4, 4 * time.Hour},
		{50, 4 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestService_Sweep_BoundedRetries(t *testing.T) {
	transient := delivery.Transient(503, "relay down")
	f := newFixture(t, transient, transient, transient, transient)
	f.seedFailedLead("l1", domain.MailStatusFailed)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	res, err = f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Failed: 1}, res)

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, t0.Add(3*time.Hour), entry.NextRetryAt)

	_, err = f.svc.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)

	entry, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterFailed, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.NotNil(t, entry.ResolvedAt)

	res, err = f.svc.Sweep(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 2, f.gateway.calls())

	lead := f.store.Lead("l1")
	assert.Equal(t, domain.MailStatusFailed, lead.MailStatus)
	assert.Nil(t, lead.InitialSentAt)
}

func TestService_Sweep_RecoversOnThirdAttempt(t *testing.T) {
	f := newFixture(t, delivery.Ambiguous(200, "no message id"))
	f.seedFailedLead("l1", domain.MailStatusFailed)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	_, err = f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	res, err := f.svc.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 1}, res)

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterResolved, entry.Status)
	assert.Equal(t, 3, entry.Attempts)

	lead := f.store.Lead("l1")
	assert.Equal(t, domain.MailStatusEmailSent, lead.MailStatus)
	assert.Equal(t, "t-retry", lead.ThreadID)
	assert.NotNil(t, lead.Followup5DueAt)
}

func TestService_Sweep_RecordsUnmarkedLeadOnEntry(t *testing.T) {
	f := newFixture(t)
	f.seedFailedLead("l1", domain.MailStatusFailed)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	f.store.UpdateHook = func(lead *domain.Lead) error {
		if lead.MailStatus == domain.MailStatusEmailSent {
			return errors.New("connection reset")
		}
		return nil
	}

	res, err := f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.gateway.calls())

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterResolved, entry.Status)
	assert.Contains(t, entry.Reason, reasonLeadNotMarked)
	assert.Contains(t, entry.Reason, "m-retry")
	assert.Equal(t, domain.MailStatusFailed, f.store.Lead("l1").MailStatus)
}

func TestService_Sweep_AbandonsRepliedLead(t *testing.T) {
	f := newFixture(t)
	f.seedFailedLead("l1", domain.MailStatusReplyReceived)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Abandoned: 1}, res)
	assert.Equal(t, 0, f.gateway.calls())

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterFailed, entry.Status)
	assert.Equal(t, reasonLeadReplied, entry.Reason)
}

func TestService_Sweep_FollowupUsesLeadThread(t *testing.T) {
	f := newFixture(t)
	f.store.PutLead(domain.Lead{
		ID:              "l1",
		Email:           "l1@acme.com",
		MailStatus:      domain.MailStatusFailed,
		ThreadID:        "t-1",
		MessageID:       "m-1",
		Followup5State:  domain.FollowupUnsent,
		Followup10State: domain.FollowupUnsent,
	})
	ctx := context.Background()

	fl := failure("l1")
	fl.EmailType = domain.EmailTypeFollowup5
	_, err := f.svc.RecordFailure(ctx, fl)
	require.NoError(t, err)

	_, err = f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	require.Equal(t, 1, f.gateway.calls())
	require.NotNil(t, f.gateway.requests[0].ThreadRef)
	assert.Equal(t, "t-1", f.gateway.requests[0].ThreadRef.ThreadID)

	lead := f.store.Lead("l1")
	assert.Equal(t, domain.MailStatusFollowup5Sent, lead.MailStatus)
	assert.Equal(t, "t-1", lead.ThreadID)
}

func TestService_Sweep_IsolatesEntries(t *testing.T) {
	f := newFixture(t, errors.New("boom"))
	f.seedFailedLead("l1", domain.MailStatusFailed)
	f.seedFailedLead("l2", domain.MailStatusFailed)
	ctx := context.Background()

	_, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)
	_, err = f.svc.RecordFailure(ctx, failure("missing"))
	require.NoError(t, err)
	_, err = f.svc.RecordFailure(ctx, failure("l2"))
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, domain.MailStatusEmailSent, f.store.Lead("l2").MailStatus)
}

func TestService_Sweep_DataErrorEndsChain(t *testing.T) {
	f := newFixture(t, delivery.DataError("recipient address is empty"))
	f.seedFailedLead("l1", domain.MailStatusFailed)
	ctx := context.Background()

	id, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)

	_, err = f.svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	entry, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterFailed, entry.Status)
	assert.Equal(t, domain.FailureData, entry.Category)
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordFailure(ctx, failure("l1"))
	require.NoError(t, err)
	rejected := failure("l2")
	rejected.Category = domain.FailureRejection
	_, err = f.svc.RecordFailure(ctx, rejected)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.DeadLetterPending])
	assert.Equal(t, 1, stats.ByCategory[domain.FailureTransient])
	assert.Equal(t, 1, stats.ByCategory[domain.FailureRejection])

	entries, err := f.svc.ListForLead(ctx, "l2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "l2", entries[0].LeadID)
}
