package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	store := testutil.NewMemStore()
	tracker := NewTracker(store)
	ctx := context.Background()

	b, err := tracker.Start(ctx, domain.BatchKindManual, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusRunning, b.Status)

	require.NoError(t, tracker.Record(ctx, b.ID, domain.OutcomeSucceeded))
	require.NoError(t, tracker.Record(ctx, b.ID, domain.OutcomeFailed))
	require.NoError(t, tracker.Record(ctx, b.ID, domain.OutcomeSkipped))

	got, err := tracker.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, got.Skipped)
	assert.InDelta(t, 75.0, got.Progress(), 0.001)

	require.NoError(t, tracker.Complete(ctx, b.ID))

	got, err = tracker.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestTracker_Cancel(t *testing.T) {
	store := testutil.NewMemStore()
	tracker := NewTracker(store)
	ctx := context.Background()

	b, err := tracker.Start(ctx, domain.BatchKindDaily, 10)
	require.NoError(t, err)

	cancelled, err := tracker.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCancelled, cancelled.Status)

	isCancelled, err := tracker.IsCancelled(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, isCancelled)

	_, err = tracker.Cancel(ctx, b.ID)
	assert.ErrorIs(t, err, domain.ErrBatchNotRunning)

	require.NoError(t, tracker.Complete(ctx, b.ID))
	got, err := tracker.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCancelled, got.Status)
}

func TestTracker_Fail(t *testing.T) {
	store := testutil.NewMemStore()
	tracker := NewTracker(store)
	ctx := context.Background()

	b, err := tracker.Start(ctx, domain.BatchKindDaily, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Fail(ctx, b.ID, errors.New("claim failed")))

	got, err := tracker.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusFailed, got.Status)
	assert.Equal(t, "claim failed", got.Error)
}

func TestTracker_Listings(t *testing.T) {
	store := testutil.NewMemStore()
	tracker := NewTracker(store)
	ctx := context.Background()

	first, err := tracker.Start(ctx, domain.BatchKindDaily, 1)
	require.NoError(t, err)
	second, err := tracker.Start(ctx, domain.BatchKindManual, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, first.ID))

	active, err := tracker.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	recent, err := tracker.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)

	recent, err = tracker.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	running, err := tracker.HasRunning(ctx, domain.BatchKindDaily)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestTracker_NotFound(t *testing.T) {
	tracker := NewTracker(testutil.NewMemStore())

	_, err := tracker.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	_, err = tracker.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestTracker_SingleRunningDailyBatch(t *testing.T) {
	tracker := NewTracker(testutil.NewMemStore())
	ctx := context.Background()

	first, err := tracker.Start(ctx, domain.BatchKindDaily, 0)
	require.NoError(t, err)

	_, err = tracker.Start(ctx, domain.BatchKindDaily, 0)
	assert.ErrorIs(t, err, domain.ErrBatchAlreadyRunning)

	require.NoError(t, tracker.SetTotal(ctx, first.ID, 3))
	got, err := tracker.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)

	require.NoError(t, tracker.Complete(ctx, first.ID))
	_, err = tracker.Start(ctx, domain.BatchKindDaily, 0)
	assert.NoError(t, err)
}
