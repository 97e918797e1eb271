package outreach

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/pkg/distlock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	sweeps   atomic.Int32
	dailies  atomic.Int32
	dailyErr error
}

func (r *fakeRunner) RunSweep(_ context.Context) (*SweepReport, error) {
	r.sweeps.Add(1)
	return &SweepReport{}, nil
}

func (r *fakeRunner) RunDailyBatch(_ context.Context) (*Result, error) {
	r.dailies.Add(1)
	if r.dailyErr != nil {
		return nil, r.dailyErr
	}
	return &Result{Kind: domain.BatchKindDaily}, nil
}

type fakeStats struct {
	calls atomic.Int32
}

func (s *fakeStats) Stats(_ context.Context) (domain.DeadLetterStats, error) {
	s.calls.Add(1)
	return domain.DeadLetterStats{ByStatus: map[domain.DeadLetterStatus]int{domain.DeadLetterPending: 2}}, nil
}

func redisLocks(t *testing.T) (LockFactory, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewRedisLock(client, key, ttl)
	}, client
}

func TestWorker_RunJobSkipsWhenLocked(t *testing.T) {
	locks, client := redisLocks(t)
	ctx := context.Background()
	w := NewWorker(WorkerConfig{}, &fakeRunner{}, locks, nil)

	held := distlock.NewRedisLock(client, "outreach:"+jobSweep, time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	var runs int
	job := func(context.Context) error {
		runs++
		return nil
	}

	w.RunJob(ctx, jobSweep, job)
	assert.Equal(t, 0, runs)

	require.NoError(t, held.Release(ctx))
	w.RunJob(ctx, jobSweep, job)
	w.RunJob(ctx, jobSweep, job)
	assert.Equal(t, 2, runs)
}

func TestWorker_RunJobWithoutLocks(t *testing.T) {
	w := NewWorker(WorkerConfig{}, &fakeRunner{}, nil, nil)

	var runs int
	w.RunJob(context.Background(), jobDaily, func(context.Context) error {
		runs++
		return errors.New("boom")
	})
	assert.Equal(t, 1, runs)
}

func TestWorker_DailyNotDueIsNotAnError(t *testing.T) {
	runner := &fakeRunner{dailyErr: ErrDailyBatchNotAllowed}
	w := NewWorker(WorkerConfig{}, runner, nil, nil)

	assert.NoError(t, w.daily(context.Background()))

	runner.dailyErr = errors.New("database down")
	assert.Error(t, w.daily(context.Background()))
}

func TestWorker_SweepRefreshesQueueStats(t *testing.T) {
	stats := &fakeStats{}
	w := NewWorker(WorkerConfig{}, &fakeRunner{}, nil, stats)

	require.NoError(t, w.sweep(context.Background()))
	assert.Equal(t, int32(1), stats.calls.Load())
}

func TestWorker_StartStop(t *testing.T) {
	runner := &fakeRunner{}
	locks, _ := redisLocks(t)
	w := NewWorker(WorkerConfig{
		SweepInterval: 10 * time.Millisecond,
		DailyInterval: 10 * time.Millisecond,
		DailyEnabled:  true,
	}, runner, locks, nil)

	w.Start(context.Background())
	assert.Eventually(t, func() bool {
		return runner.sweeps.Load() > 0 && runner.dailies.Load() > 0
	}, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{}, &fakeRunner{}, nil, nil)
	assert.Equal(t, 15*time.Minute, w.config.SweepInterval)
	assert.Equal(t, time.Hour, w.config.DailyInterval)
	assert.Equal(t, 30*time.Minute, w.config.LockTTL)
}
