package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "sweep", time.Minute)
	second := NewRedisLock(client, "sweep", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "daily", time.Minute)
	other := NewRedisLock(client, "daily", time.Minute)

	ok, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, other.Release(ctx))
	assert.True(t, mr.Exists("lock:daily"))
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "sweep", time.Minute)
	second := NewRedisLock(client, "sweep", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, first.Extend(ctx, time.Minute), ErrNotHeld)
	require.NoError(t, second.Extend(ctx, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("lock:sweep"))
}

func TestNewLock_PrefersRedis(t *testing.T) {
	_, client := newRedis(t)

	_, isRedis := NewLock(client, nil, "k", time.Minute).(*RedisLock)
	assert.True(t, isRedis)

	_, isPG := NewLock(nil, nil, "k", time.Minute).(*PGAdvisoryLock)
	assert.True(t, isPG)
}

func TestAdvisoryID_Deterministic(t *testing.T) {
	assert.Equal(t, advisoryID("outreach:sweep"), advisoryID("outreach:sweep"))
	assert.NotEqual(t, advisoryID("outreach:sweep"), advisoryID("outreach:daily"))
}
