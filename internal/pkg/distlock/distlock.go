// Package distlock provides job-level mutual exclusion across replicas.
package distlock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking distributed lock.
// A lock instance must not be shared between goroutines.
type DistLock interface {
	// Acquire tries to take the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still holds it.
	Release(ctx context.Context) error
}

// NewLock returns a Redis lock when redisClient is set, otherwise a
// Postgres advisory lock on pool.
func NewLock(redisClient *redis.Client, pool *pgxpool.Pool, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(pool, key)
}

// PGAdvisoryLock implements DistLock with a session-scoped advisory lock.
// The connection holding the lock is kept out of the pool until Release, so
// the lock is dropped automatically if the process dies.
type PGAdvisoryLock struct {
	pool   *pgxpool.Pool
	lockID int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewPGAdvisoryLock creates an advisory lock whose id is derived from key.
func NewPGAdvisoryLock(pool *pgxpool.Pool, key string) *PGAdvisoryLock {
	return &PGAdvisoryLock{
		pool:   pool,
		lockID: advisoryID(key),
	}
}

func advisoryID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire calls pg_try_advisory_lock, which never blocks.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release unlocks and returns the connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
