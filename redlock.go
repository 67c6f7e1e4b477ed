package tiercache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const lockKeySuffix = "-lock"

// lockWaiters parks contenders for locks held inside this process. The
// channel for a lock key is closed on release, waking every parked waiter at
// once; waiters for remote holders fall back to the lease timeout.
var lockWaiters = struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}{m: make(map[string]chan struct{})}

// RedLock is a single-instance distributed lock in the Redlock style. One
// contender wins the lock key with an add-if-absent write bounded by lease;
// the rest park until the holder releases, the lease runs out, or their
// context ends. Waiters then proceed WITHOUT the lock: the lock trades
// strict mutual exclusion for availability, collapsing a thundering herd
// into one computation most of the time while never blocking callers beyond
// the lease.
type RedLock struct {
	cache *Cache
	key   string
	lease time.Duration
	token Token
}

// NewRedLock prepares a lock on key. The lock key lives in the cache's
// namespace with a "-lock" suffix so it cannot collide with the value key.
func NewRedLock(c *Cache, key string, lease time.Duration) *RedLock {
	return &RedLock{cache: c, key: key, lease: lease}
}

func (l *RedLock) lockKey() string {
	return l.cache.buildKey(l.key + lockKeySuffix)
}

// Acquire wins or waits. A nil return means the caller may proceed; only the
// winner holds the lock (and only the winner's Release removes it).
func (l *RedLock) Acquire(ctx context.Context) error {
	lockKey := l.lockKey()
	token := Token(uuid.NewString())
	err := l.cache.backend.Add(ctx, lockKey, []byte(token), l.lease)
	if err == nil {
		l.token = token
		lockWaiters.mu.Lock()
		lockWaiters.m[lockKey] = make(chan struct{})
		lockWaiters.mu.Unlock()
		return nil
	}
	if !errors.Is(err, ErrKeyExists) {
		return err
	}

	lockWaiters.mu.Lock()
	ch, ok := lockWaiters.m[lockKey]
	lockWaiters.mu.Unlock()
	if !ok {
		// Holder is remote, or released between our add and the lookup.
		// Wait out the lease rather than busy-poll the backend.
		if l.lease <= 0 {
			return nil
		}
	}

	timer := time.NewTimer(l.lease)
	defer timer.Stop()
	if ch != nil {
		select {
		case <-ch:
			return nil
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release removes the lock only while it still carries this holder's token,
// then wakes parked waiters. A lock already expired and re-acquired by
// someone else is left alone, and its waiter entry stays in place so the new
// holder's release still reaches them.
func (l *RedLock) Release(ctx context.Context) (bool, error) {
	lockKey := l.lockKey()
	removed, err := l.cache.backend.ReleaseLock(ctx, lockKey, l.token)
	if err != nil || !removed {
		return false, err
	}
	lockWaiters.mu.Lock()
	ch, ok := lockWaiters.m[lockKey]
	delete(lockWaiters.m, lockKey)
	lockWaiters.mu.Unlock()
	if ok {
		close(ch)
	}
	return true, nil
}

// WithRedLock runs fn after acquiring (or waiting out) the lock on key, and
// releases on the way out even when ctx has been canceled mid-fn.
func WithRedLock(ctx context.Context, c *Cache, key string, lease time.Duration, fn func(context.Context) error) error {
	lock := NewRedLock(c, key, lease)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		_, _ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
