package tiercache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OptimisticLock implements check-and-set over a cache key. Acquire snapshots
// the key's CAS token; Cas writes only while the key still matches the
// snapshot and fails with ErrCASConflict otherwise.
//
// A key absent at snapshot time yields a nil token, and a nil token writes
// unconditionally: the conflict window opens only once the key exists.
type OptimisticLock struct {
	cache    *Cache
	key      string
	token    Token
	acquired bool
}

func NewOptimisticLock(c *Cache, key string) *OptimisticLock {
	return &OptimisticLock{cache: c, key: key}
}

// Acquire snapshots the key's current version.
func (l *OptimisticLock) Acquire(ctx context.Context) error {
	_, token, _, err := l.cache.backend.Gets(ctx, l.cache.buildKey(l.key))
	if err != nil {
		return err
	}
	l.token = token
	l.acquired = true
	return nil
}

// Cas stores value only if the key is unchanged since Acquire.
func (l *OptimisticLock) Cas(ctx context.Context, value any, ttl time.Duration) error {
	if !l.acquired {
		return errors.New("tiercache: optimistic lock used before Acquire")
	}
	data, err := l.cache.serializer.Marshal(value)
	if err != nil {
		return err
	}
	ok, err := l.cache.backend.CompareAndSwap(ctx, l.cache.buildKey(l.key), data, l.cache.resolveTTL(ttl), l.token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cas %q: %w", l.key, ErrCASConflict)
	}
	return nil
}
