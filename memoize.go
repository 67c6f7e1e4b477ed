package tiercache

import (
	"context"
	"time"
)

// Remember returns the bytes cached under key, or computes them with fn,
// stores them for ttl and returns them. A failing store does not fail the
// call; the computed value still comes back.
func (c *Cache) Remember(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	data, ok, err := c.GetBytes(ctx, key)
	if err == nil && ok {
		return data, nil
	}
	if err != nil {
		c.log.Warn("remember: read failed, recomputing", Fields{"key": key, "error": err})
	}
	data, err = fn(ctx)
	if err != nil {
		return nil, err
	}
	if setErr := c.SetBytes(ctx, key, data, ttl); setErr != nil {
		c.log.Warn("remember: store failed", Fields{"key": key, "error": setErr})
	}
	return data, nil
}

// RememberValue is the typed read-through helper: cached hit, or compute,
// store and return.
func RememberValue[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var v T
	ok, err := c.Get(ctx, key, &v)
	if err == nil && ok {
		return v, nil
	}
	if err != nil {
		c.log.Warn("remember: read failed, recomputing", Fields{"key": key, "error": err})
	}
	v, err = fn(ctx)
	if err != nil {
		return v, err
	}
	if setErr := c.Set(ctx, key, v, ttl); setErr != nil {
		c.log.Warn("remember: store failed", Fields{"key": key, "error": setErr})
	}
	return v, nil
}

// RememberValueLocked is RememberValue with stampede protection: a RedLock
// on key collapses concurrent misses into one computation, and the get is
// double-checked after the lock so waiters pick up the winner's result
// instead of recomputing.
func RememberValueLocked[T any](ctx context.Context, c *Cache, key string, ttl, lease time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var v T
	ok, err := c.Get(ctx, key, &v)
	if err == nil && ok {
		return v, nil
	}

	lock := NewRedLock(c, key, lease)
	if err := lock.Acquire(ctx); err != nil {
		return v, err
	}
	defer func() {
		_, _ = lock.Release(context.WithoutCancel(ctx))
	}()

	ok, err = c.Get(ctx, key, &v)
	if err == nil && ok {
		return v, nil
	}
	v, err = fn(ctx)
	if err != nil {
		return v, err
	}
	if setErr := c.Set(ctx, key, v, ttl); setErr != nil {
		c.log.Warn("remember: store failed", Fields{"key": key, "error": setErr})
	}
	return v, nil
}
