package tiercache

import (
	"context"
	"time"
)

// Cache is the application-facing facade over a Backend. It serializes
// values, prepends a namespace to keys, applies a default TTL to writes that
// do not specify one, bounds each operation with an optional timeout, and
// reports operations to an Observer.
type Cache struct {
	backend    Backend
	serializer Serializer
	namespace  string
	defaultTTL time.Duration
	timeout    time.Duration
	observer   Observer
	log        Logger
}

// New wraps backend in a Cache. Without options the cache serializes to
// JSON, uses no namespace, applies no default TTL and no per-op timeout.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:    backend,
		serializer: JSONSerializer{},
		log:        NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the wrapped backend.
func (c *Cache) Backend() Backend { return c.backend }

// Namespaced returns a copy of the cache whose keys live under ns. The copy
// shares the backend.
func (c *Cache) Namespaced(ns string) *Cache {
	clone := *c
	clone.namespace = ns
	return &clone
}

// buildKey prepends the namespace. Plain concatenation keeps the namespace a
// pure prefix so Clear can match it.
func (c *Cache) buildKey(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + key
}

func (c *Cache) resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// opCtx applies the per-operation timeout. A timed-out operation surfaces
// context.DeadlineExceeded from the backend call.
func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) observe(ctx context.Context, op, key string, hit bool, err error, started time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.OnCacheOp(ctx, op, key, hit, err, time.Since(started), c.backend.Driver())
}

// Get loads key and decodes it into dest. It reports false on a miss and
// leaves dest untouched.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	data, ok, err := c.backend.Get(ctx, c.buildKey(key))
	if err == nil && ok {
		err = c.serializer.Unmarshal(data, dest)
	}
	c.observe(ctx, "get", key, ok, err, started)
	if err != nil || !ok {
		return false, err
	}
	return true, nil
}

// GetBytes loads the raw stored bytes without running the serializer.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	data, ok, err := c.backend.Get(ctx, c.buildKey(key))
	c.observe(ctx, "get", key, ok, err, started)
	return data, ok, err
}

// MultiGet returns the raw stored bytes for each key in order, nil for
// misses.
func (c *Cache) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	built := make([]string, len(keys))
	for i, key := range keys {
		built[i] = c.buildKey(key)
	}
	values, err := c.backend.MultiGet(ctx, built...)
	c.observe(ctx, "multi_get", "", len(values) > 0, err, started)
	return values, err
}

// Set encodes value and stores it under key. A ttl <= 0 falls back to the
// cache's default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	data, err := c.serializer.Marshal(value)
	if err == nil {
		err = c.backend.Set(ctx, c.buildKey(key), data, c.resolveTTL(ttl))
	}
	c.observe(ctx, "set", key, false, err, started)
	return err
}

// SetBytes stores raw bytes without running the serializer, pairing with
// GetBytes.
func (c *Cache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.backend.Set(ctx, c.buildKey(key), value, c.resolveTTL(ttl))
	c.observe(ctx, "set", key, false, err, started)
	return err
}

// Entry is one key/value pair for MultiSet; the value passes through the
// cache's serializer.
type Entry struct {
	Key   string
	Value any
}

func (c *Cache) MultiSet(ctx context.Context, entries []Entry, ttl time.Duration) error {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	pairs := make([]Pair, len(entries))
	var err error
	for i, e := range entries {
		var data []byte
		if data, err = c.serializer.Marshal(e.Value); err != nil {
			break
		}
		pairs[i] = Pair{Key: c.buildKey(e.Key), Value: data}
	}
	if err == nil {
		err = c.backend.MultiSet(ctx, pairs, c.resolveTTL(ttl))
	}
	c.observe(ctx, "multi_set", "", false, err, started)
	return err
}

// Add stores value only when key is absent; a live key yields ErrKeyExists.
func (c *Cache) Add(ctx context.Context, key string, value any, ttl time.Duration) error {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	data, err := c.serializer.Marshal(value)
	if err == nil {
		err = c.backend.Add(ctx, c.buildKey(key), data, c.resolveTTL(ttl))
	}
	c.observe(ctx, "add", key, false, err, started)
	return err
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.backend.Exists(ctx, c.buildKey(key))
	c.observe(ctx, "exists", key, ok, err, started)
	return ok, err
}

// Increment bypasses the serializer: counters are stored as decimal strings
// so every backend can add to them natively.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.backend.Increment(ctx, c.buildKey(key), delta)
	c.observe(ctx, "increment", key, false, err, started)
	return n, err
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.backend.Expire(ctx, c.buildKey(key), ttl)
	c.observe(ctx, "expire", key, ok, err, started)
	return ok, err
}

// Delete removes key and reports how many entries went away.
func (c *Cache) Delete(ctx context.Context, key string) (int, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.backend.Delete(ctx, c.buildKey(key))
	c.observe(ctx, "delete", key, n > 0, err, started)
	return n, err
}

func (c *Cache) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	built := make([]string, len(keys))
	for i, key := range keys {
		built[i] = c.buildKey(key)
	}
	n, err := c.backend.MultiDelete(ctx, built...)
	c.observe(ctx, "multi_delete", "", n > 0, err, started)
	return n, err
}

// Clear removes every key under the cache's namespace. On an un-namespaced
// cache it clears the whole backend.
func (c *Cache) Clear(ctx context.Context) error {
	started := time.Now()
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.backend.Clear(ctx, c.namespace)
	c.observe(ctx, "clear", "", false, err, started)
	return err
}

// Raw passes a backend-native command through, untouched by namespace or
// serializer.
func (c *Cache) Raw(ctx context.Context, command string, args ...any) (any, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.backend.Raw(ctx, command, args...)
}

// Close closes the backend.
func (c *Cache) Close(ctx context.Context) error {
	return c.backend.Close(ctx)
}

// GetValue loads and decodes a typed value from c.
func GetValue[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	ok, err := c.Get(ctx, key, &v)
	return v, ok, err
}
