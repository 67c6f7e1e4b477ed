package tiercache

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultBoundedMemoryMB = 64

// boundedMemoryBackend is a memory backend with a global byte budget and LRU
// eviction. It shares the inner backend's mutex, so eviction, expiry
// bookkeeping and the size index always move in lockstep with the map.
//
// Invariant: curBytes equals the sum of sizes at the end of every operation,
// and every tracked key has exactly one LRU slot.
type boundedMemoryBackend struct {
	mem            *memoryBackend
	maxBytes       int64
	rejectOversize bool
	log            Logger

	// guarded by mem.mu
	sizes    map[string]int64
	order    *list.List // front = least recently used
	index    map[string]*list.Element
	curBytes int64
}

func newBoundedMemoryBackend(maxSizeMB int, rejectOversize bool, log Logger) *boundedMemoryBackend {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultBoundedMemoryMB
	}
	if log == nil {
		log = NopLogger{}
	}
	b := &boundedMemoryBackend{
		mem:            newMemoryBackend(),
		maxBytes:       int64(maxSizeMB) << 20,
		rejectOversize: rejectOversize,
		log:            log,
		sizes:          make(map[string]int64),
		order:          list.New(),
		index:          make(map[string]*list.Element),
	}
	b.mem.onExpire = b.forgetLocked
	return b
}

func (b *boundedMemoryBackend) Driver() Driver { return DriverBoundedMemory }

func (b *boundedMemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	v, ok := b.mem.items[key]
	if !ok {
		return nil, false, nil
	}
	b.touchLocked(key)
	return cloneBytes(v), true, nil
}

func (b *boundedMemoryBackend) Gets(_ context.Context, key string) ([]byte, Token, bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	v, ok := b.mem.items[key]
	if !ok {
		return nil, nil, false, nil
	}
	b.touchLocked(key)
	return cloneBytes(v), Token(cloneBytes(v)), true, nil
}

func (b *boundedMemoryBackend) MultiGet(_ context.Context, keys ...string) ([][]byte, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := b.mem.items[key]; ok {
			out[i] = cloneBytes(v)
			b.touchLocked(key)
		}
	}
	return out, nil
}

func (b *boundedMemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	_, err := b.setLocked(key, value, ttl)
	return err
}

func (b *boundedMemoryBackend) CompareAndSwap(_ context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if token != nil {
		cur, ok := b.mem.items[key]
		if !ok || !bytes.Equal(cur, token) {
			return false, nil
		}
	}
	return b.setLocked(key, value, ttl)
}

func (b *boundedMemoryBackend) MultiSet(_ context.Context, pairs []Pair, ttl time.Duration) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	for _, p := range pairs {
		if _, err := b.setLocked(p.Key, p.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (b *boundedMemoryBackend) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if _, ok := b.mem.items[key]; ok {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	_, err := b.setLocked(key, value, ttl)
	return err
}

func (b *boundedMemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	_, ok := b.mem.items[key]
	return ok, nil
}

func (b *boundedMemoryBackend) Increment(_ context.Context, key string, delta int64) (int64, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	n, err := b.mem.incrementLocked(key, delta)
	if err != nil {
		return 0, err
	}
	// Counters stay in the size index; they are far too small to evict for.
	b.trackLocked(key, int64(len(b.mem.items[key])))
	return n, nil
}

func (b *boundedMemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if _, ok := b.mem.items[key]; !ok {
		return false, nil
	}
	b.mem.cancelTimerLocked(key)
	if ttl > 0 {
		b.mem.scheduleLocked(key, ttl)
	}
	return true, nil
}

func (b *boundedMemoryBackend) Delete(_ context.Context, key string) (int, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	return b.deleteLocked(key), nil
}

func (b *boundedMemoryBackend) MultiDelete(_ context.Context, keys ...string) (int, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	n := 0
	for _, key := range keys {
		n += b.deleteLocked(key)
	}
	return n, nil
}

func (b *boundedMemoryBackend) Clear(_ context.Context, namespace string) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if namespace == "" {
		for _, h := range b.mem.timers {
			h.timer.Stop()
		}
		b.mem.items = make(map[string][]byte)
		b.mem.timers = make(map[string]*expiryTimer)
		b.sizes = make(map[string]int64)
		b.order.Init()
		b.index = make(map[string]*list.Element)
		b.curBytes = 0
		return nil
	}
	for key := range b.mem.items {
		if strings.HasPrefix(key, namespace) {
			b.deleteLocked(key)
		}
	}
	return nil
}

// Raw supports the memory commands plus size (tracked bytes) and maxsize
// (the budget).
func (b *boundedMemoryBackend) Raw(_ context.Context, command string, args ...any) (any, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	switch command {
	case "size":
		return b.curBytes, nil
	case "maxsize":
		return b.maxBytes, nil
	case "set":
		if len(args) != 2 {
			return nil, fmt.Errorf("tiercache: raw %s wants key and value, got %d args", command, len(args))
		}
		key, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("tiercache: raw %s key must be a string, got %T", command, args[0])
		}
		v, err := rawValueArg(command, args[1])
		if err != nil {
			return nil, err
		}
		_, err = b.setLocked(key, v, 0)
		return nil, err
	case "delete":
		key, err := rawKeyArg(command, args)
		if err != nil {
			return nil, err
		}
		return b.deleteLocked(key), nil
	default:
		return b.mem.rawLocked(command, args)
	}
}

func (b *boundedMemoryBackend) ReleaseLock(_ context.Context, key string, token Token) (bool, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	cur, ok := b.mem.items[key]
	if !ok || !bytes.Equal(cur, token) {
		return false, nil
	}
	b.deleteLocked(key)
	return true, nil
}

func (b *boundedMemoryBackend) Close(ctx context.Context) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	for _, h := range b.mem.timers {
		h.timer.Stop()
	}
	b.mem.items = make(map[string][]byte)
	b.mem.timers = make(map[string]*expiryTimer)
	b.sizes = make(map[string]int64)
	b.order.Init()
	b.index = make(map[string]*list.Element)
	b.curBytes = 0
	return nil
}

// setLocked stores a value with budget enforcement. An oversize value is
// skipped (false, nil) by default, or rejected with ErrValueTooLarge when the
// backend was built with rejection on. Callers hold mem.mu.
func (b *boundedMemoryBackend) setLocked(key string, value []byte, ttl time.Duration) (bool, error) {
	size := int64(len(value))
	if size > b.maxBytes {
		if b.rejectOversize {
			return false, fmt.Errorf("set %q (%d bytes, budget %d): %w", key, size, b.maxBytes, ErrValueTooLarge)
		}
		b.log.Debug("skipping oversize value", Fields{"key": key, "bytes": size, "budget": b.maxBytes})
		return false, nil
	}
	// Drop the key's old bookkeeping first so eviction can neither pick it
	// as a victim nor count its bytes twice.
	b.forgetLocked(key)
	b.evictLocked(size)
	b.mem.setLocked(key, value, ttl)
	b.trackLocked(key, size)
	return true, nil
}

// evictLocked removes least recently used entries until need bytes fit.
func (b *boundedMemoryBackend) evictLocked(need int64) {
	for b.curBytes+need > b.maxBytes && b.order.Len() > 0 {
		victim := b.order.Front().Value.(string)
		b.mem.deleteLocked(victim)
		b.forgetLocked(victim)
		b.log.Debug("evicted entry", Fields{"key": victim})
	}
}

func (b *boundedMemoryBackend) deleteLocked(key string) int {
	n := b.mem.deleteLocked(key)
	if n > 0 {
		b.forgetLocked(key)
	}
	return n
}

func (b *boundedMemoryBackend) trackLocked(key string, size int64) {
	if old, ok := b.sizes[key]; ok {
		b.curBytes += size - old
		b.sizes[key] = size
		b.order.MoveToBack(b.index[key])
		return
	}
	b.sizes[key] = size
	b.curBytes += size
	b.index[key] = b.order.PushBack(key)
}

func (b *boundedMemoryBackend) touchLocked(key string) {
	if el, ok := b.index[key]; ok {
		b.order.MoveToBack(el)
	}
}

func (b *boundedMemoryBackend) forgetLocked(key string) {
	if size, ok := b.sizes[key]; ok {
		b.curBytes -= size
		delete(b.sizes, key)
	}
	if el, ok := b.index[key]; ok {
		b.order.Remove(el)
		delete(b.index, key)
	}
}
