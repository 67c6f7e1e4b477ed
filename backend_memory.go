package tiercache

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryBackend keeps entries in a map with one cancellable expiry timer per
// key. All compare-then-act sequences run under mu, so expiry, CAS and lock
// release never interleave with concurrent writers.
type memoryBackend struct {
	mu     sync.Mutex
	items  map[string][]byte
	timers map[string]*expiryTimer
	gen    uint64

	// onExpire runs under mu when a timer removes a key. The bounded
	// variant installs it to keep its size index in lockstep.
	onExpire func(key string)
}

// expiryTimer pairs a timer with the generation that armed it, so a timer
// that fires after being superseded by a later Set or Expire is ignored.
type expiryTimer struct {
	timer *time.Timer
	gen   uint64
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		items:  make(map[string][]byte),
		timers: make(map[string]*expiryTimer),
	}
}

func (b *memoryBackend) Driver() Driver { return DriverMemory }

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (b *memoryBackend) Gets(_ context.Context, key string) ([]byte, Token, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok {
		return nil, nil, false, nil
	}
	return cloneBytes(v), Token(cloneBytes(v)), true, nil
}

func (b *memoryBackend) MultiGet(_ context.Context, keys ...string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := b.items[key]; ok {
			out[i] = cloneBytes(v)
		}
	}
	return out, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value, ttl)
	return nil
}

func (b *memoryBackend) CompareAndSwap(_ context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if token != nil {
		cur, ok := b.items[key]
		if !ok || !bytes.Equal(cur, token) {
			return false, nil
		}
	}
	b.setLocked(key, value, ttl)
	return true, nil
}

func (b *memoryBackend) MultiSet(_ context.Context, pairs []Pair, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pairs {
		b.setLocked(p.Key, p.Value, ttl)
	}
	return nil
}

func (b *memoryBackend) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; ok {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	b.setLocked(key, value, ttl)
	return nil
}

func (b *memoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	return ok, nil
}

func (b *memoryBackend) Increment(_ context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.incrementLocked(key, delta)
}

func (b *memoryBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false, nil
	}
	b.cancelTimerLocked(key)
	if ttl > 0 {
		b.scheduleLocked(key, ttl)
	}
	return true, nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(key), nil
}

func (b *memoryBackend) MultiDelete(_ context.Context, keys ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, key := range keys {
		n += b.deleteLocked(key)
	}
	return n, nil
}

func (b *memoryBackend) Clear(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if namespace == "" {
		for _, h := range b.timers {
			h.timer.Stop()
		}
		b.items = make(map[string][]byte)
		b.timers = make(map[string]*expiryTimer)
		return nil
	}
	for key := range b.items {
		if strings.HasPrefix(key, namespace) {
			b.deleteLocked(key)
		}
	}
	return nil
}

// Raw exposes the underlying map: get, set, delete, keys, len, and timers
// (the count of armed expiry handles).
func (b *memoryBackend) Raw(_ context.Context, command string, args ...any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rawLocked(command, args)
}

func (b *memoryBackend) rawLocked(command string, args []any) (any, error) {
	switch command {
	case "get":
		key, err := rawKeyArg(command, args)
		if err != nil {
			return nil, err
		}
		v, ok := b.items[key]
		if !ok {
			return nil, nil
		}
		return cloneBytes(v), nil
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
		b.setLocked(key, v, 0)
		return nil, nil
	case "delete":
		key, err := rawKeyArg(command, args)
		if err != nil {
			return nil, err
		}
		return b.deleteLocked(key), nil
	case "keys":
		keys := make([]string, 0, len(b.items))
		for key := range b.items {
			keys = append(keys, key)
		}
		return keys, nil
	case "len":
		return len(b.items), nil
	case "timers":
		return len(b.timers), nil
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrRawUnsupported, command, DriverMemory)
	}
}

func (b *memoryBackend) ReleaseLock(_ context.Context, key string, token Token) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.items[key]
	if !ok || !bytes.Equal(cur, token) {
		return false, nil
	}
	b.deleteLocked(key)
	return true, nil
}

func (b *memoryBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.timers {
		h.timer.Stop()
	}
	b.items = make(map[string][]byte)
	b.timers = make(map[string]*expiryTimer)
	return nil
}

// setLocked stores the value and rearms the expiry timer. Callers hold mu.
func (b *memoryBackend) setLocked(key string, value []byte, ttl time.Duration) {
	b.items[key] = cloneBytes(value)
	b.cancelTimerLocked(key)
	if ttl > 0 {
		b.scheduleLocked(key, ttl)
	}
}

func (b *memoryBackend) incrementLocked(key string, delta int64) (int64, error) {
	n := delta
	if cur, ok := b.items[key]; ok {
		parsed, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
		}
		n = parsed + delta
	}
	// Writes through without touching the timer: increment never changes
	// an entry's TTL.
	b.items[key] = strconv.AppendInt(nil, n, 10)
	return n, nil
}

func (b *memoryBackend) deleteLocked(key string) int {
	if _, ok := b.items[key]; !ok {
		return 0
	}
	b.cancelTimerLocked(key)
	delete(b.items, key)
	return 1
}

func (b *memoryBackend) cancelTimerLocked(key string) {
	if h, ok := b.timers[key]; ok {
		h.timer.Stop()
		delete(b.timers, key)
	}
}

func (b *memoryBackend) scheduleLocked(key string, ttl time.Duration) {
	b.gen++
	g := b.gen
	t := time.AfterFunc(ttl, func() { b.expireKey(key, g) })
	b.timers[key] = &expiryTimer{timer: t, gen: g}
}

// expireKey runs on the timer goroutine. The generation check discards timers
// that lost a race with Stop: a fresh Set may have rearmed the key before a
// stopped-but-already-fired timer gets the lock.
func (b *memoryBackend) expireKey(key string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.timers[key]
	if !ok || h.gen != gen {
		return
	}
	delete(b.timers, key)
	delete(b.items, key)
	if b.onExpire != nil {
		b.onExpire(key)
	}
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func rawKeyArg(command string, args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("tiercache: raw %s wants a key, got %d args", command, len(args))
	}
	key, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("tiercache: raw %s key must be a string, got %T", command, args[0])
	}
	return key, nil
}

func rawValueArg(command string, arg any) ([]byte, error) {
	switch t := arg.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("tiercache: raw %s value must be bytes or string, got %T", command, arg)
	}
}
