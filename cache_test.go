package tiercache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testPayload struct {
	Name string `json:"name"`
	Hits int    `json:"hits"`
}

func TestCacheSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	in := testPayload{Name: "widget", Hits: 3}
	if err := c.Set(ctx, "payload", in, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	var out testPayload
	ok, err := c.Get(ctx, "payload", &out)
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}

	ok, err = c.Get(ctx, "missing", &out)
	if err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
}

func TestCacheNamespacePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	c := New(backend, WithNamespace("svc:"))

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "svc:k"); !ok {
		t.Fatalf("expected namespaced key in backend")
	}
	if _, ok, _ := backend.Get(ctx, "k"); ok {
		t.Fatalf("expected bare key absent in backend")
	}

	other := c.Namespaced("other:")
	if err := other.Set(ctx, "k", "w", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	var got string
	if ok, err := c.Get(ctx, "k", &got); err != nil || !ok || got != "v" {
		t.Fatalf("expected original namespace untouched: ok=%v got=%q err=%v", ok, got, err)
	}

	// Clear only removes the cache's own namespace.
	if err := other.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if ok, err := c.Exists(ctx, "k"); err != nil || !ok {
		t.Fatalf("expected svc namespace to survive other namespace clear")
	}
	if ok, err := other.Exists(ctx, "k"); err != nil || ok {
		t.Fatalf("expected other namespace cleared")
	}
}

func TestCacheDefaultTTLAppliesToZeroTTLWrites(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), WithDefaultTTL(30*time.Millisecond))

	if err := c.Set(ctx, "short", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := c.Set(ctx, "long", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if ok, _ := c.Exists(ctx, "short"); ok {
		t.Fatalf("expected default ttl to expire the key")
	}
	if ok, _ := c.Exists(ctx, "long"); !ok {
		t.Fatalf("expected explicit ttl to win over the default")
	}
}

// slowBackend delays reads long enough to trip the cache's operation timeout.
type slowBackend struct {
	Backend
	delay time.Duration
}

func (s *slowBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return s.Backend.Get(ctx, key)
}

func TestCacheTimeoutSurfacesDeadlineExceeded(t *testing.T) {
	ctx := context.Background()
	c := New(&slowBackend{Backend: newMemoryBackend(), delay: 100 * time.Millisecond}, WithTimeout(10*time.Millisecond))

	var out string
	_, err := c.Get(ctx, "k", &out)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCacheObserverSeesOperations(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	type event struct {
		op     string
		key    string
		hit    bool
		driver Driver
	}
	var events []event
	obs := ObserverFunc(func(_ context.Context, op, key string, hit bool, err error, dur time.Duration, driver Driver) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{op: op, key: key, hit: hit, driver: driver})
	})

	c := New(newMemoryBackend(), WithObserver(obs))
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	var out string
	if ok, err := c.Get(ctx, "k", &out); err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Get(ctx, "missing", &out); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].op != "set" || events[0].key != "k" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].op != "get" || !events[1].hit {
		t.Fatalf("expected hit event, got %+v", events[1])
	}
	if events[2].op != "get" || events[2].hit {
		t.Fatalf("expected miss event, got %+v", events[2])
	}
	if events[0].driver != DriverMemory {
		t.Fatalf("expected memory driver, got %s", events[0].driver)
	}
}

func TestCacheBytesPathSkipsSerializer(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	raw := []byte{0x00, 0xff, 0x10}
	if err := c.SetBytes(ctx, "blob", raw, 0); err != nil {
		t.Fatalf("setbytes failed: %v", err)
	}
	got, ok, err := c.GetBytes(ctx, "blob")
	if err != nil || !ok {
		t.Fatalf("getbytes failed: ok=%v err=%v", ok, err)
	}
	if string(got) != string(raw) {
		t.Fatalf("expected raw bytes unchanged, got %x", got)
	}
}

func TestCacheMultiOperations(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), WithNamespace("svc:"))

	entries := []Entry{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}
	if err := c.MultiSet(ctx, entries, 0); err != nil {
		t.Fatalf("multiset failed: %v", err)
	}
	values, err := c.MultiGet(ctx, "a", "missing", "b")
	if err != nil {
		t.Fatalf("multiget failed: %v", err)
	}
	if string(values[0]) != `"1"` || values[1] != nil || string(values[2]) != `"2"` {
		t.Fatalf("unexpected multiget values: %q %q %q", values[0], values[1], values[2])
	}

	n, err := c.MultiDelete(ctx, "a", "b", "missing")
	if err != nil || n != 2 {
		t.Fatalf("multidelete failed: n=%d err=%v", n, err)
	}
}

func TestCacheCounterAndExpireHelpers(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	n, err := c.Increment(ctx, "counter", 2)
	if err != nil || n != 2 {
		t.Fatalf("increment failed: n=%d err=%v", n, err)
	}

	if ok, err := c.Expire(ctx, "counter", 20*time.Millisecond); err != nil || !ok {
		t.Fatalf("expire failed: ok=%v err=%v", ok, err)
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := c.Exists(ctx, "counter"); ok {
		t.Fatalf("expected counter to expire")
	}

	if n, err := c.Delete(ctx, "counter"); err != nil || n != 0 {
		t.Fatalf("expected delete of expired key to report 0: n=%d err=%v", n, err)
	}
}

func TestCacheAddReturnsErrKeyExists(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	if err := c.Add(ctx, "once", "first", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := c.Add(ctx, "once", "second", 0); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestGenericTypedWrappers(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	if err := c.Set(ctx, "payload", testPayload{Name: "n", Hits: 1}, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok, err := GetValue[testPayload](ctx, c, "payload")
	if err != nil || !ok {
		t.Fatalf("getvalue failed: ok=%v err=%v", ok, err)
	}
	if got.Name != "n" || got.Hits != 1 {
		t.Fatalf("unexpected value: %+v", got)
	}

	if _, ok, err := GetValue[testPayload](ctx, c, "missing"); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
}

func TestCacheRawPassesThrough(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), WithNamespace("svc:"))
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	// Raw is untouched by the namespace: the key must be fully qualified.
	v, err := c.Raw(ctx, "get", "svc:k")
	if err != nil || v == nil {
		t.Fatalf("raw get failed: v=%v err=%v", v, err)
	}
}
