package tiercache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// newTinyBoundedBackend returns a bounded backend with a budget small enough
// to exercise eviction without megabytes of test data.
func newTinyBoundedBackend(maxBytes int64, rejectOversize bool) *boundedMemoryBackend {
	b := newBoundedMemoryBackend(1, rejectOversize, NopLogger{})
	b.maxBytes = maxBytes
	return b
}

func trackedBytes(t *testing.T, b *boundedMemoryBackend) int64 {
	t.Helper()
	size, err := b.Raw(context.Background(), "size")
	if err != nil {
		t.Fatalf("raw size failed: %v", err)
	}
	return size.(int64)
}

func TestBoundedBackendEvictsLeastRecentlyUsed(t *testing.T) {
	b := newTinyBoundedBackend(10, false)
	ctx := context.Background()

	if err := b.Set(ctx, "a", []byte("1234"), 0); err != nil {
		t.Fatalf("set a failed: %v", err)
	}
	if err := b.Set(ctx, "b", []byte("1234"), 0); err != nil {
		t.Fatalf("set b failed: %v", err)
	}
	// Touch a so b becomes the eviction victim.
	if _, ok, _ := b.Get(ctx, "a"); !ok {
		t.Fatalf("expected a present")
	}
	if err := b.Set(ctx, "c", []byte("1234"), 0); err != nil {
		t.Fatalf("set c failed: %v", err)
	}

	if _, ok, _ := b.Get(ctx, "b"); ok {
		t.Fatalf("expected b evicted as least recently used")
	}
	if _, ok, _ := b.Get(ctx, "a"); !ok {
		t.Fatalf("expected a retained")
	}
	if _, ok, _ := b.Get(ctx, "c"); !ok {
		t.Fatalf("expected c retained")
	}
	if got := trackedBytes(t, b); got != 8 {
		t.Fatalf("expected 8 tracked bytes, got %d", got)
	}
}

func TestBoundedBackendOverwriteDoesNotDoubleCount(t *testing.T) {
	b := newTinyBoundedBackend(10, false)
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("12345678"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	// Overwriting the same key must replace its bookkeeping, not add to it,
	// and must not evict the key being written.
	if err := b.Set(ctx, "k", []byte("87654321"), 0); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(got, []byte("87654321")) {
		t.Fatalf("expected overwrite to survive: ok=%v body=%q err=%v", ok, got, err)
	}
	if got := trackedBytes(t, b); got != 8 {
		t.Fatalf("expected 8 tracked bytes after overwrite, got %d", got)
	}
}

func TestBoundedBackendOversizeValueSkipped(t *testing.T) {
	b := newTinyBoundedBackend(4, false)
	ctx := context.Background()

	if err := b.Set(ctx, "big", []byte("123456"), 0); err != nil {
		t.Fatalf("expected oversize value to be skipped silently, got %v", err)
	}
	if _, ok, _ := b.Get(ctx, "big"); ok {
		t.Fatalf("expected oversize value not stored")
	}
	if got := trackedBytes(t, b); got != 0 {
		t.Fatalf("expected no tracked bytes, got %d", got)
	}
}

func TestBoundedBackendOversizeValueRejected(t *testing.T) {
	b := newTinyBoundedBackend(4, true)
	ctx := context.Background()

	err := b.Set(ctx, "big", []byte("123456"), 0)
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
	if err := b.Add(ctx, "big", []byte("123456"), 0); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge from add, got %v", err)
	}
}

func TestBoundedBackendExpiryUpdatesBookkeeping(t *testing.T) {
	b := newTinyBoundedBackend(100, false)
	ctx := context.Background()

	if err := b.Set(ctx, "ttl", []byte("1234"), 20*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := trackedBytes(t, b); got != 4 {
		t.Fatalf("expected 4 tracked bytes, got %d", got)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := b.Get(ctx, "ttl"); ok {
		t.Fatalf("expected key to expire")
	}
	if got := trackedBytes(t, b); got != 0 {
		t.Fatalf("expected expiry to release tracked bytes, got %d", got)
	}
}

func TestBoundedBackendDeleteAndClearReleaseBytes(t *testing.T) {
	b := newTinyBoundedBackend(100, false)
	ctx := context.Background()

	if err := b.MultiSet(ctx, []Pair{
		{Key: "svc:a", Value: []byte("1234")},
		{Key: "svc:b", Value: []byte("1234")},
		{Key: "other:c", Value: []byte("1234")},
	}, 0); err != nil {
		t.Fatalf("multiset failed: %v", err)
	}

	if n, err := b.Delete(ctx, "svc:a"); err != nil || n != 1 {
		t.Fatalf("delete failed: n=%d err=%v", n, err)
	}
	if got := trackedBytes(t, b); got != 8 {
		t.Fatalf("expected 8 tracked bytes after delete, got %d", got)
	}

	if err := b.Clear(ctx, "svc:"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := trackedBytes(t, b); got != 4 {
		t.Fatalf("expected 4 tracked bytes after namespace clear, got %d", got)
	}

	if err := b.Clear(ctx, ""); err != nil {
		t.Fatalf("full clear failed: %v", err)
	}
	if got := trackedBytes(t, b); got != 0 {
		t.Fatalf("expected 0 tracked bytes after full clear, got %d", got)
	}
}

func TestBoundedBackendIncrementTracksCounterBytes(t *testing.T) {
	b := newTinyBoundedBackend(100, false)
	ctx := context.Background()

	n, err := b.Increment(ctx, "counter", 120)
	if err != nil || n != 120 {
		t.Fatalf("increment failed: n=%d err=%v", n, err)
	}
	if got := trackedBytes(t, b); got != 3 {
		t.Fatalf("expected 3 tracked bytes for %q, got %d", "120", got)
	}
	if n, err = b.Increment(ctx, "counter", -21); err != nil || n != 99 {
		t.Fatalf("decrement failed: n=%d err=%v", n, err)
	}
	if got := trackedBytes(t, b); got != 2 {
		t.Fatalf("expected 2 tracked bytes for %q, got %d", "99", got)
	}
}

func TestBoundedBackendCompareAndSwap(t *testing.T) {
	b := newTinyBoundedBackend(100, false)
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("one"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_, token, ok, err := b.Gets(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("gets failed: ok=%v err=%v", ok, err)
	}
	swapped, err := b.CompareAndSwap(ctx, "k", []byte("longer value"), 0, token)
	if err != nil || !swapped {
		t.Fatalf("cas failed: ok=%v err=%v", swapped, err)
	}
	if got := trackedBytes(t, b); got != int64(len("longer value")) {
		t.Fatalf("expected tracked bytes to follow the swap, got %d", got)
	}
	swapped, err = b.CompareAndSwap(ctx, "k", []byte("x"), 0, token)
	if err != nil || swapped {
		t.Fatalf("expected stale token to fail: ok=%v err=%v", swapped, err)
	}
}

func TestBoundedBackendRawBudget(t *testing.T) {
	b := newBoundedMemoryBackend(2, false, nil)
	max, err := b.Raw(context.Background(), "maxsize")
	if err != nil || max.(int64) != 2<<20 {
		t.Fatalf("expected 2 MiB budget, got %v err=%v", max, err)
	}
	if _, err := b.Raw(context.Background(), "bogus"); !errors.Is(err, ErrRawUnsupported) {
		t.Fatalf("expected ErrRawUnsupported, got %v", err)
	}
}
