package tiercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRememberCachesBytes(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	calls := 0
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	got, err := c.Remember(ctx, "k", time.Minute, fn)
	if err != nil || string(got) != "computed" {
		t.Fatalf("remember failed: got=%q err=%v", got, err)
	}
	got, err = c.Remember(ctx, "k", time.Minute, fn)
	if err != nil || string(got) != "computed" {
		t.Fatalf("remember failed: got=%q err=%v", got, err)
	}
	if calls != 1 {
		t.Fatalf("expected one computation, got %d", calls)
	}
}

func TestRememberPropagatesComputeError(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	boom := errors.New("boom")
	_, err := c.Remember(ctx, "k", time.Minute, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Fatalf("expected nothing stored after failed computation")
	}
}

func TestRememberSurvivesFailingStore(t *testing.T) {
	ctx := context.Background()
	c := New(&errorBackend{driver: DriverMemory, err: errors.New("down")})

	got, err := c.Remember(ctx, "k", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil || string(got) != "fresh" {
		t.Fatalf("expected computed value despite backend failure: got=%q err=%v", got, err)
	}
}

func TestRememberValueCachesTypedValue(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	calls := 0
	fn := func(context.Context) (testPayload, error) {
		calls++
		return testPayload{Name: "memo", Hits: 7}, nil
	}

	v, err := RememberValue(ctx, c, "payload", time.Minute, fn)
	if err != nil || v.Name != "memo" || v.Hits != 7 {
		t.Fatalf("remember value failed: v=%+v err=%v", v, err)
	}
	v, err = RememberValue(ctx, c, "payload", time.Minute, fn)
	if err != nil || v.Hits != 7 {
		t.Fatalf("remember value failed: v=%+v err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected one computation, got %d", calls)
	}
}

func TestRememberValueLockedCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	var calls atomic.Int64
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "winner", nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = RememberValueLocked(ctx, c, "hot", time.Minute, time.Second, fn)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] != "winner" {
			t.Fatalf("worker %d got %q", i, results[i])
		}
	}
	// The winner computes; waiters double-check the cache after the lock and
	// pick up its result.
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one computation, got %d", n)
	}
}

func TestRememberValueLockedRecomputesAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := RememberValueLocked(ctx, c, "k", 20*time.Millisecond, time.Second, fn)
	if err != nil || v != 1 {
		t.Fatalf("first call failed: v=%d err=%v", v, err)
	}
	time.Sleep(60 * time.Millisecond)
	v, err = RememberValueLocked(ctx, c, "k", 20*time.Millisecond, time.Second, fn)
	if err != nil || v != 2 {
		t.Fatalf("expected recomputation after expiry: v=%d err=%v", v, err)
	}
}
