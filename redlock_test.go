package tiercache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRedLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	lock := NewRedLock(c, "job", time.Second)
	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok, _ := c.Exists(ctx, "job-lock"); !ok {
		t.Fatalf("expected lock key stored")
	}

	released, err := lock.Release(ctx)
	if err != nil || !released {
		t.Fatalf("release failed: ok=%v err=%v", released, err)
	}
	if ok, _ := c.Exists(ctx, "job-lock"); ok {
		t.Fatalf("expected lock key removed")
	}

	// Releasing twice reports false without error.
	released, err = lock.Release(ctx)
	if err != nil || released {
		t.Fatalf("expected second release to report false: ok=%v err=%v", released, err)
	}
}

func TestRedLockWaitersWakeOnRelease(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	holder := NewRedLock(c, "contended", 5*time.Second)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		waiter := NewRedLock(c, "contended", 5*time.Second)
		done <- waiter.Acquire(ctx)
	}()

	// Give the waiter time to park, then release; it must wake well before
	// the 5s lease runs out.
	time.Sleep(20 * time.Millisecond)
	if _, err := holder.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter did not wake on release")
	}
}

func TestRedLockWaiterProceedsAfterLease(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	holder := NewRedLock(c, "slow", 40*time.Millisecond)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}

	waiter := NewRedLock(c, "slow", 40*time.Millisecond)
	start := time.Now()
	if err := waiter.Acquire(ctx); err != nil {
		t.Fatalf("waiter acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected waiter to wait out the lease, woke after %v", elapsed)
	}

	_, _ = holder.Release(context.Background())
}

func TestRedLockAcquireHonorsContext(t *testing.T) {
	c := New(newMemoryBackend())

	holder := NewRedLock(c, "ctx", time.Minute)
	if err := holder.Acquire(context.Background()); err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}
	defer func() { _, _ = holder.Release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter := NewRedLock(c, "ctx", time.Minute)
	if err := waiter.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRedLockStaleHolderCannotReleaseNewLock(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	stale := NewRedLock(c, "lease", 30*time.Millisecond)
	if err := stale.Acquire(ctx); err != nil {
		t.Fatalf("stale acquire failed: %v", err)
	}
	// Let the lease lapse so another holder can win the key.
	time.Sleep(60 * time.Millisecond)

	fresh := NewRedLock(c, "lease", time.Minute)
	if err := fresh.Acquire(ctx); err != nil {
		t.Fatalf("fresh acquire failed: %v", err)
	}

	released, err := stale.Release(ctx)
	if err != nil || released {
		t.Fatalf("expected stale release to be refused: ok=%v err=%v", released, err)
	}
	if ok, _ := c.Exists(ctx, "lease-lock"); !ok {
		t.Fatalf("expected fresh lock to survive stale release")
	}

	released, err = fresh.Release(ctx)
	if err != nil || !released {
		t.Fatalf("fresh release failed: ok=%v err=%v", released, err)
	}
}

func TestWithRedLockRunsAndReleases(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	ran := false
	err := WithRedLock(ctx, c, "with", time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("with redlock failed: ran=%v err=%v", ran, err)
	}
	if ok, _ := c.Exists(ctx, "with-lock"); ok {
		t.Fatalf("expected lock released after fn")
	}
}

func TestRedLockContendersAllProceed(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend())

	const workers = 6
	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithRedLock(ctx, c, "herd", 500*time.Millisecond, func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				done.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("worker failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every contender proceeds: the lock trades exclusion for availability,
	// so none of them block past the lease or error out.
	if done.Load() != workers {
		t.Fatalf("expected %d workers to run, got %d", workers, done.Load())
	}
	if ok, _ := c.Exists(ctx, "herd-lock"); ok {
		t.Fatalf("expected lock key released after the herd drains")
	}
}
