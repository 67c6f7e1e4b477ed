package cachetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goforj/tiercache"
)

// Options configures the shared backend contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// NullSemantics enables relaxed expectations for the null backend.
	NullSemantics bool
	// SkipCloneCheck disables the "get returns a cloned value" assertion.
	SkipCloneCheck bool
	// TTL controls the expiry duration used in TTL tests.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// SkipClear disables the clear assertion for backends where namespace
	// clearing is unavailable (memcached only flushes everything).
	SkipClear bool
}

// RunBackendContract runs a driver-agnostic contract suite against backend.
func RunBackendContract(t *testing.T, backend tiercache.Backend, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}

	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Set/Get round-trip.
	if err := backend.Set(ctx, key("alpha"), []byte("value"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := backend.Get(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if opts.NullSemantics {
		if ok {
			t.Fatalf("expected miss under null semantics")
		}
	} else {
		if !ok || string(body) != "value" {
			t.Fatalf("unexpected get result: ok=%v body=%q", ok, string(body))
		}
		if !opts.SkipCloneCheck {
			body[0] = 'X'
			body2, ok2, err2 := backend.Get(ctx, key("alpha"))
			if err2 != nil || !ok2 || string(body2) != "value" {
				t.Fatalf("expected stored value unchanged after mutating a read, got ok=%v body=%q err=%v", ok2, string(body2), err2)
			}
		}
	}

	// Exists mirrors Get.
	ok, err = backend.Exists(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if ok == opts.NullSemantics {
		t.Fatalf("unexpected exists result: %v", ok)
	}
	ok, err = backend.Exists(ctx, key("absent"))
	if err != nil || ok {
		t.Fatalf("expected absent key to not exist: ok=%v err=%v", ok, err)
	}

	// TTL expiry.
	if err := backend.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
		t.Fatalf("set with ttl failed: %v", err)
	}
	if err := waitForMiss(ctx, backend, key("ttl"), wait); err != nil {
		t.Fatalf("expected expiry: %v", err)
	}

	// Add only stores when missing.
	if err := backend.Add(ctx, key("once"), []byte("first"), time.Minute); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	err = backend.Add(ctx, key("once"), []byte("second"), time.Minute)
	if opts.NullSemantics {
		if err != nil {
			t.Fatalf("expected duplicate add to succeed under null semantics: %v", err)
		}
	} else if !errors.Is(err, tiercache.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists from duplicate add, got %v", err)
	}

	// Gets + CompareAndSwap.
	if !opts.NullSemantics {
		if err := backend.Set(ctx, key("cas"), []byte("one"), time.Minute); err != nil {
			t.Fatalf("set for cas failed: %v", err)
		}
		_, token, ok, err := backend.Gets(ctx, key("cas"))
		if err != nil || !ok {
			t.Fatalf("gets failed: ok=%v err=%v", ok, err)
		}
		swapped, err := backend.CompareAndSwap(ctx, key("cas"), []byte("two"), time.Minute, token)
		if err != nil || !swapped {
			t.Fatalf("expected fresh token to swap: ok=%v err=%v", swapped, err)
		}
		swapped, err = backend.CompareAndSwap(ctx, key("cas"), []byte("three"), time.Minute, token)
		if err != nil {
			t.Fatalf("stale cas errored: %v", err)
		}
		if swapped {
			t.Fatalf("expected stale token to report false")
		}
		body, ok, err := backend.Get(ctx, key("cas"))
		if err != nil || !ok || string(body) != "two" {
			t.Fatalf("expected winning cas value to remain, got ok=%v body=%q err=%v", ok, string(body), err)
		}
	}

	// Counters.
	n, err := backend.Increment(ctx, key("counter"), 3)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected counter=3, got %d", n)
	}
	if !opts.NullSemantics {
		n, err = backend.Increment(ctx, key("counter"), -1)
		if err != nil {
			t.Fatalf("decrementing increment failed: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected counter=2, got %d", n)
		}
	}

	// MultiSet/MultiGet keep order and mark misses nil.
	pairs := []tiercache.Pair{
		{Key: key("m1"), Value: []byte("1")},
		{Key: key("m2"), Value: []byte("2")},
	}
	if err := backend.MultiSet(ctx, pairs, time.Minute); err != nil {
		t.Fatalf("multiset failed: %v", err)
	}
	values, err := backend.MultiGet(ctx, key("m1"), key("absent"), key("m2"))
	if err != nil {
		t.Fatalf("multiget failed: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(values))
	}
	if !opts.NullSemantics {
		if string(values[0]) != "1" || values[1] != nil || string(values[2]) != "2" {
			t.Fatalf("unexpected multiget values: %q %q %q", values[0], values[1], values[2])
		}
	}

	// Delete reports counts.
	if err := backend.Set(ctx, key("gone"), []byte("1"), time.Minute); err != nil {
		t.Fatalf("set before delete failed: %v", err)
	}
	removed, err := backend.Delete(ctx, key("gone"))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !opts.NullSemantics && removed != 1 {
		t.Fatalf("expected delete count 1, got %d", removed)
	}
	removed, err = backend.Delete(ctx, key("gone"))
	if err != nil || removed != 0 {
		t.Fatalf("expected delete count 0 for absent key: n=%d err=%v", removed, err)
	}

	// ReleaseLock removes only a matching token.
	if !opts.NullSemantics {
		if err := backend.Set(ctx, key("lock"), []byte("tok-1"), time.Minute); err != nil {
			t.Fatalf("set lock failed: %v", err)
		}
		released, err := backend.ReleaseLock(ctx, key("lock"), tiercache.Token("tok-1"))
		if err != nil || !released {
			t.Fatalf("expected matching release to succeed: ok=%v err=%v", released, err)
		}
		released, err = backend.ReleaseLock(ctx, key("lock"), tiercache.Token("tok-1"))
		if err != nil || released {
			t.Fatalf("expected release of absent lock to report false: ok=%v err=%v", released, err)
		}
	}

	// Clear removes the namespace.
	if !opts.SkipClear {
		if err := backend.Set(ctx, key("clear"), []byte("x"), time.Minute); err != nil {
			t.Fatalf("set before clear failed: %v", err)
		}
		if err := backend.Clear(ctx, sanitize(caseName)+":"); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		if _, ok, err := backend.Get(ctx, key("clear")); err != nil || ok {
			t.Fatalf("expected clear to remove key: ok=%v err=%v", ok, err)
		}
	}
}

func waitForMiss(ctx context.Context, backend tiercache.Backend, key string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_, ok, err := backend.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("key %q still present after %s", key, wait)
	}
	return nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	return strings.ReplaceAll(s, " ", "_")
}
