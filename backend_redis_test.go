package tiercache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// stubRedisClient emulates the redis commands the backend issues, including
// the two Lua scripts, against an in-process map.
type stubRedisClient struct {
	store map[string]string
	ttl   map[string]time.Time

	getErr    error
	setErr    error
	setNXErr  error
	incrErr   error
	delErr    error
	scanErr   error
	evalErr   error
	expireErr error

	closed bool
}

func newStubRedisClient() *stubRedisClient {
	return &stubRedisClient{
		store: make(map[string]string),
		ttl:   make(map[string]time.Time),
	}
}

func (s *stubRedisClient) live(key string) (string, bool) {
	v, ok := s.store[key]
	if !ok {
		return "", false
	}
	if exp, has := s.ttl[key]; has && time.Now().After(exp) {
		delete(s.store, key)
		delete(s.ttl, key)
		return "", false
	}
	return v, true
}

func (s *stubRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	if s.getErr != nil {
		return redis.NewStringResult("", s.getErr)
	}
	v, ok := s.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (s *stubRedisClient) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		if v, ok := s.live(key); ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, nil)
}

func (s *stubRedisClient) set(key string, value interface{}, expiration time.Duration) {
	s.store[key] = asRedisString(value)
	if expiration > 0 {
		s.ttl[key] = time.Now().Add(expiration)
	} else {
		delete(s.ttl, key)
	}
}

func (s *stubRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if s.setErr != nil {
		return redis.NewStatusResult("", s.setErr)
	}
	s.set(key, value, expiration)
	return redis.NewStatusResult("OK", nil)
}

func (s *stubRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if s.setNXErr != nil {
		return redis.NewBoolResult(false, s.setNXErr)
	}
	if _, ok := s.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	s.set(key, value, expiration)
	return redis.NewBoolResult(true, nil)
}

func (s *stubRedisClient) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	if s.incrErr != nil {
		return redis.NewIntResult(0, s.incrErr)
	}
	cur := int64(0)
	if v, ok := s.live(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return redis.NewIntResult(0, errors.New("ERR value is not an integer or out of range"))
		}
		cur = parsed
	}
	cur += value
	s.store[key] = strconv.FormatInt(cur, 10)
	return redis.NewIntResult(cur, nil)
}

func (s *stubRedisClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	n := int64(0)
	for _, key := range keys {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (s *stubRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if s.expireErr != nil {
		return redis.NewBoolResult(false, s.expireErr)
	}
	if _, ok := s.live(key); !ok {
		return redis.NewBoolResult(false, nil)
	}
	s.ttl[key] = time.Now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (s *stubRedisClient) Persist(ctx context.Context, key string) *redis.BoolCmd {
	if _, ok := s.live(key); !ok {
		return redis.NewBoolResult(false, nil)
	}
	_, had := s.ttl[key]
	delete(s.ttl, key)
	return redis.NewBoolResult(had, nil)
}

func (s *stubRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if s.delErr != nil {
		return redis.NewIntResult(0, s.delErr)
	}
	n := int64(0)
	for _, key := range keys {
		if _, ok := s.live(key); ok {
			n++
		}
		delete(s.store, key)
		delete(s.ttl, key)
	}
	return redis.NewIntResult(n, nil)
}

func (s *stubRedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	if s.scanErr != nil {
		return redis.NewScanCmdResult(nil, 0, s.scanErr)
	}
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range s.store {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (s *stubRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if s.evalErr != nil {
		return redis.NewCmdResult(nil, s.evalErr)
	}
	key := keys[0]
	switch script {
	case casScript:
		cur, ok := s.live(key)
		if !ok || cur != asRedisString(args[0]) {
			return redis.NewCmdResult(int64(0), nil)
		}
		ms, _ := strconv.ParseInt(asRedisString(args[2]), 10, 64)
		s.set(key, args[1], time.Duration(ms)*time.Millisecond)
		return redis.NewCmdResult(int64(1), nil)
	case unlockScript:
		cur, ok := s.live(key)
		if !ok || cur != asRedisString(args[0]) {
			return redis.NewCmdResult(int64(0), nil)
		}
		delete(s.store, key)
		delete(s.ttl, key)
		return redis.NewCmdResult(int64(1), nil)
	default:
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
	}
}

func (s *stubRedisClient) Do(ctx context.Context, args ...interface{}) *redis.Cmd {
	if len(args) >= 2 && args[0] == "get" {
		if v, ok := s.live(asRedisString(args[1])); ok {
			return redis.NewCmdResult(v, nil)
		}
		return redis.NewCmdResult(nil, redis.Nil)
	}
	return redis.NewCmdResult("OK", nil)
}

func (s *stubRedisClient) Close() error {
	s.closed = true
	return nil
}

func asRedisString(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	if err := backend.Set(ctx, "alpha", []byte("one"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := backend.Get(ctx, "alpha")
	if err != nil || !ok || string(body) != "one" {
		t.Fatalf("unexpected get result: ok=%v err=%v body=%s", ok, err, body)
	}
	if _, ok, err := backend.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}

	values, err := backend.MultiGet(ctx, "alpha", "missing")
	if err != nil || string(values[0]) != "one" || values[1] != nil {
		t.Fatalf("multiget failed: %v err=%v", values, err)
	}
}

func TestRedisBackendAddAndIncrement(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	if err := backend.Add(ctx, "once", []byte("v"), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := backend.Add(ctx, "once", []byte("w"), 0); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	n, err := backend.Increment(ctx, "counter", 2)
	if err != nil || n != 2 {
		t.Fatalf("increment failed: n=%d err=%v", n, err)
	}
	if _, err := backend.Increment(ctx, "once", 1); !errors.Is(err, ErrNotANumber) {
		t.Fatalf("expected ErrNotANumber, got %v", err)
	}
}

func TestRedisBackendCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	if err := backend.Set(ctx, "k", []byte("one"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_, token, ok, err := backend.Gets(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("gets failed: ok=%v err=%v", ok, err)
	}
	swapped, err := backend.CompareAndSwap(ctx, "k", []byte("two"), time.Minute, token)
	if err != nil || !swapped {
		t.Fatalf("cas failed: ok=%v err=%v", swapped, err)
	}
	swapped, err = backend.CompareAndSwap(ctx, "k", []byte("three"), 0, token)
	if err != nil || swapped {
		t.Fatalf("expected stale token rejected: ok=%v err=%v", swapped, err)
	}
}

func TestRedisBackendExpireAndPersist(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	if err := backend.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if ok, err := backend.Expire(ctx, "k", time.Hour); err != nil || !ok {
		t.Fatalf("expire failed: ok=%v err=%v", ok, err)
	}
	// ttl <= 0 persists the key.
	if ok, err := backend.Expire(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("persist failed: ok=%v err=%v", ok, err)
	}
	if _, has := client.ttl["k"]; has {
		t.Fatalf("expected ttl removed after persist")
	}
	if ok, err := backend.Expire(ctx, "absent", time.Minute); err != nil || ok {
		t.Fatalf("expected expire on absent key to report false: ok=%v err=%v", ok, err)
	}
}

func TestRedisBackendClearScansNamespace(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	for _, key := range []string{"svc:a", "svc:b", "other:c"} {
		if err := backend.Set(ctx, key, []byte("v"), 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	if err := backend.Clear(ctx, "svc:"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "svc:a"); ok {
		t.Fatalf("expected svc:a cleared")
	}
	if _, ok, _ := backend.Get(ctx, "other:c"); !ok {
		t.Fatalf("expected other:c untouched")
	}
}

func TestRedisBackendReleaseLock(t *testing.T) {
	ctx := context.Background()
	client := newStubRedisClient()
	backend := newRedisBackend(client)

	if err := backend.Set(ctx, "lock", []byte("tok"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ok, err := backend.ReleaseLock(ctx, "lock", Token("other"))
	if err != nil || ok {
		t.Fatalf("expected mismatched token refused: ok=%v err=%v", ok, err)
	}
	ok, err = backend.ReleaseLock(ctx, "lock", Token("tok"))
	if err != nil || !ok {
		t.Fatalf("expected matching token to release: ok=%v err=%v", ok, err)
	}
}

func TestRedisBackendErrorPropagation(t *testing.T) {
	ctx := context.Background()

	client := newStubRedisClient()
	client.getErr = errors.New("get down")
	backend := newRedisBackend(client)
	if _, _, err := backend.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error")
	}

	client = newStubRedisClient()
	client.setNXErr = errors.New("setnx down")
	backend = newRedisBackend(client)
	if err := backend.Add(ctx, "k", []byte("v"), 0); err == nil {
		t.Fatalf("expected add error")
	}

	client = newStubRedisClient()
	client.scanErr = errors.New("scan down")
	backend = newRedisBackend(client)
	if err := backend.Clear(ctx, "svc:"); err == nil {
		t.Fatalf("expected clear error")
	}

	client = newStubRedisClient()
	client.evalErr = errors.New("eval down")
	backend = newRedisBackend(client)
	if _, err := backend.ReleaseLock(ctx, "k", Token("t")); err == nil {
		t.Fatalf("expected release error")
	}
}

func TestRedisBackendCloseClosesClient(t *testing.T) {
	client := newStubRedisClient()
	backend := newRedisBackend(client)
	if err := backend.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !client.closed {
		t.Fatalf("expected client closed")
	}
}

func TestRedisBackendNilClient(t *testing.T) {
	backend := newRedisBackend(nil)
	if backend.Driver() != DriverRedis {
		t.Fatalf("expected redis driver identity preserved")
	}
	if _, _, err := backend.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil client backend")
	}
}
