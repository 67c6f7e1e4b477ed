package tiercache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient captures the subset of redis.Client used by the backend.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Persist(ctx context.Context, key string) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
}

// casScript writes only while the key still holds the snapshot value.
// ARGV[3] is the ttl in milliseconds, 0 meaning no expiry.
const casScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  if ARGV[3] == "0" then
    redis.call("set", KEYS[1], ARGV[2])
  else
    redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
  end
  return 1
end
return 0`

// unlockScript deletes the key only while it still holds the caller's token.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`

type redisBackend struct {
	client RedisClient
}

func newRedisBackend(client RedisClient) Backend {
	if client == nil {
		return &errorBackend{driver: DriverRedis, err: errors.New("tiercache: redis client is required")}
	}
	return &redisBackend{client: client}
}

func (s *redisBackend) Driver() Driver { return DriverRedis }

func (s *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisBackend) Gets(ctx context.Context, key string) ([]byte, Token, bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	return value, Token(cloneBytes(value)), true, nil
}

func (s *redisBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range values {
		switch t := v.(type) {
		case string:
			out[i] = []byte(t)
		case []byte:
			out[i] = t
		}
	}
	return out, nil
}

func (s *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	if token == nil {
		return true, s.Set(ctx, key, value, ttl)
	}
	ms := int64(0)
	if ttl > 0 {
		ms = ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
	}
	n, err := s.client.Eval(ctx, casScript, []string{key}, []byte(token), value, ms).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	for _, p := range pairs {
		if err := s.Set(ctx, p.Key, p.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	created, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	return nil
}

func (s *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
		}
		return 0, err
	}
	return value, nil
}

func (s *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.client.Persist(ctx, key).Result()
	}
	return s.client.Expire(ctx, key, ttl).Result()
}

func (s *redisBackend) Delete(ctx context.Context, key string) (int, error) {
	n, err := s.client.Del(ctx, key).Result()
	return int(n), err
}

func (s *redisBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), err
}

func (s *redisBackend) Clear(ctx context.Context, namespace string) error {
	pattern := namespace + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisBackend) Raw(ctx context.Context, command string, args ...any) (any, error) {
	return s.client.Do(ctx, append([]any{command}, args...)...).Result()
}

func (s *redisBackend) ReleaseLock(ctx context.Context, key string, token Token) (bool, error) {
	n, err := s.client.Eval(ctx, unlockScript, []string{key}, []byte(token)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisBackend) Close(context.Context) error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
