package tiercache

import (
	"context"
	"time"
)

// Token is the opaque compare-and-swap token returned by Gets. Passing a nil
// Token to CompareAndSwap writes unconditionally; a non-nil Token makes the
// write succeed only if the stored value still matches the snapshot.
type Token []byte

// Pair is one key/value entry for MultiSet.
type Pair struct {
	Key   string
	Value []byte
}

// Backend is the contract every cache driver satisfies. Values are raw bytes;
// serialization, namespacing and default TTLs live in Cache.
//
// TTL semantics: ttl > 0 schedules expiry after that duration; ttl <= 0
// stores without expiry. Reads report absence through the bool return, never
// through an error.
type Backend interface {
	Driver() Driver

	// Get returns the value for key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Gets is Get plus a token usable with CompareAndSwap. For backends
	// without a native CAS identifier the token is the value itself.
	Gets(ctx context.Context, key string) ([]byte, Token, bool, error)

	// MultiGet returns one slot per key, in order; missing keys yield nil.
	MultiGet(ctx context.Context, keys ...string) ([][]byte, error)

	// Set stores value under key unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap stores value only if the key still matches token.
	// A nil token degrades to an unconditional Set and reports true.
	// A mismatch (including a key that vanished) reports false, nil.
	CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error)

	// MultiSet stores every pair with the same ttl.
	MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error

	// Add stores value only if key is absent; a live value yields
	// ErrKeyExists.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether key holds a live value.
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically adds delta to the integer stored at key,
	// creating it as delta when absent. The entry's TTL is left untouched.
	// A non-integer value yields ErrNotANumber.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Expire replaces the key's TTL; ttl <= 0 removes expiry. Reports
	// false when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes key and reports how many entries were removed (0 or 1).
	Delete(ctx context.Context, key string) (int, error)

	// MultiDelete removes every key and reports the total removed.
	MultiDelete(ctx context.Context, keys ...string) (int, error)

	// Clear removes every key under namespace; an empty namespace removes
	// everything.
	Clear(ctx context.Context, namespace string) error

	// Raw escapes the contract and runs a backend-native command.
	Raw(ctx context.Context, command string, args ...any) (any, error)

	// ReleaseLock deletes key only while it still holds token, reporting
	// whether the delete happened. It backs RedLock release and must be
	// atomic wherever the backend can express it.
	ReleaseLock(ctx context.Context, key string, token Token) (bool, error)

	// Close releases backend resources. The backend must not be used after.
	Close(ctx context.Context) error
}
