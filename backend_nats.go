package tiercache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const natsEnvelopeMarker = "tiercache-v1"

// NATSKeyValue captures the subset of nats.KeyValue used by the backend.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

// natsBackend stores entries in a JetStream KV bucket. Values travel in a
// small JSON envelope carrying the expiry, since KV buckets only support a
// bucket-wide TTL. The KV revision number is the CAS token.
type natsBackend struct {
	kv NATSKeyValue
}

type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

func newNATSBackend(kv NATSKeyValue) Backend {
	if kv == nil {
		return &errorBackend{driver: DriverNATS, err: errors.New("tiercache: nats key-value bucket is required")}
	}
	return &natsBackend{kv: kv}
}

func (s *natsBackend) Driver() Driver { return DriverNATS }

// fetch returns the decoded live value and its revision, purging entries
// whose envelope has expired.
func (s *natsBackend) fetch(key string) ([]byte, uint64, bool, error) {
	kvKey := natsKey(key)
	entry, err := s.kv.Get(kvKey)
	if isNATSMiss(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, 0, false, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return nil, 0, false, err
	}
	if envelope.ExpiresAt > 0 && time.Now().UnixMilli() > envelope.ExpiresAt {
		_ = s.kv.Purge(kvKey)
		return nil, 0, false, nil
	}
	return envelope.Value, entry.Revision(), true, nil
}

func (s *natsBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.fetch(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return cloneBytes(value), true, nil
}

func (s *natsBackend) Gets(_ context.Context, key string) ([]byte, Token, bool, error) {
	value, revision, ok, err := s.fetch(key)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	return cloneBytes(value), Token(strconv.FormatUint(revision, 10)), true, nil
}

func (s *natsBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = value
		}
	}
	return out, nil
}

func (s *natsBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	body, err := encodeNATSEnvelope(value, ttl)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(natsKey(key), body)
	return err
}

func (s *natsBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	if token == nil {
		return true, s.Set(ctx, key, value, ttl)
	}
	revision, err := strconv.ParseUint(string(token), 10, 64)
	if err != nil {
		return false, fmt.Errorf("tiercache: malformed nats cas token %q", string(token))
	}
	body, err := encodeNATSEnvelope(value, ttl)
	if err != nil {
		return false, err
	}
	_, err = s.kv.Update(natsKey(key), body, revision)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
		return false, nil
	}
	return false, err
}

func (s *natsBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	for _, p := range pairs {
		if err := s.Set(ctx, p.Key, p.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *natsBackend) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	// fetch purges a logically expired envelope so Create can succeed.
	_, _, ok, err := s.fetch(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	body, err := encodeNATSEnvelope(value, ttl)
	if err != nil {
		return err
	}
	_, err = s.kv.Create(natsKey(key), body)
	if errors.Is(err, nats.ErrKeyExists) {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	return err
}

func (s *natsBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := s.fetch(key)
	return ok, err
}

func (s *natsBackend) Increment(_ context.Context, key string, delta int64) (int64, error) {
	kvKey := natsKey(key)
	for attempt := 0; attempt < 16; attempt++ {
		var (
			current   int64
			revision  uint64
			expiresAt int64
		)

		entry, err := s.kv.Get(kvKey)
		if err != nil && !isNATSMiss(err) {
			return 0, err
		}
		if err == nil && entry.Operation() != nats.KeyValueDelete && entry.Operation() != nats.KeyValuePurge {
			envelope, decodeErr := decodeNATSEnvelope(entry.Value())
			if decodeErr != nil {
				return 0, decodeErr
			}
			if envelope.ExpiresAt > 0 && time.Now().UnixMilli() > envelope.ExpiresAt {
				_ = s.kv.Purge(kvKey)
			} else {
				revision = entry.Revision()
				expiresAt = envelope.ExpiresAt
				if len(envelope.Value) > 0 {
					parsed, parseErr := strconv.ParseInt(string(envelope.Value), 10, 64)
					if parseErr != nil {
						return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
					}
					current = parsed
				}
			}
		}

		next := current + delta
		body, err := json.Marshal(natsEnvelope{
			Marker:    natsEnvelopeMarker,
			Value:     strconv.AppendInt(nil, next, 10),
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return 0, err
		}
		if revision == 0 {
			if _, err := s.kv.Create(kvKey, body); err == nil {
				return next, nil
			} else if errors.Is(err, nats.ErrKeyExists) {
				continue
			} else {
				return 0, err
			}
		}
		if _, err := s.kv.Update(kvKey, body, revision); err == nil {
			return next, nil
		} else if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
			continue
		} else {
			return 0, err
		}
	}
	return 0, errors.New("tiercache: nats increment exceeded retry limit")
}

func (s *natsBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	kvKey := natsKey(key)
	for attempt := 0; attempt < 16; attempt++ {
		value, revision, ok, err := s.fetch(key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		body, err := encodeNATSEnvelope(value, ttl)
		if err != nil {
			return false, err
		}
		if _, err := s.kv.Update(kvKey, body, revision); err == nil {
			return true, nil
		} else if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
			continue
		} else {
			return false, err
		}
	}
	return false, errors.New("tiercache: nats expire exceeded retry limit")
}

func (s *natsBackend) Delete(_ context.Context, key string) (int, error) {
	_, _, ok, err := s.fetch(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := s.kv.Purge(natsKey(key)); err != nil && !isNATSMiss(err) {
		return 0, err
	}
	return 1, nil
}

func (s *natsBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	n := 0
	for _, key := range keys {
		removed, err := s.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

func (s *natsBackend) Clear(_ context.Context, namespace string) error {
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	defer func() { _ = lister.Stop() }()

	for kvKey := range lister.Keys() {
		original, ok := decodeNATSKey(kvKey)
		if !ok || !strings.HasPrefix(original, namespace) {
			continue
		}
		if err := s.kv.Purge(kvKey); err != nil && !isNATSMiss(err) {
			return err
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return err
		}
	}
	return nil
}

// Raw supports "get" (the raw stored envelope) and "purge".
func (s *natsBackend) Raw(_ context.Context, command string, args ...any) (any, error) {
	switch command {
	case "get":
		key, err := rawKeyArg(command, args)
		if err != nil {
			return nil, err
		}
		entry, err := s.kv.Get(natsKey(key))
		if isNATSMiss(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return entry.Value(), nil
	case "purge":
		key, err := rawKeyArg(command, args)
		if err != nil {
			return nil, err
		}
		return nil, s.kv.Purge(natsKey(key))
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrRawUnsupported, command, DriverNATS)
	}
}

// ReleaseLock compares the stored value against token and deletes at the
// observed revision, so a holder whose lease already passed to someone else
// cannot release the new lock.
func (s *natsBackend) ReleaseLock(_ context.Context, key string, token Token) (bool, error) {
	value, revision, ok, err := s.fetch(key)
	if err != nil || !ok {
		return false, err
	}
	if string(value) != string(token) {
		return false, nil
	}
	err = s.kv.Purge(natsKey(key), nats.LastRevision(revision))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
		return false, nil
	}
	return false, err
}

func (s *natsBackend) Close(context.Context) error { return nil }

// natsKey maps an arbitrary cache key onto the KV bucket's restricted key
// charset.
func natsKey(key string) string {
	return "k." + encodeNATSKeyPart(key)
}

func decodeNATSKey(kvKey string) (string, bool) {
	part, ok := strings.CutPrefix(kvKey, "k.")
	if !ok {
		return "", false
	}
	if part == "_" {
		return "", true
	}
	decoded, err := base64.RawURLEncoding.DecodeString(part)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}

func encodeNATSEnvelope(value []byte, ttl time.Duration) ([]byte, error) {
	expiresAt := int64(0)
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	body, err := json.Marshal(natsEnvelope{
		Marker:    natsEnvelopeMarker,
		Value:     cloneBytes(value),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal nats cache envelope: %w", err)
	}
	return body, nil
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return natsEnvelope{}, fmt.Errorf("decode nats cache envelope: %w", err)
	}
	if envelope.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, errors.New("tiercache: nats entry is not a cache envelope")
	}
	return envelope, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}
