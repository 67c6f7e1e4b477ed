package tiercache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

var fileRecordMagic = []byte("TCF1")

// fileBackend stores one file per key under dir. Records carry the expiry
// and the original key, since filenames are hashes and namespaced Clear has
// to recover the key. A process-local mutex makes compare-then-act sequences
// atomic; the backend does not coordinate across processes.
type fileBackend struct {
	dir string
	mu  sync.Mutex
}

func newFileBackend(dir string) Backend {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tiercache-file")
	}
	_ = os.MkdirAll(dir, 0o755)
	return &fileBackend{dir: dir}
}

func (s *fileBackend) Driver() Driver { return DriverFile }

func (s *fileBackend) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".cache")
}

// read returns the live value for key, reaping expired or corrupt records.
// Callers hold mu.
func (s *fileBackend) read(key string) ([]byte, bool, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rec, err := decodeFileRecord(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, false, err
	}
	if rec.expiresAt > 0 && time.Now().UnixNano() > rec.expiresAt {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return rec.value, true, nil
}

// write stores a record atomically via temp file and rename. Callers hold mu.
func (s *fileBackend) write(key string, value []byte, expiresAt int64) error {
	tmp, err := createTempFile(s.dir, "cache-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encodeFileRecord(key, value, expiresAt)); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := renameFile(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *fileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(key)
}

func (s *fileBackend) Gets(_ context.Context, key string) ([]byte, Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	return value, Token(cloneBytes(value)), true, nil
}

func (s *fileBackend) MultiGet(_ context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, ok, err := s.read(key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = value
		}
	}
	return out, nil
}

func (s *fileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value, fileExpiry(ttl))
}

func (s *fileBackend) CompareAndSwap(_ context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != nil {
		cur, ok, err := s.read(key)
		if err != nil {
			return false, err
		}
		if !ok || !bytes.Equal(cur, token) {
			return false, nil
		}
	}
	return true, s.write(key, value, fileExpiry(ttl))
}

func (s *fileBackend) MultiSet(_ context.Context, pairs []Pair, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := fileExpiry(ttl)
	for _, p := range pairs {
		if err := s.write(p.Key, p.Value, exp); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileBackend) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.read(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	return s.write(key, value, fileExpiry(ttl))
}

func (s *fileBackend) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.read(key)
	return ok, err
}

func (s *fileBackend) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.read(key)
	if err != nil {
		return 0, err
	}
	n := delta
	exp := int64(0)
	if ok {
		parsed, parseErr := strconv.ParseInt(string(cur), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
		}
		n = parsed + delta
		// A live counter keeps its expiry.
		if data, readErr := os.ReadFile(s.path(key)); readErr == nil {
			if rec, decErr := decodeFileRecord(data); decErr == nil {
				exp = rec.expiresAt
			}
		}
	}
	if err := s.write(key, strconv.AppendInt(nil, n, 10), exp); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok, err := s.read(key)
	if err != nil || !ok {
		return false, err
	}
	return true, s.write(key, value, fileExpiry(ttl))
}

func (s *fileBackend) Delete(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *fileBackend) removeLocked(key string) (int, error) {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *fileBackend) MultiDelete(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range keys {
		removed, err := s.removeLocked(key)
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

func (s *fileBackend) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cache") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if namespace != "" {
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				continue
			}
			rec, decErr := decodeFileRecord(data)
			if decErr != nil || !strings.HasPrefix(rec.key, namespace) {
				continue
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Raw supports "dir" (the storage directory) and "len" (the number of
// record files).
func (s *fileBackend) Raw(_ context.Context, command string, _ ...any) (any, error) {
	switch command {
	case "dir":
		return s.dir, nil
	case "len":
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return nil, err
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".cache") {
				n++
			}
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrRawUnsupported, command, DriverFile)
	}
}

func (s *fileBackend) ReleaseLock(_ context.Context, key string, token Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.read(key)
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(cur, token) {
		return false, nil
	}
	n, err := s.removeLocked(key)
	return n > 0, err
}

func (s *fileBackend) Close(context.Context) error { return nil }

type fileRecord struct {
	key       string
	value     []byte
	expiresAt int64
}

// Record layout: magic(4) | expiresAt big-endian nanos (8) | key length (4) |
// key | value.
func encodeFileRecord(key string, value []byte, expiresAt int64) []byte {
	buf := make([]byte, 0, 16+len(key)+len(value))
	buf = append(buf, fileRecordMagic...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiresAt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf
}

func decodeFileRecord(data []byte) (fileRecord, error) {
	if len(data) < 16 || !bytes.Equal(data[:4], fileRecordMagic) {
		return fileRecord{}, errors.New("tiercache: malformed cache record")
	}
	expiresAt := int64(binary.BigEndian.Uint64(data[4:12]))
	keyLen := int(binary.BigEndian.Uint32(data[12:16]))
	if len(data) < 16+keyLen {
		return fileRecord{}, errors.New("tiercache: truncated cache record")
	}
	return fileRecord{
		key:       string(data[16 : 16+keyLen]),
		value:     cloneBytes(data[16+keyLen:]),
		expiresAt: expiresAt,
	}, nil
}

// fileExpiry converts a ttl to the stored expiry in unix nanoseconds.
func fileExpiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}
