package tiercache

import (
	"context"
	"time"
)

// nullBackend accepts every write and never returns a hit. Useful for
// disabling caching without touching call sites.
type nullBackend struct{}

func newNullBackend() Backend { return &nullBackend{} }

func (s *nullBackend) Driver() Driver { return DriverNull }

func (s *nullBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *nullBackend) Gets(context.Context, string) ([]byte, Token, bool, error) {
	return nil, nil, false, nil
}

func (s *nullBackend) MultiGet(_ context.Context, keys ...string) ([][]byte, error) {
	return make([][]byte, len(keys)), nil
}

func (s *nullBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (s *nullBackend) CompareAndSwap(context.Context, string, []byte, time.Duration, Token) (bool, error) {
	return true, nil
}

func (s *nullBackend) MultiSet(context.Context, []Pair, time.Duration) error { return nil }

func (s *nullBackend) Add(context.Context, string, []byte, time.Duration) error { return nil }

func (s *nullBackend) Exists(context.Context, string) (bool, error) { return false, nil }

func (s *nullBackend) Increment(_ context.Context, _ string, delta int64) (int64, error) {
	return delta, nil
}

func (s *nullBackend) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (s *nullBackend) Delete(context.Context, string) (int, error) { return 0, nil }

func (s *nullBackend) MultiDelete(context.Context, ...string) (int, error) { return 0, nil }

func (s *nullBackend) Clear(context.Context, string) error { return nil }

func (s *nullBackend) Raw(context.Context, string, ...any) (any, error) { return nil, nil }

func (s *nullBackend) ReleaseLock(context.Context, string, Token) (bool, error) {
	return false, nil
}

func (s *nullBackend) Close(context.Context) error { return nil }
