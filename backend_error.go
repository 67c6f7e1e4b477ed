package tiercache

import (
	"context"
	"time"
)

// errorBackend is returned when a driver fails to construct; it preserves the
// driver identity while surfacing the construction error on every call.
type errorBackend struct {
	driver Driver
	err    error
}

func (e *errorBackend) Driver() Driver { return e.driver }

func (e *errorBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, e.err
}

func (e *errorBackend) Gets(context.Context, string) ([]byte, Token, bool, error) {
	return nil, nil, false, e.err
}

func (e *errorBackend) MultiGet(context.Context, ...string) ([][]byte, error) {
	return nil, e.err
}

func (e *errorBackend) Set(context.Context, string, []byte, time.Duration) error { return e.err }

func (e *errorBackend) CompareAndSwap(context.Context, string, []byte, time.Duration, Token) (bool, error) {
	return false, e.err
}

func (e *errorBackend) MultiSet(context.Context, []Pair, time.Duration) error { return e.err }

func (e *errorBackend) Add(context.Context, string, []byte, time.Duration) error { return e.err }

func (e *errorBackend) Exists(context.Context, string) (bool, error) { return false, e.err }

func (e *errorBackend) Increment(context.Context, string, int64) (int64, error) { return 0, e.err }

func (e *errorBackend) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, e.err
}

func (e *errorBackend) Delete(context.Context, string) (int, error) { return 0, e.err }

func (e *errorBackend) MultiDelete(context.Context, ...string) (int, error) { return 0, e.err }

func (e *errorBackend) Clear(context.Context, string) error { return e.err }

func (e *errorBackend) Raw(context.Context, string, ...any) (any, error) { return nil, e.err }

func (e *errorBackend) ReleaseLock(context.Context, string, Token) (bool, error) {
	return false, e.err
}

func (e *errorBackend) Close(context.Context) error { return nil }
