package tiercache

import (
	"context"
	"errors"
	"time"
)

// layeredBackend chains tiers ordered fastest to slowest. Reads stop at the
// first hit and repair the faster tiers; writes fan out to every tier and
// succeed only if every tier succeeds. A slow tier failing a read never hides
// a hit further down: per-tier read errors are logged and skipped.
type layeredBackend struct {
	layers []Backend
	log    Logger
}

// NewLayeredBackend composes backends into one, ordered fastest first.
// It panics when called with no layers.
func NewLayeredBackend(log Logger, layers ...Backend) Backend {
	if len(layers) == 0 {
		panic("tiercache: layered backend needs at least one layer")
	}
	if log == nil {
		log = NopLogger{}
	}
	return &layeredBackend{layers: layers, log: log}
}

func (l *layeredBackend) Driver() Driver { return DriverLayered }

func (l *layeredBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, layer := range l.layers {
		value, ok, err := layer.Get(ctx, key)
		if err != nil {
			l.log.Debug("layer get failed", Fields{"layer": i, "driver": layer.Driver(), "key": key, "error": err})
			continue
		}
		if !ok {
			continue
		}
		l.repair(ctx, i, key, value)
		return value, true, nil
	}
	return nil, false, nil
}

// repair writes a hit from layer i back into the faster layers above it.
func (l *layeredBackend) repair(ctx context.Context, i int, key string, value []byte) {
	for j := i - 1; j >= 0; j-- {
		if err := l.layers[j].Set(ctx, key, value, 0); err != nil {
			l.log.Debug("layer repair failed", Fields{"layer": j, "driver": l.layers[j].Driver(), "key": key, "error": err})
		}
	}
}

// Gets resolves like Get; the token belongs to the layer that answered, and
// CompareAndSwap fans the token out to every layer, so a cross-layer CAS only
// reports true when all layers still match.
func (l *layeredBackend) Gets(ctx context.Context, key string) ([]byte, Token, bool, error) {
	for i, layer := range l.layers {
		value, token, ok, err := layer.Gets(ctx, key)
		if err != nil {
			l.log.Debug("layer gets failed", Fields{"layer": i, "driver": layer.Driver(), "key": key, "error": err})
			continue
		}
		if !ok {
			continue
		}
		l.repair(ctx, i, key, value)
		return value, token, true, nil
	}
	return nil, nil, false, nil
}

func (l *layeredBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	missing := make([]int, len(keys))
	for i := range keys {
		missing[i] = i
	}
	for li, layer := range l.layers {
		if len(missing) == 0 {
			break
		}
		lookup := make([]string, len(missing))
		for mi, idx := range missing {
			lookup[mi] = keys[idx]
		}
		values, err := layer.MultiGet(ctx, lookup...)
		if err != nil {
			l.log.Debug("layer multiget failed", Fields{"layer": li, "driver": layer.Driver(), "error": err})
			continue
		}
		still := missing[:0]
		for mi, idx := range missing {
			if values[mi] == nil {
				still = append(still, idx)
				continue
			}
			out[idx] = values[mi]
			l.repair(ctx, li, keys[idx], values[mi])
		}
		missing = still
	}
	return out, nil
}

func (l *layeredBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.Set(ctx, key, value, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CompareAndSwap fans out; true only when every layer swapped.
func (l *layeredBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	all := true
	var errs []error
	for _, layer := range l.layers {
		ok, err := layer.CompareAndSwap(ctx, key, value, ttl, token)
		if err != nil {
			errs = append(errs, err)
			all = false
			continue
		}
		all = all && ok
	}
	return all, errors.Join(errs...)
}

func (l *layeredBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.MultiSet(ctx, pairs, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add fans out; a collision anywhere surfaces as ErrKeyExists.
func (l *layeredBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.Add(ctx, key, value, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports true when any layer holds the key.
func (l *layeredBackend) Exists(ctx context.Context, key string) (bool, error) {
	for i, layer := range l.layers {
		ok, err := layer.Exists(ctx, key)
		if err != nil {
			l.log.Debug("layer exists failed", Fields{"layer": i, "driver": layer.Driver(), "key": key, "error": err})
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Increment fans out to every layer and returns the first successful result.
// Counters can drift between layers when one of them fails; the layered
// cache favors availability over cross-layer agreement.
func (l *layeredBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	result := int64(0)
	got := false
	var errs []error
	for i, layer := range l.layers {
		n, err := layer.Increment(ctx, key, delta)
		if err != nil {
			l.log.Debug("layer increment failed", Fields{"layer": i, "driver": layer.Driver(), "key": key, "error": err})
			errs = append(errs, err)
			continue
		}
		if !got {
			result = n
			got = true
		}
	}
	if !got {
		return 0, errors.Join(errs...)
	}
	return result, nil
}

func (l *layeredBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	any := false
	var errs []error
	for _, layer := range l.layers {
		ok, err := layer.Expire(ctx, key, ttl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		any = any || ok
	}
	return any, errors.Join(errs...)
}

// Delete reports the largest per-layer count, since layers holding the same
// key describe one logical entry.
func (l *layeredBackend) Delete(ctx context.Context, key string) (int, error) {
	max := 0
	for i, layer := range l.layers {
		n, err := layer.Delete(ctx, key)
		if err != nil {
			l.log.Debug("layer delete failed", Fields{"layer": i, "driver": layer.Driver(), "key": key, "error": err})
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (l *layeredBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	max := 0
	for i, layer := range l.layers {
		n, err := layer.MultiDelete(ctx, keys...)
		if err != nil {
			l.log.Debug("layer multidelete failed", Fields{"layer": i, "driver": layer.Driver(), "error": err})
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (l *layeredBackend) Clear(ctx context.Context, namespace string) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.Clear(ctx, namespace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Raw addresses the fastest layer only; fanning a native command out to
// heterogeneous drivers has no coherent meaning.
func (l *layeredBackend) Raw(ctx context.Context, command string, args ...any) (any, error) {
	return l.layers[0].Raw(ctx, command, args...)
}

// ReleaseLock fans out, mirroring Add: a lock acquired across every tier must
// be released in every tier, or reacquisition would stall on the slower ones.
func (l *layeredBackend) ReleaseLock(ctx context.Context, key string, token Token) (bool, error) {
	any := false
	var errs []error
	for _, layer := range l.layers {
		ok, err := layer.ReleaseLock(ctx, key, token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		any = any || ok
	}
	return any, errors.Join(errs...)
}

// Close closes every layer, continuing past failures so one bad tier cannot
// leak the rest.
func (l *layeredBackend) Close(ctx context.Context) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
