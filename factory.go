package tiercache

import "context"

// NewBackend returns a concrete backend for the requested driver. The caller
// provides any driver-specific dependencies through cfg. Construction
// failures come back as a backend that surfaces the error on every call, so
// callers can defer error handling to first use.
func NewBackend(ctx context.Context, cfg BackendConfig) Backend {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverRedis:
		return newRedisBackend(cfg.RedisClient)
	case DriverMemcached:
		return newMemcachedBackend(cfg.MemcachedAddresses)
	case DriverSQL:
		backend, err := newSQLBackend(cfg.SQLDriverName, cfg.SQLDSN, cfg.SQLTable)
		if err != nil {
			return &errorBackend{driver: DriverSQL, err: err}
		}
		return backend
	case DriverNATS:
		return newNATSBackend(cfg.NATSKeyValue)
	case DriverDynamo:
		backend, err := newDynamoBackend(ctx, cfg.DynamoClient, cfg.DynamoTable, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return &errorBackend{driver: DriverDynamo, err: err}
		}
		return backend
	case DriverFile:
		return newFileBackend(cfg.FileDir)
	case DriverBoundedMemory:
		return newBoundedMemoryBackend(cfg.MaxSizeMB, cfg.RejectOversize, cfg.Logger)
	case DriverNull:
		return newNullBackend()
	default:
		return newMemoryBackend()
	}
}

// NewBackendWith builds a backend from a driver and functional options.
func NewBackendWith(ctx context.Context, driver Driver, opts ...BackendOption) Backend {
	cfg := BackendConfig{Driver: driver}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return NewBackend(ctx, cfg)
}

// NewMemoryBackend is a convenience for an in-process backend.
func NewMemoryBackend(ctx context.Context, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverMemory, opts...)
}

// NewBoundedMemoryBackend is a convenience for an in-process backend with a
// byte budget and LRU eviction.
func NewBoundedMemoryBackend(ctx context.Context, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverBoundedMemory, opts...)
}

// NewRedisBackend is a convenience for a redis-backed cache. The client is
// required.
func NewRedisBackend(ctx context.Context, client RedisClient, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverRedis, append([]BackendOption{WithRedisClient(client)}, opts...)...)
}

// NewMemcachedBackend is a convenience for a memcached-backed cache.
func NewMemcachedBackend(ctx context.Context, addrs []string, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverMemcached, append([]BackendOption{WithMemcachedAddresses(addrs...)}, opts...)...)
}

// NewSQLBackend is a convenience for a database-backed cache.
func NewSQLBackend(ctx context.Context, driverName, dsn string, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverSQL, append([]BackendOption{WithSQL(driverName, dsn)}, opts...)...)
}

// NewNATSBackend is a convenience for a JetStream KV-backed cache.
func NewNATSBackend(ctx context.Context, kv NATSKeyValue, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverNATS, append([]BackendOption{WithNATSKeyValue(kv)}, opts...)...)
}

// NewFileBackend is a convenience for a filesystem-backed cache.
func NewFileBackend(ctx context.Context, dir string, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverFile, append([]BackendOption{WithFileDir(dir)}, opts...)...)
}

// NewNullBackend is a convenience for a backend that stores nothing.
func NewNullBackend(ctx context.Context, opts ...BackendOption) Backend {
	return NewBackendWith(ctx, DriverNull, opts...)
}
