package tiercache

import "time"

// Option configures a Cache.
type Option func(*Cache)

// WithSerializer sets the value serializer. The default is JSON.
func WithSerializer(s Serializer) Option {
	return func(c *Cache) {
		if s != nil {
			c.serializer = s
		}
	}
}

// WithNamespace prefixes every key the cache touches.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespace = ns }
}

// WithDefaultTTL applies ttl to writes that pass ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithTimeout bounds every backend call; exceeding it surfaces
// context.DeadlineExceeded.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Cache) { c.timeout = timeout }
}

// WithObserver installs an operation observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithLogger sets the logger used by the cache's helpers.
func WithLogger(log Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// BackendOption mutates BackendConfig when constructing a backend.
type BackendOption func(BackendConfig) BackendConfig

// WithRedisClient sets the redis client; required when using DriverRedis.
func WithRedisClient(client RedisClient) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.RedisClient = client
		return cfg
	}
}

// WithMemcachedAddresses sets the memcached server addresses.
func WithMemcachedAddresses(addrs ...string) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.MemcachedAddresses = addrs
		return cfg
	}
}

// WithSQL sets the database driver name and DSN for DriverSQL.
func WithSQL(driverName, dsn string) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.SQLDriverName = driverName
		cfg.SQLDSN = dsn
		return cfg
	}
}

// WithSQLTable overrides the cache table name.
func WithSQLTable(table string) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.SQLTable = table
		return cfg
	}
}

// WithNATSKeyValue sets the JetStream KV bucket; required for DriverNATS.
func WithNATSKeyValue(kv NATSKeyValue) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.NATSKeyValue = kv
		return cfg
	}
}

// WithDynamoClient sets a pre-built DynamoDB client.
func WithDynamoClient(client DynamoAPI) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.DynamoClient = client
		return cfg
	}
}

// WithDynamoTable sets the DynamoDB table, region and optional endpoint.
func WithDynamoTable(table, region, endpoint string) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.DynamoTable = table
		cfg.DynamoRegion = region
		cfg.DynamoEndpoint = endpoint
		return cfg
	}
}

// WithFileDir controls where the file driver stores cache entries.
func WithFileDir(dir string) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.FileDir = dir
		return cfg
	}
}

// WithMaxSizeMB sets the byte budget for DriverBoundedMemory, in megabytes.
func WithMaxSizeMB(mb int) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.MaxSizeMB = mb
		return cfg
	}
}

// WithRejectOversize makes the bounded memory backend return
// ErrValueTooLarge for values bigger than its budget instead of silently
// skipping them.
func WithRejectOversize() BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.RejectOversize = true
		return cfg
	}
}

// WithBackendLogger sets the logger backends use for degradation messages.
func WithBackendLogger(log Logger) BackendOption {
	return func(cfg BackendConfig) BackendConfig {
		cfg.Logger = log
		return cfg
	}
}
