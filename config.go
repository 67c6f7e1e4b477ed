package tiercache

// BackendConfig controls how a Backend is constructed.
type BackendConfig struct {
	Driver Driver

	// MaxSizeMB is the bounded memory budget in megabytes; 0 means 64.
	MaxSizeMB int

	// RejectOversize makes oversize bounded-memory writes fail with
	// ErrValueTooLarge instead of being skipped.
	RejectOversize bool

	// RedisClient is required when DriverRedis is used.
	RedisClient RedisClient

	// MemcachedAddresses lists memcached servers; defaults to
	// 127.0.0.1:11211.
	MemcachedAddresses []string

	// SQLDriverName and SQLDSN are required when DriverSQL is used.
	// Supported driver names: sqlite, mysql, pgx/postgres.
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	// NATSKeyValue is required when DriverNATS is used.
	NATSKeyValue NATSKeyValue

	// DynamoClient may be nil, in which case a client is built from
	// DynamoRegion and DynamoEndpoint.
	DynamoClient   DynamoAPI
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	// FileDir controls where the file driver stores cache entries.
	FileDir string

	// Logger is used by backends that log (bounded memory eviction).
	Logger Logger
}

func (c BackendConfig) withDefaults() BackendConfig {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	return c
}
