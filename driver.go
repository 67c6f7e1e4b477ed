package tiercache

// Driver identifies a cache backend implementation.
type Driver string

const (
	DriverNull          Driver = "null"
	DriverFile          Driver = "file"
	DriverMemory        Driver = "memory"
	DriverBoundedMemory Driver = "bounded_memory"
	DriverMemcached     Driver = "memcached"
	DriverDynamo        Driver = "dynamodb"
	DriverRedis         Driver = "redis"
	DriverSQL           Driver = "sql"
	DriverNATS          Driver = "nats"
	DriverLayered       Driver = "layered"
)
