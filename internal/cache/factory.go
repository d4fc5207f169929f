package cache

import "fmt"

// Backend names a cache implementation.
type Backend string

const (
	// BackendMemory is the in-process map cache.
	BackendMemory Backend = "memory"
	// BackendRedis is the Redis-backed cache.
	BackendRedis Backend = "redis"
)

// Config selects and configures a cache backend.
type Config struct {
	Backend Backend
	Redis   RedisOptions
}

// New creates a Store for the configured backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStoreFromOptions(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}
