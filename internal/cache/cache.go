package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations must satisfy.
// Values are opaque byte slices; callers encode their own snapshots.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of the cache
	Name() string

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional expiration
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string                 // Type of cache (memory, redis, memcached, none)
	Name     string                 // Name of this cache instance
	Host     string                 // Hostname or IP address
	Port     int                    // Port number
	Password string                 // Password for authentication
	Database int                    // Database number (for Redis)
	Prefix   string                 // Key prefix shared by every entry
	Options  map[string]interface{} // Additional options specific to the cache type
}

// Factory creates cache instances based on configuration. A nil cache is
// returned for type "none".
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "memory", "":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "none":
		return nil, nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
