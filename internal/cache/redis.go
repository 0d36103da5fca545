package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config Config
	mu     sync.RWMutex
	client *redis.Client
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}
	return &Redis{config: config}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client != nil
}

// Name returns the name of this cache instance
func (r *Redis) Name() string {
	return r.config.Name
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

func (r *Redis) conn() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	val, err := client.Get(ctx, prefixed(r.config.Prefix, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	return client.Set(ctx, prefixed(r.config.Prefix, key), value, expiration).Err()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	return client.Del(ctx, prefixed(r.config.Prefix, key)).Err()
}
