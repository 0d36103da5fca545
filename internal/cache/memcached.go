package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	config Config
	mu     sync.RWMutex
	client *memcache.Client
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

func (m *Memcached) servers() []string {
	var servers []string

	if m.config.Host != "" {
		port := m.config.Port
		if port == 0 {
			port = 11211 // Default Memcached port
		}
		servers = append(servers, fmt.Sprintf("%s:%d", m.config.Host, port))
	}

	switch extra := m.config.Options["servers"].(type) {
	case []string:
		servers = append(servers, extra...)
	case []interface{}:
		for _, s := range extra {
			if str, ok := s.(string); ok && str != "" {
				servers = append(servers, str)
			}
		}
	}

	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}
	return servers
}

// Connect establishes a connection to the Memcached servers
func (m *Memcached) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	client := memcache.New(m.servers()...)
	if maxIdleConns, ok := m.config.Options["max_idle_conns"].(int); ok {
		client.MaxIdleConns = maxIdleConns
	}
	if timeout, ok := m.config.Options["timeout"].(time.Duration); ok {
		client.Timeout = timeout
	}

	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.client = client
	return nil
}

// Close releases the Memcached client. Idle connections are dropped with it.
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = nil
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Name returns the name of the cache
func (m *Memcached) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memcached"
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

func (m *Memcached) conn() (*memcache.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// key maps a cache key onto the memcached key alphabet
func (m *Memcached) key(key string) string {
	return strings.ReplaceAll(prefixed(m.config.Prefix, key), " ", "_")
}

// Get retrieves a value from the cache
func (m *Memcached) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := m.conn()
	if err != nil {
		return nil, err
	}

	it, err := client.Get(m.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// Set stores a value in the cache
func (m *Memcached) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	client, err := m.conn()
	if err != nil {
		return err
	}

	var exp int32
	if expiration > 0 {
		exp = int32(expiration.Seconds())
		if exp == 0 {
			exp = 1
		}
	}
	return client.Set(&memcache.Item{Key: m.key(key), Value: value, Expiration: exp})
}

// Delete removes a value from the cache
func (m *Memcached) Delete(ctx context.Context, key string) error {
	client, err := m.conn()
	if err != nil {
		return err
	}
	err = client.Delete(m.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
