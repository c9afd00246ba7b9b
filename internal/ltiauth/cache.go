package ltiauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned for absent or expired keys.
var ErrCacheMiss = errors.New("ltiauth: cache miss")

// Cache holds OIDC state and verified launch messages between requests.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Take returns and deletes the value.
	Take(ctx context.Context, key string) ([]byte, error)
}

// RedisCache shares launch state across tool instances.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisCacheWithClient(client), nil
}

func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "ltitool:"}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Take(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.GetDel(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Close() error { return c.client.Close() }

// MemoryCache is a process local Cache for single instance deployments and tests.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	Now   func() time.Time
}

type memItem struct {
	value   []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	c.items[key] = memItem{value: append([]byte(nil), value...), expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || !c.now().Before(it.expires) {
		delete(c.items, key)
		return nil, ErrCacheMiss
	}
	return it.value, nil
}

func (c *MemoryCache) Take(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	delete(c.items, key)
	if !ok || !c.now().Before(it.expires) {
		return nil, ErrCacheMiss
	}
	return it.value, nil
}

func (c *MemoryCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MemoryCache) sweep() {
	now := c.now()
	for k, it := range c.items {
		if !now.Before(it.expires) {
			delete(c.items, k)
		}
	}
}
