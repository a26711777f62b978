// Package cache is a byte cache in front of the API's read paths. Keys are
// scoped by artifact version so a reload never serves stale answers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client is the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// RedisClient implements Client on Redis.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisClientFrom(client, cfg.Prefix), nil
}

// NewRedisClientFrom wraps an existing client. An empty prefix is "tyrefit:".
func NewRedisClientFrom(client *redis.Client, prefix string) *RedisClient {
	if prefix == "" {
		prefix = "tyrefit:"
	}
	return &RedisClient{client: client, prefix: prefix}
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// DeleteByPrefix removes every key starting with prefix, scanning in pages.
func (c *RedisClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	it := c.client.Scan(ctx, 0, c.prefix+prefix+"*", 100).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == 100 {
			if err := flush(); err != nil {
				return fmt.Errorf("cache: redis delete by prefix: %w", err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("cache: redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("cache: redis delete by prefix: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error { return c.client.Close() }

// MemoryClient is an in-process Client for tests and single-node setups.
// Expired entries are dropped lazily.
type MemoryClient struct {
	mu      sync.Mutex
	data    map[string]entry
	maxSize int
	now     func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient holds at most maxSize entries (default 10000).
func NewMemoryClient(maxSize int) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryClient{data: make(map[string]entry), maxSize: maxSize, now: time.Now}
}

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.data, key)
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evict()
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.data[key] = e
	return nil
}

func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemoryClient) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

func (c *MemoryClient) Close() error { return nil }

// evict drops expired entries, or the one expiring soonest when none has.
func (c *MemoryClient) evict() {
	now := c.now()
	var oldest string
	var oldestAt time.Time
	for k, e := range c.data {
		if e.expiresAt.IsZero() {
			continue
		}
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if oldest == "" || e.expiresAt.Before(oldestAt) {
			oldest, oldestAt = k, e.expiresAt
		}
	}
	if len(c.data) < c.maxSize {
		return
	}
	if oldest == "" {
		for k := range c.data {
			oldest = k
			break
		}
	}
	delete(c.data, oldest)
}

// Key joins parts with ":".
func Key(parts ...string) string { return strings.Join(parts, ":") }

// RequestKey scopes a request to an artifact version: "<kind>:<version>:<hash>".
// The hash covers the JSON encoding of req.
func RequestKey(kind, version string, req any) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("cache: key for %s: %w", kind, err)
	}
	sum := sha256.Sum256(data)
	return Key(kind, version, hex.EncodeToString(sum[:12])), nil
}

// GetJSON decodes a cached value into v.
func GetJSON(ctx context.Context, c Client, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores the JSON encoding of v.
func SetJSON(ctx context.Context, c Client, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
