// Package cache holds origin responses for a fixed freshness window. Entries
// are keyed by a hash of the origin host and the exact forwarding request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// TTL is the freshness window of a cache entry.
const TTL = 60 * time.Second

// Entry is one cached response together with the time it was stored.
type Entry struct {
	Timestamp time.Time
	Response  []byte
}

// Store is the backing medium of a Cache. Get returns nil, nil for an
// absent key. Implementations do not judge freshness.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Clear(ctx context.Context) error
	Close() error
}

// Cache applies the freshness rule on top of a Store. Every access to the
// store happens under one process-wide mutex; origin fetches do not.
type Cache struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	ttl   time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New wraps store in a Cache with the standard TTL.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, now: time.Now, ttl: TTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds the backend selected by cfg. It returns nil, nil when
// caching is disabled.
func NewFromConfig(ctx context.Context, cfg config.CacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.CacheBackendMemory:
		store = NewMemoryStore()
	case config.CacheBackendFile, "":
		store, err = NewFileStore(cfg.Directory)
	case config.CacheBackendRedis:
		store, err = NewRedisStore(ctx, RedisOptions{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", cfg.Backend, err)
	}

	logger.Info("Response cache enabled (backend %s, ttl %s)", cfg.Backend, TTL)
	return New(store), nil
}

// ComputeKey returns the hex SHA-256 of host and the forwarding request.
// Byte-identical inputs map to the same key.
func ComputeKey(host string, forwarding []byte) string {
	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write(forwarding)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the entry for key if it is younger than the TTL. Stale and
// absent entries both report ok == false.
func (c *Cache) Lookup(ctx context.Context, key string) (entry *Entry, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err = c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup %s: %w", shortKey(key), err)
	}
	if entry == nil {
		return nil, false, nil
	}

	age := c.now().Sub(entry.Timestamp)
	if age >= c.ttl {
		logger.Trace("Cache entry %s is stale (age %s)", shortKey(key), age)
		return nil, false, nil
	}
	return entry, true, nil
}

// Store saves response under key, stamped with the current time. Any
// previous entry is replaced.
func (c *Cache) Store(ctx context.Context, key string, response []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{Timestamp: c.now(), Response: response}
	if err := c.store.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("cache store %s: %w", shortKey(key), err)
	}
	logger.Debug("Cached %s under %s", humanize.Bytes(uint64(len(response))), shortKey(key))
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear(ctx)
}

// Close releases the backing store.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
