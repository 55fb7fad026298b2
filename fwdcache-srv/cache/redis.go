package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// Expiry is the redis-side key expiry. Zero means TTL.
	Expiry time.Duration
}

// RedisStore keeps records in redis under Prefix+key. Records use the same
// timestamp line layout as FileStore.
type RedisStore struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix, opts.Expiry), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, expiry time.Duration) *RedisStore {
	if expiry <= 0 {
		expiry = TTL
	}
	return &RedisStore{client: client, prefix: prefix, expiry: expiry}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeRecord(data)
	if err != nil {
		logger.Warn("Ignoring redis cache record %s: %v", r.prefix+key, err)
		return nil, nil
	}
	return entry, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := r.client.Set(ctx, r.prefix+key, encodeRecord(entry), r.expiry).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (r *RedisStore) Clear(ctx context.Context) error {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			removed += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	logger.Info("Cleared %d redis cache keys with prefix %q", removed, r.prefix)
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
