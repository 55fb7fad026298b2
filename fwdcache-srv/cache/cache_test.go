package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:", 0)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "cache_files"))
	require.NoError(t, err)
	redisStore, _ := newRedisStore(t)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"redis":  redisStore,
	}
}

func TestFreshnessWindow(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c := New(store, WithClock(clock.Now))
			ctx := context.Background()
			key := ComputeKey("origin.example", []byte("GET / HTTP/1.1\r\nHost: origin.example\r\n\r\n"))
			response := []byte("HTTP/1.1 200 OK\r\n\r\nbody")

			require.NoError(t, c.Store(ctx, key, response))

			clock.Advance(59 * time.Second)
			entry, ok, err := c.Lookup(ctx, key)
			require.NoError(t, err)
			require.True(t, ok, "entry must be fresh at T+59s")
			assert.Equal(t, response, entry.Response)

			clock.Advance(2 * time.Second)
			entry, ok, err = c.Lookup(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "entry must be absent at T+61s")
			assert.Nil(t, entry)
		})
	}
}

func TestFreshnessBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "k", []byte("v")))
	clock.Advance(TTL)

	_, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "an entry exactly TTL old is stale")
}

func TestStaleEntryIsReplaced(t *testing.T) {
	clock := newFakeClock()
	c := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "k", []byte("old")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Store(ctx, "k", []byte("new")))

	entry, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), entry.Response)
	assert.Equal(t, clock.Now(), entry.Timestamp)
}

func TestLookupMissingKey(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entry, ok, err := New(store).Lookup(context.Background(), ComputeKey("a", nil))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, entry)
		})
	}
}

func TestClear(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(store)
			ctx := context.Background()
			keys := []string{ComputeKey("a", []byte("1")), ComputeKey("b", []byte("2"))}
			for _, key := range keys {
				require.NoError(t, c.Store(ctx, key, []byte("resp")))
			}

			require.NoError(t, c.Clear(ctx))

			for _, key := range keys {
				_, ok, err := c.Lookup(ctx, key)
				require.NoError(t, err)
				assert.False(t, ok)
			}
		})
	}
}

func TestComputeKey(t *testing.T) {
	req := []byte("GET /x HTTP/1.1\r\nHost: a.example\r\n\r\n")
	withBody := []byte("POST /x HTTP/1.1\r\nHost: a.example\r\n\r\nbody-1")
	otherBody := []byte("POST /x HTTP/1.1\r\nHost: a.example\r\n\r\nbody-2")

	key := ComputeKey("a.example", req)
	assert.Len(t, key, 64)
	assert.Equal(t, key, ComputeKey("a.example", append([]byte(nil), req...)), "byte-identical inputs share a key")
	assert.NotEqual(t, key, ComputeKey("b.example", req), "host is part of the key")
	assert.NotEqual(t, ComputeKey("a.example", withBody), ComputeKey("a.example", otherBody), "body is part of the key")
	assert.NotEqual(t, ComputeKey("ab", []byte("c")), ComputeKey("a", []byte("bc")), "host and request do not run together")

	seen := make(map[string]string)
	for i := 0; i < 500; i++ {
		r := fmt.Sprintf("GET /item/%d HTTP/1.1\r\nHost: a.example\r\n\r\n", i)
		k := ComputeKey("a.example", []byte(r))
		prev, dup := seen[k]
		require.False(t, dup, "collision between %q and %q", prev, r)
		seen[k] = r
	}
}

func TestFileRecordFormat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache_files")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	response := []byte("HTTP/1.1 200 OK\r\n\r\n\x00\xffbinary\nwith newline")
	key := ComputeKey("a.example", []byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, store.Put(context.Background(), key, Entry{Timestamp: stamp, Response: response}))

	data, err := os.ReadFile(filepath.Join(dir, key))
	require.NoError(t, err)
	line, rest, found := strings.Cut(string(data), "\n")
	require.True(t, found)
	assert.Equal(t, "2024-05-01T12:00:00.123Z", line)
	assert.Equal(t, string(response), rest)

	entry, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, stamp.Equal(entry.Timestamp))
	assert.Equal(t, response, entry.Response)
}

func TestFileStoreCorruptRecordIsAbsent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"), []byte("not a timestamp\nHTTP/1.1 200 OK"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nonewline"), []byte("2024-05-01T12:00:00Z"), 0o600))

	for _, key := range []string{"broken", "nonewline"} {
		entry, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Nil(t, entry, key)
	}
}

func TestFileStoreEmptyDirectory(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestRedisStoreUsesPrefixAndExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "abc", Entry{Timestamp: time.Now(), Response: []byte("resp")}))
	assert.True(t, mr.Exists("test:abc"))
	assert.Equal(t, TTL, mr.TTL("test:abc"))

	require.NoError(t, mr.Set("other:key", "untouched"))
	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("test:abc"))
	assert.True(t, mr.Exists("other:key"))

	mr.FastForward(TTL)
	entry, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisOptions{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	c, err := NewFromConfig(ctx, config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewFromConfig(ctx, config.CacheConfig{Enabled: true, Backend: config.CacheBackendMemory})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.IsType(t, &MemoryStore{}, c.store)

	dir := filepath.Join(t.TempDir(), "files")
	c, err = NewFromConfig(ctx, config.CacheConfig{Enabled: true, Backend: config.CacheBackendFile, Directory: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, c.store)
	assert.DirExists(t, dir)

	mr := miniredis.RunT(t)
	c, err = NewFromConfig(ctx, config.CacheConfig{Enabled: true, Backend: config.CacheBackendRedis, RedisAddress: mr.Addr(), KeyPrefix: "p:"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, c.store)
	require.NoError(t, c.Close())

	_, err = NewFromConfig(ctx, config.CacheConfig{Enabled: true, Backend: "memcached"})
	assert.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := ComputeKey("a.example", []byte{byte(i % 4)})
			for j := 0; j < 50; j++ {
				_ = c.Store(ctx, key, []byte(fmt.Sprintf("resp-%d-%d", i, j)))
				if entry, ok, err := c.Lookup(ctx, key); err == nil && ok {
					assert.True(t, strings.HasPrefix(string(entry.Response), "resp-"))
				}
			}
		}(i)
	}
	wg.Wait()
}
