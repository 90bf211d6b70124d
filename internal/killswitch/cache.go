package killswitch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hostwell/relay/internal/clock"
)

// DefaultCacheTTL is how long a cached decision is trusted. Writers on other
// processes become visible within this window.
const DefaultCacheTTL = 10 * time.Second

// Cache holds resolved gate decisions (absence already folded into the
// boolean). A cache is advisory: misses and backend errors both read as
// "not cached" and fall through to the store.
type Cache interface {
	Get(ctx context.Context, tenantID, key string) (enabled, ok bool)
	Put(ctx context.Context, tenantID, key string, enabled bool)
	Invalidate(ctx context.Context, tenantID, key string)
}

type localEntry struct {
	enabled bool
	expires time.Time
}

// LocalCache is the in-process TTL cache consulted on every IsAllowed call.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[memKey]localEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewLocalCache creates a LocalCache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewLocalCache(ttl time.Duration, clk clock.Clock) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &LocalCache{
		entries: make(map[memKey]localEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *LocalCache) Get(_ context.Context, tenantID, key string) (bool, bool) {
	c.mu.RLock()
	e, ok := c.entries[memKey{tenantID, key}]
	c.mu.RUnlock()

	if !ok || c.clock.Now().After(e.expires) {
		return false, false
	}
	return e.enabled, true
}

func (c *LocalCache) Put(_ context.Context, tenantID, key string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[memKey{tenantID, key}] = localEntry{
		enabled: enabled,
		expires: c.clock.Now().Add(c.ttl),
	}
}

func (c *LocalCache) Invalidate(_ context.Context, tenantID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, memKey{tenantID, key})
}

// RedisCache shares gate decisions between processes so a Set on one node
// shortens the staleness window on the others.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(tenantID, key string) string {
	return "killswitch:" + tenantID + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, tenantID, key string) (bool, bool) {
	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Result()
	if err != nil {
		// redis.Nil and transport errors are both just misses.
		return false, false
	}
	return val == "1", true
}

func (c *RedisCache) Put(ctx context.Context, tenantID, key string, enabled bool) {
	val := "0"
	if enabled {
		val = "1"
	}
	c.client.Set(ctx, redisKey(tenantID, key), val, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID, key string) {
	// Best effort: the TTL bounds staleness if the delete is lost.
	c.client.Del(ctx, redisKey(tenantID, key))
}
