package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LoadCache holds recent node loads. The TTL is the staleness bound: a load
// older than the TTL is never returned.
type LoadCache interface {
	Get(ctx context.Context, node string) (types.NodeLoad, bool)
	Set(ctx context.Context, load types.NodeLoad)
}

// MemoryCache is a process-local LoadCache
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]types.NodeLoad
}

// NewMemoryCache creates a cache whose entries expire after ttl
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]types.NodeLoad),
	}
}

// Get implements LoadCache
func (c *MemoryCache) Get(_ context.Context, node string) (types.NodeLoad, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	load, ok := c.entries[node]
	if !ok {
		return types.NodeLoad{}, false
	}
	if c.now().Sub(load.SampledAt) >= c.ttl {
		delete(c.entries, node)
		return types.NodeLoad{}, false
	}
	return load, true
}

// Set implements LoadCache
func (c *MemoryCache) Set(_ context.Context, load types.NodeLoad) {
	c.mu.Lock()
	c.entries[load.Node] = load
	c.mu.Unlock()
}

// RedisCache shares node loads between labvm instances through Redis.
// Entries are JSON values that expire after the TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db)
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisCache{
		client: redis.NewClient(opts),
		ttl:    ttl,
		prefix: "labvm:nodeload:",
		logger: log.WithComponent("scheduler"),
	}, nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get implements LoadCache. Redis errors count as a miss.
func (c *RedisCache) Get(ctx context.Context, node string) (types.NodeLoad, bool) {
	data, err := c.client.Get(ctx, c.prefix+node).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Str("node", node).Msg("Load cache read failed")
		}
		return types.NodeLoad{}, false
	}
	var load types.NodeLoad
	if err := json.Unmarshal(data, &load); err != nil {
		return types.NodeLoad{}, false
	}
	return load, true
}

// Set implements LoadCache
func (c *RedisCache) Set(ctx context.Context, load types.NodeLoad) {
	data, err := json.Marshal(load)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+load.Node, data, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("node", load.Node).Msg("Load cache write failed")
	}
}

// NewCache returns the cache selected by the scheduler configuration: Redis
// when a URL is set, in-memory when only a TTL is set, none otherwise.
func NewCache(redisURL string, ttl time.Duration) (LoadCache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	if redisURL != "" {
		c, err := NewRedisCache(redisURL, ttl)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return NewMemoryCache(ttl), nil
}
