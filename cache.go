package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for the thread caches.
const (
	DefaultCacheTTL   = 24 * time.Hour
	DefaultCacheLimit = 200
)

// ThreadCache keeps the newest acknowledged messages of recently opened
// threads, so switching back shows history before the network answers.
// Transient placeholders are never cached.
type ThreadCache interface {
	Load(ctx context.Context, threadID string) ([]*Message, bool, error)
	Save(ctx context.Context, threadID string, msgs []*Message) error
	Clear(ctx context.Context) error
}

// cacheable returns the newest limit acknowledged messages of msgs.
func cacheable(msgs []*Message, limit int) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsTransient() {
			continue
		}
		out = append(out, m.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory ThreadCache.
type MemoryCache struct {
	mu      sync.RWMutex
	limit   int
	threads map[string][]*Message
}

var _ ThreadCache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache keeping at most limit messages per thread.
func NewMemoryCache(limit int) *MemoryCache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &MemoryCache{limit: limit, threads: make(map[string][]*Message)}
}

func (c *MemoryCache) Load(_ context.Context, threadID string) ([]*Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.threads[threadID]
	if !ok {
		return nil, false, nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, true, nil
}

func (c *MemoryCache) Save(_ context.Context, threadID string, msgs []*Message) error {
	kept := cacheable(msgs, c.limit)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = kept
	return nil
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = make(map[string][]*Message)
	return nil
}

// ============================================================================
// RedisCache
// ============================================================================

const (
	threadPrefix = "chatsync:thread"
	threadIndex  = "chatsync:threads"
)

// RedisCache stores thread snapshots in Redis, one JSON value per thread,
// so several processes of the same user share them.
type RedisCache struct {
	cli   *redis.Client
	ttl   time.Duration
	limit int
}

var _ ThreadCache = (*RedisCache)(nil)

// ConnectRedisCache connects to the Redis server and pings it to ensure the
// connection is working.
func ConnectRedisCache(ctx context.Context, addr string, ttl time.Duration, limit int) (*RedisCache, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &RedisCache{cli: cli, ttl: ttl, limit: limit}, nil
}

func threadKey(threadID string) string { return fmt.Sprintf("%s:%s", threadPrefix, threadID) }

func (r *RedisCache) Load(ctx context.Context, threadID string) ([]*Message, bool, error) {
	data, err := r.cli.Get(ctx, threadKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false, fmt.Errorf("decode cached thread: %w", err)
	}
	return msgs, true, nil
}

func (r *RedisCache) Save(ctx context.Context, threadID string, msgs []*Message) error {
	data, err := json.Marshal(cacheable(msgs, r.limit))
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	key := threadKey(threadID)
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.ttl)
		pipe.SAdd(ctx, threadIndex, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save thread: %w", err)
	}
	return nil
}

func (r *RedisCache) Clear(ctx context.Context) error {
	keys, err := r.cli.SMembers(ctx, threadIndex).Result()
	if err != nil {
		return fmt.Errorf("smembers: %w", err)
	}
	keys = append(keys, threadIndex)
	if err := r.cli.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error { return r.cli.Close() }

// OpenCache builds the ThreadCache selected by cfg. Backend "none" returns a
// nil cache.
func OpenCache(ctx context.Context, cfg CacheConfig) (ThreadCache, error) {
	cfg.defaults()
	switch cfg.Backend {
	case "memory":
		return NewMemoryCache(cfg.Limit), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
		rc, err := ConnectRedisCache(ctx, cfg.RedisAddr, cfg.TTL.D(), cfg.Limit)
		if err != nil {
			return nil, err
		}
		return rc, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
