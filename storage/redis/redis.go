// Package redis provides a Redis implementation of payhook.LedgerCache.
// Records live under individual keys and a sorted set indexes them by
// ProcessedAt so the oldest can be evicted atomically by a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

var _ payhook.LedgerCache = (*Cache)(nil)

// Cache implements payhook.LedgerCache using Redis
type Cache struct {
	client  redis.UniversalClient
	config  Config
	logger  payhook.Logger
	scripts map[string]*redis.Script

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "{payhook:ledger}:").
	// The Lua scripts touch several keys at once, so they must share a
	// cluster slot: a prefix without a {hash tag} is wrapped in one.
	KeyPrefix string

	// Capacity is the maximum number of cached records (default: 1000)
	Capacity int

	// RecordTTL expires cached records (0 = no expiration)
	RecordTTL time.Duration

	// Logger receives errors, which the LedgerCache interface does not surface
	Logger payhook.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "{payhook:ledger}:",
		Capacity:  payhook.DefaultLedgerCacheCapacity,
		RecordTTL: 24 * time.Hour,
	}
}

// New creates a new Redis ledger cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "{payhook:ledger}:"
	}
	config.KeyPrefix = withHashTag(config.KeyPrefix)
	if config.Capacity <= 0 {
		config.Capacity = payhook.DefaultLedgerCacheCapacity
	}
	logger := config.Logger
	if logger == nil {
		logger = &payhook.NoopLogger{}
	}

	c := &Cache{
		client:  client,
		config:  config,
		logger:  logger,
		scripts: make(map[string]*redis.Script),
	}
	c.loadScripts()

	return c, nil
}

// withHashTag wraps prefix in braces unless it already carries a hash tag.
func withHashTag(prefix string) string {
	if hashTag(prefix) != prefix {
		return prefix
	}
	return "{" + prefix + "}"
}

// hashTag returns the part of key Redis Cluster hashes: the content of the
// first non-empty {...}, else the whole key.
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

// loadScripts compiles the Lua scripts for atomic put and eviction
func (c *Cache) loadScripts() {
	// Store a record, index it, and trim the index to capacity
	c.scripts["put"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local indexKey = KEYS[2]
		local data = ARGV[1]
		local score = tonumber(ARGV[2])
		local member = ARGV[3]
		local capacity = tonumber(ARGV[4])
		local prefix = ARGV[5]
		local ttl = tonumber(ARGV[6])

		if ttl > 0 then
			redis.call('SET', recordKey, data, 'PX', ttl)
		else
			redis.call('SET', recordKey, data)
		end
		redis.call('ZADD', indexKey, score, member)

		local removed = 0
		local size = redis.call('ZCARD', indexKey)
		if size > capacity then
			local popped = redis.call('ZPOPMIN', indexKey, size - capacity)
			for i = 1, #popped, 2 do
				redis.call('DEL', prefix .. popped[i])
				removed = removed + 1
			end
		end
		return removed
	`)

	// Remove the n records with the oldest ProcessedAt
	c.scripts["evict"] = redis.NewScript(`
		local indexKey = KEYS[1]
		local n = tonumber(ARGV[1])
		local prefix = ARGV[2]

		local popped = redis.call('ZPOPMIN', indexKey, n)
		local removed = 0
		for i = 1, #popped, 2 do
			redis.call('DEL', prefix .. popped[i])
			removed = removed + 1
		end
		return removed
	`)
}

// cachedRecord is the JSON form of a ProcessingRecord
type cachedRecord struct {
	WebhookID   string    `json:"webhookId"`
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	ReservedAt  time.Time `json:"reservedAt"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Get implements payhook.LedgerCache
func (c *Cache) Get(ctx context.Context, webhookID string) (*payhook.ProcessingRecord, bool) {
	data, err := c.client.Get(ctx, c.recordKey(webhookID)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.misses.Add(1)
		c.logger.Warn("ledger cache get failed",
			payhook.Field{Key: "webhook_id", Value: webhookID},
			payhook.Field{Key: "error", Value: err},
		)
		return nil, false
	}

	var rec cachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.misses.Add(1)
		c.logger.Warn("ledger cache entry unreadable",
			payhook.Field{Key: "webhook_id", Value: webhookID},
			payhook.Field{Key: "error", Value: err},
		)
		return nil, false
	}

	c.hits.Add(1)
	return &payhook.ProcessingRecord{
		WebhookID:   rec.WebhookID,
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		Source:      payhook.Source(rec.Source),
		Status:      payhook.RecordStatus(rec.Status),
		ReservedAt:  rec.ReservedAt,
		ProcessedAt: rec.ProcessedAt,
	}, true
}

// Put implements payhook.LedgerCache. Only processed records are cached.
func (c *Cache) Put(ctx context.Context, rec *payhook.ProcessingRecord) {
	if rec == nil || rec.WebhookID == "" || rec.Status != payhook.RecordProcessed {
		return
	}

	data, err := json.Marshal(cachedRecord{
		WebhookID:   rec.WebhookID,
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		Source:      string(rec.Source),
		Status:      string(rec.Status),
		ReservedAt:  rec.ReservedAt,
		ProcessedAt: rec.ProcessedAt,
	})
	if err != nil {
		c.logger.Warn("ledger cache encode failed", payhook.Field{Key: "error", Value: err})
		return
	}

	removed, err := c.scripts["put"].Run(ctx, c.client,
		[]string{c.recordKey(rec.WebhookID), c.indexKey()},
		string(data),
		rec.ProcessedAt.UnixMilli(),
		rec.WebhookID,
		c.config.Capacity,
		c.recordPrefix(),
		c.config.RecordTTL.Milliseconds(),
	).Int64()
	if err != nil {
		c.logger.Warn("ledger cache put failed",
			payhook.Field{Key: "webhook_id", Value: rec.WebhookID},
			payhook.Field{Key: "error", Value: err},
		)
		return
	}
	c.evictions.Add(removed)
}

// EvictOldest implements payhook.LedgerCache
func (c *Cache) EvictOldest(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	removed, err := c.scripts["evict"].Run(ctx, c.client,
		[]string{c.indexKey()}, n, c.recordPrefix()).Int64()
	if err != nil {
		c.logger.Warn("ledger cache eviction failed", payhook.Field{Key: "error", Value: err})
		return 0
	}
	c.evictions.Add(removed)
	return int(removed)
}

// Len implements payhook.LedgerCache
func (c *Cache) Len(ctx context.Context) int {
	n, err := c.client.ZCard(ctx, c.indexKey()).Result()
	if err != nil {
		c.logger.Warn("ledger cache size failed", payhook.Field{Key: "error", Value: err})
		return 0
	}
	return int(n)
}

// Stats returns cache statistics
func (c *Cache) Stats(ctx context.Context) payhook.CacheStats {
	return payhook.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(ctx),
	}
}

func (c *Cache) recordPrefix() string {
	return c.config.KeyPrefix + "rec:"
}

func (c *Cache) recordKey(webhookID string) string {
	return c.recordPrefix() + webhookID
}

func (c *Cache) indexKey() string {
	return c.config.KeyPrefix + "index"
}

// Close closes the Redis client connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
