package payhook

import (
	"context"
	"sync"
)

// DefaultLedgerCacheCapacity is the number of processed records kept in process.
const DefaultLedgerCacheCapacity = 1000

// LedgerCache is the fast tier of the idempotency ledger. It only ever holds
// processed records; a miss is never proof that an event is new.
type LedgerCache interface {
	// Get returns a copy of the cached record and true if found
	Get(ctx context.Context, webhookID string) (*ProcessingRecord, bool)

	// Put stores a processed record, evicting the oldest entries when full
	Put(ctx context.Context, rec *ProcessingRecord)

	// EvictOldest removes up to n records with the oldest ProcessedAt and
	// returns how many were removed
	EvictOldest(ctx context.Context, n int) int

	// Len returns the number of cached records
	Len(ctx context.Context) int
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopLedgerCache is a cache implementation that does nothing.
// Used when caching is disabled
type NoopLedgerCache struct{}

func (c *NoopLedgerCache) Get(_ context.Context, _ string) (*ProcessingRecord, bool) {
	return nil, false
}

func (c *NoopLedgerCache) Put(_ context.Context, _ *ProcessingRecord) {}

func (c *NoopLedgerCache) EvictOldest(_ context.Context, _ int) int { return 0 }

func (c *NoopLedgerCache) Len(_ context.Context) int { return 0 }

// LRULedgerCache is a bounded in-process LedgerCache. When full it evicts the
// record with the oldest ProcessedAt, breaking ties by insertion order.
type LRULedgerCache struct {
	mu       sync.Mutex
	entries  map[string]*ledgerCacheEntry
	capacity int
	sequence int64

	hits      int64
	misses    int64
	evictions int64
}

type ledgerCacheEntry struct {
	record   ProcessingRecord
	sequence int64
}

// NewLRULedgerCache creates a cache holding at most capacity records.
func NewLRULedgerCache(capacity int) *LRULedgerCache {
	if capacity <= 0 {
		capacity = DefaultLedgerCacheCapacity
	}
	return &LRULedgerCache{
		entries:  make(map[string]*ledgerCacheEntry, capacity),
		capacity: capacity,
	}
}

func (c *LRULedgerCache) Get(_ context.Context, webhookID string) (*ProcessingRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[webhookID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	rec := entry.record
	return &rec, true
}

func (c *LRULedgerCache) Put(_ context.Context, rec *ProcessingRecord) {
	if rec == nil || rec.WebhookID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[rec.WebhookID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked(len(c.entries) - c.capacity + 1)
	}

	c.entries[rec.WebhookID] = &ledgerCacheEntry{
		record:   *rec,
		sequence: c.sequence,
	}
	c.sequence++
}

func (c *LRULedgerCache) EvictOldest(_ context.Context, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOldestLocked(n)
}

func (c *LRULedgerCache) evictOldestLocked(n int) int {
	removed := 0
	for ; removed < n && len(c.entries) > 0; removed++ {
		var oldestKey string
		var oldest *ledgerCacheEntry
		for key, entry := range c.entries {
			if oldest == nil || entry.record.ProcessedAt.Before(oldest.record.ProcessedAt) ||
				(entry.record.ProcessedAt.Equal(oldest.record.ProcessedAt) && entry.sequence < oldest.sequence) {
				oldestKey = key
				oldest = entry
			}
		}
		delete(c.entries, oldestKey)
		c.evictions++
	}
	return removed
}

func (c *LRULedgerCache) Len(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *LRULedgerCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
