// Package cache provides caching implementations for Kestrel.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is a thread-safe LRU cache with per-entry TTL.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	maxSize int
	items   *lru.Cache[string, cacheEntry]

	mu       sync.Mutex
	counters map[string]*counterEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	// Only fails on a non-positive size.
	items, _ := lru.New[string, cacheEntry](maxSize)
	return &LRUCache{
		maxSize:  maxSize,
		items:    items,
		counters: make(map[string]*counterEntry),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)
	entry, ok := c.items.Get(fullKey)
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.items.Remove(fullKey)
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.items.Add(makeKey(tenantID, key), cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	c.items.Remove(makeKey(tenantID, key))
	return nil
}

// GetResult retrieves a cached analysis by dataset fingerprint.
func (c *LRUCache) GetResult(ctx context.Context, tenantID string, fingerprint string) (*domain.AnalysisRecord, error) {
	data, err := c.Get(ctx, tenantID, resultKey(fingerprint))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeRecord(data)
}

// SetResult caches a finished analysis.
func (c *LRUCache) SetResult(ctx context.Context, tenantID string, fingerprint string, rec *domain.AnalysisRecord, ttl time.Duration) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, resultKey(fingerprint), data, ttl)
}

// IncrementCounter atomically increments a counter.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.counters[fullKey]

	if !ok || now.After(entry.expiresAt) {
		// Start new counter window
		c.counters[fullKey] = &counterEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.items.Purge()
	c.mu.Lock()
	c.counters = make(map[string]*counterEntry)
	c.mu.Unlock()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	return c.items.Len(), c.maxSize
}
