// Package cache keeps recently used baseline models in memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
)

// Loader builds the model for a user on a cache miss.
type Loader func(userID int64) (*analysis.EyeHealthModel, error)

// CacheItem represents a cached model with expiration
type CacheItem struct {
	Model     *analysis.EyeHealthModel
	ExpiresAt time.Time
}

// IsExpired checks if the cache item has expired at now
func (c *CacheItem) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ModelCache provides thread-safe TTL caching of per-user baseline models.
// Models are immutable, so one instance is shared by every session of a user.
type ModelCache struct {
	mu      sync.RWMutex
	items   map[int64]*CacheItem
	ttl     time.Duration
	load    Loader
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewModelCache creates a cache that fills itself through load.
func NewModelCache(ttl time.Duration, load Loader, metrics *monitoring.Metrics) *ModelCache {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	return &ModelCache{
		items:   make(map[int64]*CacheItem),
		ttl:     ttl,
		load:    load,
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the model for userID, loading it on a miss. Load errors are
// returned as is and nothing is cached.
func (c *ModelCache) Get(userID int64) (*analysis.EyeHealthModel, error) {
	c.mu.RLock()
	item, exists := c.items[userID]
	c.mu.RUnlock()

	if exists && !item.IsExpired(c.now()) {
		c.metrics.IncrementCacheHit()
		return item.Model, nil
	}
	c.metrics.IncrementCacheMiss()

	model, err := c.load(userID)
	if err != nil {
		return nil, err
	}
	c.Set(userID, model)
	return model, nil
}

// Set stores a model in the cache
func (c *ModelCache) Set(userID int64, model *analysis.EyeHealthModel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[userID] = &CacheItem{
		Model:     model,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops the cached model for a user. Call it whenever the stored
// baseline changes.
func (c *ModelCache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, userID)
}

// Size returns the number of items in the cache
func (c *ModelCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Run removes expired items every interval until ctx is done.
func (c *ModelCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ModelCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if item.IsExpired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Stats returns cache statistics
func (c *ModelCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	totalItems := len(c.items)
	expiredItems := 0
	for _, item := range c.items {
		if item.IsExpired(now) {
			expiredItems++
		}
	}

	return map[string]interface{}{
		"total_items":   totalItems,
		"expired_items": expiredItems,
		"active_items":  totalItems - expiredItems,
		"ttl_seconds":   c.ttl.Seconds(),
	}
}
