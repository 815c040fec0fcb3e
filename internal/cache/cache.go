// Package cache holds the volatile result cache: asset id → last known
// decorated item, plus the rank side table. Entries age out after the TTL
// via a periodic sweep; when the cache is full the oldest insertion is
// evicted first.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/csinspect/inspectd/internal/inspect"
)

const (
	DefaultMaxEntries = 2000
	DefaultTTL        = time.Hour
	// Sweep cadence. Lookups never check TTL inline; the sweep and
	// capacity eviction are the only removal paths.
	DefaultCleanupInterval = 15 * time.Minute
)

// CachedItem is one cache entry. InsertedAt is reset on overwrite.
type CachedItem struct {
	Item       *inspect.Item
	Price      *uint64
	InsertedAt time.Time
}

type entry struct {
	assetID string
	cached  CachedItem
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*list.Element
	order      *list.List // insertion order, oldest at front
	maxEntries int
	ttl        time.Duration

	ranks map[string]inspect.RankInfo

	hits      int64
	misses    int64
	evictions int64

	stopCh chan struct{}
}

// New creates a cache with the given bounds. Zero values select defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		ranks:      make(map[string]inspect.RankInfo),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic expiry sweep.
func (c *Cache) Start(interval time.Duration) {
	if interval < DefaultCleanupInterval {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				removed := c.CleanupExpired()
				if removed > 0 {
					log.Debug().Int("removed", removed).Msg("Cache expiry sweep")
				}
			}
		}
	}()
}

// Stop terminates the sweep goroutine.
func (c *Cache) Stop() {
	close(c.stopCh)
}

// GetMany returns one slot per asset id, nil where absent. Expired entries
// that the sweep has not reached yet are still returned.
func (c *Cache) GetMany(assetIDs []string) []*CachedItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*CachedItem, len(assetIDs))
	for i, id := range assetIDs {
		el, ok := c.entries[id]
		if !ok {
			c.misses++
			continue
		}
		c.hits++
		cached := el.Value.(*entry).cached
		out[i] = &cached
	}
	return out
}

// Insert stores an item, overwriting any entry for the same asset and
// resetting its age. The oldest insertion is evicted first when full.
func (c *Cache) Insert(item *inspect.Item, price *uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[item.A]; ok {
		el.Value.(*entry).cached = CachedItem{Item: item, Price: price, InsertedAt: now}
		c.order.MoveToBack(el)
		return
	}

	for c.order.Len() >= c.maxEntries {
		c.evictOldestLocked()
	}
	el := c.order.PushBack(&entry{assetID: item.A, cached: CachedItem{Item: item, Price: price, InsertedAt: now}})
	c.entries[item.A] = el
}

// UpdatePrice sets the price on a cached asset. No-op when not cached.
func (c *Cache) UpdatePrice(assetID string, price uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[assetID]; ok {
		el.Value.(*entry).cached.Price = &price
	}
}

// GetRank returns the rank record for an asset, zero-valued when absent.
func (c *Cache) GetRank(assetID string) inspect.RankInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ranks[assetID]
}

// PutRank stores a rank record. Written by the external game-data pipeline;
// the table is unbounded and has no TTL.
func (c *Cache) PutRank(assetID string, rank inspect.RankInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranks[assetID] = rank
}

// CleanupExpired removes entries older than the TTL and reports how many.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.ttl)
	removed := 0
	for el := c.order.Front(); el != nil; {
		ent := el.Value.(*entry)
		if ent.cached.InsertedAt.After(cutoff) {
			// Insertion order means everything behind is younger.
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, ent.assetID)
		removed++
		el = next
	}
	return removed
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns hit/miss/eviction counters.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.evictions
}

func (c *Cache) evictOldestLocked() {
	el := c.order.Front()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).assetID)
	c.evictions++
}
