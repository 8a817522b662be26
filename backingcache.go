package revdb

import (
	"log/slog"
	"sync"

	"github.com/google/btree"
)

type cacheKey struct {
	typ string
	id  string
}

type cacheEntry struct {
	key  cacheKey
	b    *backing
	tick uint64
}

func cacheEntryLess(a, b *cacheEntry) bool {
	if a.tick != b.tick {
		return a.tick < b.tick
	}
	if a.key.typ != b.key.typ {
		return a.key.typ < b.key.typ
	}
	return a.key.id < b.key.id
}

// backingCache is a bounded LRU cache of committed backings. Instead of wall
// clock timestamps it stamps entries with a logical tick, so the eviction
// order (tick, type, ID) is total and deterministic.
//
// All methods are safe on a nil receiver, which is how a disabled cache is
// represented.
type backingCache struct {
	limit   int
	logger  *slog.Logger
	metrics *metrics

	mu      sync.Mutex
	tick    uint64
	entries map[cacheKey]*cacheEntry
	lru     *btree.BTreeG[*cacheEntry]
}

func newBackingCache(limit int, logger *slog.Logger, m *metrics) *backingCache {
	if limit < 0 {
		return nil
	}
	return &backingCache{
		limit:   limit,
		logger:  logger,
		metrics: m,
		entries: make(map[cacheKey]*cacheEntry),
		lru:     btree.NewG(16, cacheEntryLess),
	}
}

// touchLocked moves e to the most recently referenced position.
func (c *backingCache) touchLocked(e *cacheEntry) {
	c.lru.Delete(e)
	c.tick++
	e.tick = c.tick
	c.lru.ReplaceOrInsert(e)
}

// add publishes backings of one document type. A cached backing with a
// higher revision is kept, so a slow reader cannot overwrite what a newer
// commit has published.
func (c *backingCache) add(docType string, backings map[string]*backing) {
	if c == nil || len(backings) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range sortedKeys(backings) {
		b := backings[id]
		k := cacheKey{docType, id}
		if e := c.entries[k]; e != nil {
			if e.b.Revision <= b.Revision {
				e.b = b
			}
			c.touchLocked(e)
			continue
		}
		c.tick++
		e := &cacheEntry{key: k, b: b, tick: c.tick}
		c.entries[k] = e
		c.lru.ReplaceOrInsert(e)
	}
	c.metrics.cacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *backingCache) get(docType, id string) *backing {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[cacheKey{docType, id}]
	if e == nil {
		c.metrics.cacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	c.metrics.cacheLookups.WithLabelValues("hit").Inc()
	c.touchLocked(e)
	return e.b
}

// query partitions ids into cached backings and IDs that need a storage
// read, touching every entry it finds.
func (c *backingCache) query(docType string, ids []string) (found map[string]*backing, notFound []string) {
	found = make(map[string]*backing, len(ids))
	if c == nil {
		return found, ids
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits, misses int
	for _, id := range ids {
		if _, dup := found[id]; dup {
			continue
		}
		e := c.entries[cacheKey{docType, id}]
		if e == nil {
			notFound = append(notFound, id)
			misses++
			continue
		}
		c.touchLocked(e)
		found[id] = e.b
		hits++
	}
	c.metrics.cacheLookups.WithLabelValues("hit").Add(float64(hits))
	c.metrics.cacheLookups.WithLabelValues("miss").Add(float64(misses))
	return found, notFound
}

func (c *backingCache) remove(docType string, ids []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		k := cacheKey{docType, id}
		if e := c.entries[k]; e != nil {
			c.lru.Delete(e)
			delete(c.entries, k)
		}
	}
	c.metrics.cacheSize.Set(float64(len(c.entries)))
}

// clear drops every entry.
func (c *backingCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
	c.lru.Clear(false)
	c.metrics.cacheSize.Set(0)
}

// maybePrune evicts the least recently referenced entries until the
// population is back at the limit, and returns the number evicted. The
// selection and removal happen under one lock, so an entry touched after
// the decision is never evicted by it.
func (c *backingCache) maybePrune() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	excess := len(c.entries) - c.limit
	if excess <= 0 {
		return 0
	}
	for range excess {
		e, ok := c.lru.DeleteMin()
		if !ok {
			break
		}
		delete(c.entries, e.key)
	}
	c.metrics.cacheEvictions.Add(float64(excess))
	c.metrics.cacheSize.Set(float64(len(c.entries)))
	c.logger.Debug("revdb: pruned backing cache", "evicted", excess, "remaining", len(c.entries), "limit", c.limit)
	return excess
}

func (c *backingCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// oldest returns up to n keys in eviction order.
func (c *backingCache) oldest(n int) []cacheKey {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []cacheKey
	c.lru.Ascend(func(e *cacheEntry) bool {
		if len(keys) >= n {
			return false
		}
		keys = append(keys, e.key)
		return true
	})
	return keys
}
