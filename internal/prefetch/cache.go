// Package prefetch implements the Prefetch Engine: an
// LRU-ordered chunk cache with byte-quota and entry-count caps layered
// over the teacher's reference-counted-resource pattern, plus the
// momentum- and intent-driven background prefetch trigger.
package prefetch

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lrfstore/lrf/internal/intent"
)

// ttl is how long a cache entry survives without being touched before it
// transitions from resident to expired.
const ttl = 5 * time.Minute

type centry struct {
	data       []byte
	prefetched bool
	createdAt  time.Time
	lastAccess time.Time
}

// Stats is a snapshot of the Prefetch Engine's counters.
type Stats struct {
	Hits            int64
	Misses          int64
	PrefetchedHits  int64
	TotalPrefetches int64
}

// Cache is the LRU-ordered, byte-quota-and-entry-count-bounded resident
// chunk cache for one Shared Region Resource. golang-lru/v2 provides the
// entry-count bound and recency ordering; the byte quota and TTL are
// layered on top since the library itself only caps entry count.
type Cache struct {
	mu       sync.Mutex
	inner    *lru.Cache[intent.Point, *centry]
	maxBytes int64
	curBytes int64

	hits, misses, prefetchedHits, totalPrefetches atomic.Int64

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewCache returns a Cache bounded by maxEntries distinct chunks and
// maxBytes total resident payload bytes (max_cache_entries and
// max_cache_size_bytes).
func NewCache(maxEntries int, maxBytes int64) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes, Now: time.Now}

	inner, err := lru.NewWithEvict[intent.Point, *centry](maxEntries, func(_ intent.Point, e *centry) {
		atomic.AddInt64(&c.curBytes, -int64(len(e.data)))
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner

	return c, nil
}

// Get returns the cached bytes for p, reporting whether it was
// prefetched rather than demand-loaded. A stale (TTL-expired) entry is
// evicted and reported as a miss.
func (c *Cache) Get(p intent.Point) (data []byte, prefetched bool, ok bool) {
	c.mu.Lock()
	e, found := c.inner.Get(p)
	if !found {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false, false
	}

	now := c.Now()
	if now.Sub(e.lastAccess) > ttl {
		c.inner.Remove(p)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false, false
	}

	e.lastAccess = now
	c.mu.Unlock()

	c.hits.Add(1)
	if e.prefetched {
		c.prefetchedHits.Add(1)
	}

	return e.data, e.prefetched, true
}

// Put installs data for p, evicting LRU entries first if needed to stay
// within the byte quota.
func (c *Cache) Put(p intent.Point, data []byte, prefetched bool) {
	now := c.Now()
	e := &centry{data: data, prefetched: prefetched, createdAt: now, lastAccess: now}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.inner.Peek(p); ok {
		atomic.AddInt64(&c.curBytes, -int64(len(old.data)))
	}

	c.inner.Add(p, e)
	atomic.AddInt64(&c.curBytes, int64(len(data)))

	for atomic.LoadInt64(&c.curBytes) > c.maxBytes {
		_, _, evicted := c.inner.RemoveOldest()
		if !evicted {
			break
		}
	}

	if prefetched {
		c.totalPrefetches.Add(1)
	}
}

// Contains reports whether p is currently resident, without affecting
// LRU order or hit/miss counters — used by the prefetch trigger's
// already-cached check.
func (c *Cache) Contains(p intent.Point) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Contains(p)
}

// Stats returns a snapshot of the engine's hit/miss/prefetch counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		PrefetchedHits:  c.prefetchedHits.Load(),
		TotalPrefetches: c.totalPrefetches.Load(),
	}
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
