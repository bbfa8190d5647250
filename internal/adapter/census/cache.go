package census

import (
	"context"
	"sync"

	"github.com/terracast/crop-signal-engine/internal/domain"
	"github.com/terracast/crop-signal-engine/internal/observability"
)

// CachedDirectory wraps a CountyDirectory with an in-memory LRU cache.
// County metadata never changes within a run, so hits skip the API.
type CachedDirectory struct {
	inner   domain.CountyDirectory
	cache   *lruCache
	metrics *observability.Metrics
}

// NewCachedDirectory creates a cache decorator around a directory.
func NewCachedDirectory(inner domain.CountyDirectory, maxEntries int, metrics *observability.Metrics) *CachedDirectory {
	return &CachedDirectory{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (c *CachedDirectory) Lookup(ctx context.Context, fips string) (domain.CountyInfo, error) {
	if info, ok := c.cache.get(fips); ok {
		c.metrics.CountyCache.WithLabelValues("hit").Inc()
		return info, nil
	}
	c.metrics.CountyCache.WithLabelValues("miss").Inc()

	info, err := c.inner.Lookup(ctx, fips)
	if err != nil {
		return info, err
	}
	// Only cache non-empty results so transient "not found" responses can be retried.
	if info.Name != "" {
		c.cache.put(fips, info)
	}
	return info, nil
}

// lruCache is a simple thread-safe LRU cache for county metadata.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.CountyInfo
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (domain.CountyInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.CountyInfo{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.CountyInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
