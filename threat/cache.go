package threat

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden/metrics"
)

// LookupCache is a bounded, expiring cache for enrichment lookups. Entries are
// evicted by age or when the size limit is reached, whichever comes first.
type LookupCache[V any] struct {
	name string
	lru  *expirable.LRU[string, V]
}

// NewLookupCache creates a cache reported under name in the cache metrics
func NewLookupCache[V any](name string, size int, ttl time.Duration) *LookupCache[V] {
	if size <= 0 {
		size = 1
	}
	return &LookupCache[V]{
		name: name,
		lru:  expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get retrieves a cached value
func (c *LookupCache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
	}
	return v, ok
}

// Set stores a value with the cache TTL
func (c *LookupCache[V]) Set(key string, v V) {
	c.lru.Add(key, v)
}

// Len returns the number of live entries
func (c *LookupCache[V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry
func (c *LookupCache[V]) Purge() {
	c.lru.Purge()
}
