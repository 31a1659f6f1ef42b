package detect

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"warden/core"
	"warden/metrics"
)

const (
	// DefaultRetention is the ceiling for every correlation window
	DefaultRetention = time.Hour
	// DefaultShards is the number of independently locked shards
	DefaultShards = 64
	// MaxMarkersPerKey bounds memory for a single hot key; oldest markers are dropped first
	MaxMarkersPerKey = 10000
	// compactEvery triggers an opportunistic sweep of idle keys
	compactEvery = 4096
	// minCompactCap is the smallest backing array worth shrinking
	minCompactCap = 64
)

// CorrelationCache keeps per-key sliding windows of event markers.
//
// Keys are spread over shards by xxhash; each shard has its own lock, so
// unrelated keys never contend. Markers older than the retention ceiling are
// pruned from a key every time that key is recorded, and Recent never mutates.
// Pruning re-slices the history; append reclaims the leading slack when the
// backing array fills up.
//
// The cache is process-local: attacks spread across several engine instances
// are only seen partially by each of them.
type CorrelationCache struct {
	shards    []*cacheShard
	retention time.Duration
	now       core.Clock
	records   atomic.Uint64
}

type cacheShard struct {
	mu   sync.RWMutex
	keys map[string][]core.Marker
}

// NewCorrelationCache creates a cache with n shards and the given retention ceiling
func NewCorrelationCache(n int, retention time.Duration) *CorrelationCache {
	if n <= 0 {
		n = DefaultShards
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	c := &CorrelationCache{
		shards:    make([]*cacheShard, n),
		retention: retention,
		now:       time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{keys: make(map[string][]core.Marker)}
	}
	return c
}

// WithClock replaces the time source. The replay command drives it from event time.
func (c *CorrelationCache) WithClock(now core.Clock) *CorrelationCache {
	c.now = now
	return c
}

// Retention returns the pruning ceiling
func (c *CorrelationCache) Retention() time.Duration {
	return c.retention
}

func (c *CorrelationCache) shard(key string) *cacheShard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Record appends a marker to key's history, keeping it ordered by timestamp,
// and prunes markers that fell out of the retention ceiling.
func (c *CorrelationCache) Record(key core.CorrelationKey, m core.Marker) {
	if key.IsZero() {
		return
	}
	k := key.String()
	cutoff := c.now().Add(-c.retention)

	s := c.shard(k)
	s.mu.Lock()
	history := s.keys[k]

	// Out-of-order arrivals are inserted at their timestamp position
	i := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp.After(m.Timestamp)
	})
	history = append(history, core.Marker{})
	copy(history[i+1:], history[i:])
	history[i] = m

	history = prune(history, cutoff)
	if len(history) > MaxMarkersPerKey {
		history = dropFront(history, len(history)-MaxMarkersPerKey)
	}
	if len(history) == 0 {
		delete(s.keys, k)
	} else {
		s.keys[k] = history
	}
	s.mu.Unlock()

	if c.records.Add(1)%compactEvery == 0 {
		c.Compact()
	}
}

// Recent returns a copy of the markers of key with timestamp >= now-window.
// Windows longer than the retention ceiling are clamped to it.
func (c *CorrelationCache) Recent(key core.CorrelationKey, window time.Duration) []core.Marker {
	if key.IsZero() {
		return nil
	}
	if window > c.retention {
		window = c.retention
	}
	k := key.String()
	cutoff := c.now().Add(-window)

	s := c.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.keys[k]
	start := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.Before(cutoff)
	})
	if start == len(history) {
		return nil
	}
	out := make([]core.Marker, len(history)-start)
	copy(out, history[start:])
	return out
}

// Count returns how many markers of key within window satisfy match (nil matches all)
func (c *CorrelationCache) Count(key core.CorrelationKey, window time.Duration, match func(core.Marker) bool) int {
	n := 0
	for _, m := range c.Recent(key, window) {
		if match == nil || match(m) {
			n++
		}
	}
	return n
}

// Compact drops keys whose newest marker is older than the retention ceiling.
// Correctness never depends on it; it only releases idle keys.
func (c *CorrelationCache) Compact() (removed int) {
	cutoff := c.now().Add(-c.retention)
	keys, markers := 0, 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, history := range s.keys {
			if len(history) == 0 || history[len(history)-1].Timestamp.Before(cutoff) {
				delete(s.keys, k)
				removed++
				continue
			}
			keys++
			markers += len(history)
		}
		s.mu.Unlock()
	}
	metrics.CorrelationKeys.Set(float64(keys))
	metrics.CorrelationMarkers.Set(float64(markers))
	return removed
}

// Stats reports the number of tracked keys and retained markers
func (c *CorrelationCache) Stats() (keys, markers int) {
	for _, s := range c.shards {
		s.mu.RLock()
		keys += len(s.keys)
		for _, history := range s.keys {
			markers += len(history)
		}
		s.mu.RUnlock()
	}
	return keys, markers
}

// prune removes markers older than cutoff from the front of an ordered history
func prune(history []core.Marker, cutoff time.Time) []core.Marker {
	i := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.Before(cutoff)
	})
	return dropFront(history, i)
}

// dropFront re-slices past the first n markers. The history is only copied
// when the live markers fill less than a quarter of the remaining capacity,
// so pruning stays amortized O(1) per Record.
func dropFront(history []core.Marker, n int) []core.Marker {
	if n <= 0 {
		return history
	}
	clear(history[:n])
	history = history[n:]
	if c := cap(history); c > minCompactCap && len(history) < c/4 {
		history = append(make([]core.Marker, 0, 2*len(history)), history...)
	}
	return history
}
