package soar

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"warden/core"
	"warden/metrics"
)

const defaultBlockShards = 32

// BlockList is the in-memory set of blocked IPs and users. Expiry is evaluated
// on read, so an expired entry is never reported as blocked even before it is
// swept.
type BlockList struct {
	shards []*blockShard
	now    core.Clock
}

type blockShard struct {
	mu      sync.RWMutex
	entries map[string]core.BlockedEntity
}

// NewBlockList creates an empty block list
func NewBlockList() *BlockList {
	b := &BlockList{
		shards: make([]*blockShard, defaultBlockShards),
		now:    time.Now,
	}
	for i := range b.shards {
		b.shards[i] = &blockShard{entries: make(map[string]core.BlockedEntity)}
	}
	return b
}

// WithClock replaces the time source
func (b *BlockList) WithClock(now core.Clock) *BlockList {
	b.now = now
	return b
}

func (b *BlockList) shard(key string) *blockShard {
	return b.shards[xxhash.Sum64String(key)%uint64(len(b.shards))]
}

// Block adds or replaces an entry. A permanent entry is never shortened by a
// later temporary block; the stored entry is returned.
func (b *BlockList) Block(entity core.BlockedEntity) core.BlockedEntity {
	key := entity.Key()
	s := b.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok && existing.Permanent() && !entity.Permanent() {
		return existing
	}
	s.entries[key] = entity
	return entity
}

// IsBlocked reports whether the entity has an active block
func (b *BlockList) IsBlocked(t core.EntityType, id string) bool {
	_, ok := b.Get(t, id)
	return ok
}

// Get returns the active block for an entity
func (b *BlockList) Get(t core.EntityType, id string) (core.BlockedEntity, bool) {
	if id == "" {
		return core.BlockedEntity{}, false
	}
	key := core.BlockKey(t, id)
	s := b.shard(key)

	s.mu.RLock()
	entity, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !entity.Active(b.now()) {
		return core.BlockedEntity{}, false
	}
	return entity, true
}

// Load warms the list from persisted entries, skipping expired ones
func (b *BlockList) Load(entities []core.BlockedEntity) int {
	now := b.now()
	loaded := 0
	for _, e := range entities {
		if e.Active(now) {
			b.Block(e)
			loaded++
		}
	}
	b.Sweep()
	return loaded
}

// Sweep drops expired entries and refreshes the blocked entities gauge
func (b *BlockList) Sweep() (active int) {
	now := b.now()
	for _, s := range b.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !e.Active(now) {
				delete(s.entries, k)
				continue
			}
			active++
		}
		s.mu.Unlock()
	}
	metrics.BlockedEntities.Set(float64(active))
	return active
}
