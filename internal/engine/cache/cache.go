package cache

import (
	"sync"
	"time"

	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/metrics"
)

// Cache memoizes entity lookups by id. Implementations must make Invalidate
// synchronous: by the time it returns, a subsequent Get must miss. The
// interface is deliberately small so a future LRU or remote swap needs no
// call-site changes.
type Cache interface {
	Get(id string) (*domain.Entity, bool)
	Set(id string, value *domain.Entity)
	Invalidate(id string)
	InvalidateAll()
}

// Memory is a bounded in-process Cache. At the entity counts this engine
// serves (hundreds, not millions) explicit invalidation is the only eviction
// needed; when full, the oldest entry is dropped to admit the new one.
type Memory struct {
	mu      sync.RWMutex
	max     int
	entries map[string]*entry
}

type entry struct {
	value    *domain.Entity
	cachedAt time.Time
}

// NewMemory creates a bounded memory cache. maxEntries <= 0 selects a default.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		max:     maxEntries,
		entries: make(map[string]*entry),
	}
}

func (c *Memory) Get(id string) (*domain.Entity, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return e.value.Clone(), true
}

func (c *Memory) Set(id string, value *domain.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[id] = &entry{value: value.Clone(), cachedAt: time.Now()}
}

func (c *Memory) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Memory) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Memory) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.cachedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = e.cachedAt
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
