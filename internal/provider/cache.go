package provider

import (
	"sync"

	"github.com/agentic-research/knowledge-services/internal/query"
)

const objectCacheSize = 1024

// objectCache is a FIFO-evicting bounded map of records by id, filled by
// searches and read by result-meta lookups.
type objectCache struct {
	mu      sync.Mutex
	entries map[string]*query.Model
	keys    []string
	maxSize int
}

func newObjectCache(maxSize int) *objectCache {
	return &objectCache{
		entries: make(map[string]*query.Model, maxSize),
		keys:    make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func (c *objectCache) get(id string) (*query.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	return m, ok
}

func (c *objectCache) put(id string, m *query.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.entries[id] = m
		return
	}
	if len(c.entries) >= c.maxSize {
		evict := c.keys[0]
		c.keys = c.keys[1:]
		delete(c.entries, evict)
	}
	c.entries[id] = m
	c.keys = append(c.keys, id)
}

func (c *objectCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
