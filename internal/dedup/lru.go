package dedup

import (
	"container/list"
	"sync"
)

// LRU remembers the most recently seen reference ids of one dedup scope.
// Once full, a new id pushes out the id touched longest ago. It is only an
// accelerator; the durable reference store stays authoritative.
type LRU struct {
	mu        sync.Mutex
	limit     int
	order     *list.List // front is most recent; values are string ids
	index     map[string]*list.Element
	evictions int64
}

// NewLRU returns a cache holding at most limit ids. A limit below one
// is raised to one.
func NewLRU(limit int) *LRU {
	if limit < 1 {
		limit = 1
	}
	return &LRU{limit: limit, order: list.New(), index: make(map[string]*list.Element, limit)}
}

// Contains reports whether id is cached, marking it recently used if so.
func (c *LRU) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

// Add records id as the most recently used.
func (c *LRU) Add(id string) {
	c.mu.Lock()
	c.touch(id)
	c.mu.Unlock()
}

// WarmFromKeys seeds the cache after a restart. Ids already present keep
// their position.
func (c *LRU) WarmFromKeys(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.index[id]; !ok {
			c.touch(id)
		}
	}
}

func (c *LRU) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Evictions counts ids dropped for capacity since construction.
func (c *LRU) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// touch requires c.mu.
func (c *LRU) touch(id string) {
	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.index[id] = c.order.PushFront(id)

	for len(c.index) > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
		c.evictions++
	}
}
