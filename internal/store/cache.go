package store

import (
	"container/list"
	"sync"

	"github.com/nidhogg/somnia/internal/pattern"
)

// patternCache is a byte-budgeted LRU over resident pattern objects. It is
// purely a read accelerator: the relational store is the source of truth and
// a miss is always resolvable by reloading.
type patternCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List // front = most recently used
	items  map[string]*list.Element
}

type cacheEntry struct {
	id   string
	p    *pattern.Pattern
	size int64
}

func newPatternCache(budget int64) *patternCache {
	return &patternCache{
		budget: budget,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

func (c *patternCache) Get(id string) (*pattern.Pattern, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).p.Clone(), true
}

func (c *patternCache) Put(p *pattern.Pattern) {
	size := approxSize(p)
	if size > c.budget {
		return
	}
	cp := p.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[p.ID]; ok {
		entry := el.Value.(*cacheEntry)
		c.used += size - entry.size
		entry.p = cp
		entry.size = size
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&cacheEntry{id: p.ID, p: cp, size: size})
		c.items[p.ID] = el
		c.used += size
	}
	c.evict()
}

func (c *patternCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
	}
}

// evict drops least-recently-used entries until the budget is met.
func (c *patternCache) evict() {
	for c.used > c.budget {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *patternCache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, entry.id)
	c.used -= entry.size
}

func (c *patternCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// approxSize estimates the resident footprint of a pattern.
func approxSize(p *pattern.Pattern) int64 {
	size := int64(256) // struct overhead
	size += int64(len(p.ID) + len(p.Description) + len(p.AgentType) + len(p.Framework) + len(p.Signature))
	for _, s := range p.Conditions {
		size += int64(len(s))
	}
	for _, s := range p.Actions {
		size += int64(len(s))
	}
	for _, s := range p.TaskTypes {
		size += int64(len(s))
	}
	for _, s := range p.SourceExperiences {
		size += int64(len(s))
	}
	for k, v := range p.Metadata {
		size += int64(len(k) + len(v))
	}
	size += int64(len(p.Embedding) * 4)
	return size
}
