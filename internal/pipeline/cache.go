package pipeline

import (
	"container/list"
	"sync"

	"lectern/internal/results"
)

// resultCache keeps recently sealed results. Entries whose persistence
// failed are never evicted, so a store outage cannot lose a result.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	result    results.Result
	persisted bool
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &resultCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *resultCache) put(res results.Result, persisted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[res.DocumentID]; ok {
		el.Value = &cacheEntry{result: res.Clone(), persisted: persisted}
		c.order.MoveToFront(el)
		return
	}
	c.items[res.DocumentID] = c.order.PushFront(&cacheEntry{result: res.Clone(), persisted: persisted})
	c.evictLocked()
}

func (c *resultCache) get(documentID string) (results.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[documentID]
	if !ok {
		return results.Result{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).result.Clone(), true
}

func (c *resultCache) markPersisted(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[documentID]; ok {
		el.Value.(*cacheEntry).persisted = true
		c.evictLocked()
	}
}

func (c *resultCache) remove(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[documentID]; ok {
		c.order.Remove(el)
		delete(c.items, documentID)
	}
}

// unpersisted returns the results still waiting for the store.
func (c *resultCache) unpersisted() []results.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []results.Result
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if entry := el.Value.(*cacheEntry); !entry.persisted {
			out = append(out, entry.result.Clone())
		}
	}
	return out
}

func (c *resultCache) evictLocked() {
	for el := c.order.Back(); el != nil && c.order.Len() > c.capacity; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if entry.persisted {
			c.order.Remove(el)
			delete(c.items, entry.result.DocumentID)
		}
		el = prev
	}
}
