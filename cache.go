// Optional bounded read cache for the collection coordinator (§4.9).
package smoldb

import "container/list"

// readCache is a bounded most-recently-used map: Get moves an entry to
// the back (most recent); Set evicts the front (insertion/touch
// oldest) when full. A zero-size cache is a no-op, matching
// cacheSize=0 "disabled" (§6.5).
type readCache struct {
	capacity int
	order    *list.List // back = most recently touched
	entries  map[string]*list.Element
}

type cacheEntry struct {
	id  string
	doc map[string]any
}

// newReadCache returns a cache holding at most capacity entries, or a
// disabled cache if capacity <= 0.
func newReadCache(capacity int) *readCache {
	return &readCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *readCache) enabled() bool {
	return c.capacity > 0
}

// Get returns a cached document and touches it to the back of the
// order list.
func (c *readCache) Get(id string) (map[string]any, bool) {
	if !c.enabled() {
		return nil, false
	}
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*cacheEntry).doc, true
}

// Set inserts or replaces id's cached document, evicting the oldest
// entry if the cache is now over capacity.
func (c *readCache) Set(id string, doc map[string]any) {
	if !c.enabled() {
		return
	}
	if el, ok := c.entries[id]; ok {
		el.Value.(*cacheEntry).doc = doc
		c.order.MoveToBack(el)
		return
	}
	el := c.order.PushBack(&cacheEntry{id: id, doc: doc})
	c.entries[id] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

// Delete invalidates id's cached entry, if any.
func (c *readCache) Delete(id string) {
	el, ok := c.entries[id]
	if !ok {
		return
	}
	c.order.Remove(el)
	delete(c.entries, id)
}

// Clear purges every cached entry (clear/reset/close, §4.9).
func (c *readCache) Clear() {
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
