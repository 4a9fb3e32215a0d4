package mnemo

import (
	"container/list"
	"sync"
)

// embedKey identifies a cached embedding: the content hash of the redacted
// text plus the model that produced the vector.
type embedKey struct {
	hash  uint64
	model string
}

// embedCache is a bounded LRU of embedding vectors, shared process-wide by
// the gateway. Last write wins on key collision. Safe for concurrent use.
type embedCache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[embedKey]*list.Element
}

type embedEntry struct {
	key embedKey
	vec []float32
}

func newEmbedCache(capacity int) *embedCache {
	return &embedCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[embedKey]*list.Element, capacity),
	}
}

func (c *embedCache) get(k embedKey) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*embedEntry).vec, true
}

func (c *embedCache) put(k embedKey, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		el.Value.(*embedEntry).vec = vec
		c.ll.MoveToFront(el)
		return
	}
	c.items[k] = c.ll.PushFront(&embedEntry{key: k, vec: vec})
	for c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*embedEntry).key)
	}
}

func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
