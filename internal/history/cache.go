package history

import (
	"container/list"
	"sync"
)

// Cache is a bounded LRU index over recently active conversations. The
// durable store is the system of record, so eviction simply drops the entry;
// every mutation that touches the cache is also written through.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[Key]*list.Element
}

type cacheEntry struct {
	key    Key
	record Record
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// Get returns a copy of the cached record and refreshes its recency.
func (c *Cache) Get(key Key) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Record{}, false
	}
	c.ll.MoveToFront(elem)
	return cloneRecord(elem.Value.(*cacheEntry).record), true
}

// Put stores a copy of the record, refreshing recency and evicting the least
// recently used entry when over capacity.
func (c *Cache) Put(key Key, record Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).record = cloneRecord(record)
		c.ll.MoveToFront(elem)
		return
	}
	elem := c.ll.PushFront(&cacheEntry{key: key, record: cloneRecord(record)})
	c.items[key] = elem
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Delete drops the entry if present.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// Len reports the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
