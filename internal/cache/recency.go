package cache

import (
	"container/list"
	"sync"
)

// Recency is a fixed-capacity cache ordered by recency of use. When an insert
// pushes the cache past capacity it evicts the oldest ceil(capacity/10)
// entries, never fewer than one. Evicting a batch rather than a single entry
// amortizes reclaim cost and tolerates short bursts without thrashing.
//
// Entries have no TTL: staleness is bounded by the caller's explicit
// invalidation, not by wall-clock time.
type Recency[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewRecency creates a recency cache holding at most capacity entries.
// A non-positive capacity is treated as 1.
func NewRecency[K comparable, V any](capacity int) *Recency[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Recency[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value from the cache. A hit moves the key to the
// most-recently-used position. A miss is a normal outcome, not an error.
func (c *Recency[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, exists := c.items[key]
	if !exists {
		return zero, false
	}

	c.order.MoveToFront(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Put inserts or overwrites a value, evicting the oldest batch when the
// insert pushes the cache past capacity.
func (c *Recency[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		elem.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})

	if c.order.Len() > c.capacity {
		c.evictBatch()
	}
}

// Remove deletes a key from the cache. Idempotent.
func (c *Recency[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

// Touch re-marks a key as most recently used without changing the value.
// No-op if the key is absent.
func (c *Recency[K, V]) Touch(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.order.MoveToFront(elem)
	}
}

// Len returns the current number of entries.
func (c *Recency[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictBatch removes the oldest ceil(capacity/10) entries, at least one,
// preserving the relative order of survivors. Caller must hold mu.
func (c *Recency[K, V]) evictBatch() {
	n := (c.capacity + 9) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
	}
}

func (c *Recency[K, V]) removeElement(elem *list.Element) {
	delete(c.items, elem.Value.(*entry[K, V]).key)
	c.order.Remove(elem)
}

var _ Cache[int64, string] = (*Recency[int64, string])(nil)
