// Package cache provides an in-process LRU with per-entry expiry
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Stats contains cache statistics
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// LRU is a bounded cache whose entries expire after a fixed TTL.
// A capacity of zero or less means unbounded.
type LRU[V any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*list.Element
	order *list.List
	mu    sync.Mutex

	hits      uint64
	misses    uint64
	evictions uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewLRU creates a new LRU cache
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// WithClock replaces the time source used for expiry
func (c *LRU[V]) WithClock(now func() time.Time) *LRU[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get retrieves a live value and marks it most recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if c.expired(e) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	c.order.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return e.value, true
}

// Set adds or replaces a value and restarts its TTL
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = c.expiry()
		c.order.MoveToFront(elem)
		return
	}

	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: c.expiry()})
	c.items[key] = elem
}

// SetIfAbsent adds value unless a live entry holds key, and reports whether
// it was stored. An expired entry is replaced.
func (c *LRU[V]) SetIfAbsent(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		if !c.expired(elem.Value.(*entry[V])) {
			return false
		}
		c.removeElement(elem)
	}

	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: c.expiry()})
	return true
}

// Delete removes a key and reports whether it was present and live
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	live := !c.expired(elem.Value.(*entry[V]))
	c.removeElement(elem)
	return live
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns cache statistics
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses

	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:      size,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadUint64(&c.evictions),
		HitRate:   hitRate,
	}
}

// Cleanup removes expired entries and returns how many were dropped
func (c *LRU[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := c.order.Back(); elem != nil; elem = next {
		next = elem.Prev()
		if c.expired(elem.Value.(*entry[V])) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

func (c *LRU[V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *LRU[V]) expired(e *entry[V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *LRU[V]) removeElement(elem *list.Element) {
	e := elem.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(elem)
}

func (c *LRU[V]) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
		atomic.AddUint64(&c.evictions, 1)
	}
}
