// Package cache provides caching implementations for FraudWatch.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recently used
	windows  map[string]*window
	now      func() time.Time

	hits, misses int64
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

// window is a fixed counting window started by the first increment.
type window struct {
	count int64
	ends  time.Time
}

// NewLRUCache creates a new LRU cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*window),
		now:      time.Now,
	}
}

// Get returns the cached value or nil on miss or expiry.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}

	e := elem.Value.(*lruEntry)
	if !c.now().Before(e.deadline) {
		c.evict(elem)
		c.misses++
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

// Set stores value under key until ttl elapses.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(ttl)
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.deadline = value, deadline
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry{key: key, value: value, deadline: deadline})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.evict(elem)
	}
	return nil
}

// IncrementCounter bumps the counter for key, starting a new window of the
// given length when none is open.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, length time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.ends) {
		if len(c.windows) >= c.capacity {
			c.sweepWindows(now)
		}
		c.windows[key] = &window{count: 1, ends: now.Add(length)}
		return 1, nil
	}

	w.count++
	return w.count, nil
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops all entries and counters.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.windows = make(map[string]*window)
	return nil
}

// Stats returns the number of live entries and the configured capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// HitRatio returns hits / (hits + misses) since creation.
func (c *LRUCache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *LRUCache) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}

// sweepWindows drops closed counter windows. Caller holds mu.
func (c *LRUCache) sweepWindows(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.ends) {
			delete(c.windows, k)
		}
	}
}
