// ABOUTME: TTL cache of operation ids already delivered to the gateway.
// ABOUTME: Lets the offline queue refuse to re-enqueue work that was synced moments ago.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when New is given non-positive values.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	deliveredAt time.Time
	element     *list.Element
}

// Cache remembers delivered ids for a TTL, bounded by size. The oldest id is
// evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // ids, oldest delivery at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Delivered reports whether id was marked within the TTL.
func (c *Cache) Delivered(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	return ok && c.now().Sub(e.deliveredAt) < c.ttl
}

// MarkDelivered records id as delivered now.
func (c *Cache) MarkDelivered(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

// Claim marks id and reports whether it was already delivered, in one step.
func (c *Cache) Claim(id string) (alreadyDelivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && c.now().Sub(e.deliveredAt) < c.ttl {
		return true
	}
	c.markLocked(id)
	return false
}

func (c *Cache) markLocked(id string) {
	now := c.now()
	if e, ok := c.entries[id]; ok {
		e.deliveredAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[id] = &entry{deliveredAt: now, element: c.order.PushBack(id)}
}

// Forget drops id so it may be delivered again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.order.Remove(e.element)
		delete(c.entries, id)
	}
}

// Len returns the number of ids held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, id)
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest delivery and stops at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(c.entries[id].deliveredAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, id)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
