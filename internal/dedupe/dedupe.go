// ABOUTME: In-memory TTL set used by the Discord adapter to drop re-delivered gateway events
// ABOUTME: first line of defense before the store's unique dedupe key

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers recently seen keys for a TTL, evicting oldest-first once
// full. The durable dedupe lives in the store; this only spares it the write.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
}

type entry struct {
	key    string
	seenAt time.Time
}

// New creates a cache holding up to maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark reports whether key was already seen, marking it seen either way.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.expire(now)

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return true
	}

	for len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(time.Now())
	return len(c.entries)
}

func (c *Cache) expire(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	delete(c.entries, front.Value.(*entry).key)
	c.order.Remove(front)
}
