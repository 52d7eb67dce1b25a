// ABOUTME: TTL cache suppressing duplicate notification deliveries
// ABOUTME: Size-limited with O(1) eviction of the oldest entry

package push

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// dedupeCache tracks recently delivered notification keys so a flapping run
// cannot spam the webhook. Entries expire after the TTL; at capacity the
// oldest entry is evicted.
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	c := &dedupeCache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// checkAndMark atomically reports whether the key was delivered recently
// and marks it otherwise.
func (c *dedupeCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	if ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.seen, oldest.Value.(string))
		}
	}
	c.seen[key] = &cacheEntry{
		timestamp: time.Now(),
		element:   c.order.PushBack(key),
	}
	return false
}

func (c *dedupeCache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for e := c.order.Front(); e != nil; {
				key := e.Value.(string)
				next := e.Next()
				if time.Since(c.seen[key].timestamp) >= c.ttl {
					c.order.Remove(e)
					delete(c.seen, key)
				}
				e = next
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *dedupeCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
