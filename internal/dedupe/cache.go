// ABOUTME: Thread-safe TTL cache for deduplicating webhook deliveries.
// ABOUTME: Size-bounded with O(1) oldest-first eviction via a linked list.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// deliveryEntry stores the timestamp and list element for a cached key.
type deliveryEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers delivery keys for a TTL window, bounded in size.
// Insertion order is kept in a doubly-linked list so eviction of the
// oldest entry is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*deliveryEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a delivery cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*deliveryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// DeliveryKey derives the cache key for one webhook delivery. Providers
// do not always send a delivery id, so the key hashes the full identity
// of the message instead.
func DeliveryKey(tenantID, channel, userID, messageText string) string {
	h := sha256.Sum256([]byte(tenantID + "\x00" + channel + "\x00" + userID + "\x00" + messageText))
	return hex.EncodeToString(h[:])
}

// Seen atomically checks whether the key was processed within the TTL
// window and marks it if not. Returns true for a duplicate delivery.
// The single critical section avoids a TOCTOU race between two copies of
// the same delivery arriving concurrently.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}

	if entry, ok := c.seen[key]; ok {
		// Expired entry for this key: refresh in place.
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &deliveryEntry{seenAt: now, element: elem}
	return false
}

// Forget removes a key so a retried delivery is processed again. Called
// when a marked delivery could not actually be handled; without it the
// provider's retry would be swallowed as a duplicate.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup periodically removes expired entries until Close.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.seenAt) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call repeatedly.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
