// ABOUTME: Thread-safe TTL cache mapping idempotency keys to event ids
// ABOUTME: Concurrent requests with the same key run the append once

package idempotency

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	eventID   int64
	timestamp time.Time
	element   *list.Element
}

// call is an append in flight for a key.
type call struct {
	done    chan struct{}
	eventID int64
	err     error
}

// Cache is a TTL-based, size-limited map from key to event id. Oldest entries
// are evicted first once the cache is full.
type Cache struct {
	mu       sync.Mutex
	seen     map[string]*cacheEntry
	order    *list.List // keys, oldest at front
	inflight map[string]*call
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// New creates a cache with the given TTL and capacity. A background goroutine
// drops expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:     make(map[string]*cacheEntry),
		order:    list.New(),
		inflight: make(map[string]*call),
		ttl:      ttl,
		maxSize:  maxSize,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key scopes a client-supplied key to one session and user.
func Key(agentID, sessionID, userID, key string) string {
	return agentID + "\x00" + sessionID + "\x00" + userID + "\x00" + key
}

func (c *Cache) lookupLocked(key string) (int64, bool) {
	entry, ok := c.seen[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.eventID, true
}

func (c *Cache) rememberLocked(key string, eventID int64) {
	now := c.now()
	if entry, ok := c.seen[key]; ok {
		entry.eventID = eventID
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{
		eventID:   eventID,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
}

// Do runs fn once per key. When key was already seen, Do returns the recorded
// id with replayed set and fn is not called. Callers that arrive while fn is
// running wait for its result. A failed fn records nothing.
func (c *Cache) Do(key string, fn func() (int64, error)) (eventID int64, replayed bool, err error) {
	c.mu.Lock()
	if id, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return id, true, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-cl.done
		if cl.err != nil {
			return 0, false, cl.err
		}
		return cl.eventID, true, nil
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.eventID, cl.err = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.rememberLocked(key, cl.eventID)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.eventID, false, cl.err
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

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

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
