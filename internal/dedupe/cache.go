// ABOUTME: Thread-safe TTL cache that suppresses repeats of a key within a window
// ABOUTME: Backs presence forwarding (one per conversation per window) and webhook replay checks

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	marked  time.Time
	element *list.Element
}

// Cache remembers keys for a fixed window, bounded in size. The oldest key is
// evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	window  time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache that suppresses a key for window after it is marked.
// A background goroutine sweeps expired keys until Close is called.
func New(window time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Window returns the suppression window
func (c *Cache) Window() time.Duration {
	return c.window
}

// Seen reports whether key was marked within the window
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Allow marks key and returns true, unless key was already marked within the
// window, in which case it returns false and leaves the original mark.
func (c *Cache) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return false
	}
	c.markLocked(key)
	return true
}

// Forget drops key so the next Allow succeeds. Used when the action the key
// guarded did not go through.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string) bool {
	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.marked) < c.window
}

func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, ok := c.seen[key]; ok {
		entry.marked = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &cacheEntry{marked: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweep() {
	interval := c.window
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire removes keys older than the window. Keys are ordered by mark time,
// so the walk stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.seen[key].marked) < c.window {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
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
