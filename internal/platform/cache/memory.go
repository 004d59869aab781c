package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultJanitorInterval = time.Minute

// memoryEntry is a single cached value with its expiry.
type memoryEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with per-entry TTL.
// It is the default backend for the fetch store; all state is lost on
// process exit, which is fine for a performance cache.
type MemoryCache struct {
	maxSize int
	mu      sync.RWMutex
	entries map[string]*list.Element
	lru     *list.List
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a new in-memory cache holding at most maxSize
// entries. A background janitor removes expired entries periodically.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}

	c := &MemoryCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}

	go c.janitor(defaultJanitorInterval)

	return c
}

// Get retrieves a value from cache. Expired entries are treated as absent
// and removed eagerly.
func (c *MemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	c.mu.RLock()
	elem, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	ent := elem.Value.(*memoryEntry)
	if !time.Now().Before(ent.expiresAt) {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		return nil, ErrNotFound
	}

	c.mu.Lock()
	c.lru.MoveToFront(elem)
	c.mu.Unlock()

	return ent.value, nil
}

// Set stores a value with the given TTL, replacing any existing entry.
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*memoryEntry)
		ent.value = value
		ent.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return nil
	}

	elem := c.lru.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.entries[key] = elem

	if c.lru.Len() > c.maxSize {
		c.evictOldestLocked()
	}

	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	return nil
}

// Close stops the janitor goroutine.
func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		close(c.stopCh)
	})
	return nil
}

// Len returns the current number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) removeLocked(key string) {
	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
}

func (c *MemoryCache) evictOldestLocked() {
	if elem := c.lru.Back(); elem != nil {
		c.removeLocked(elem.Value.(*memoryEntry).key)
	}
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	for key, elem := range c.entries {
		if !now.Before(elem.Value.(*memoryEntry).expiresAt) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.removeLocked(key)
	}
}
