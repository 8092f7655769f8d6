package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// InMemoryCache is a thread-safe, size-bounded cache with per-entry TTL and
// LRU eviction. Expired entries are purged lazily on lookup and periodically
// by a background sweep.
type InMemoryCache struct {
	mutex    sync.Mutex
	store    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
	logger   *zap.Logger

	hits      uint64
	misses    uint64
	evictions uint64

	sweepEvery time.Duration
	sweepStop  chan struct{}
	sweepOnce  sync.Once
}

type cacheEntry struct {
	key          string
	value        any
	createdAt    time.Time
	ttl          time.Duration
	accessCount  uint64
	lastAccessed time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption func(*InMemoryCache)

// WithSweepInterval overrides the background sweep interval.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(c *InMemoryCache) {
		c.sweepEvery = d
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) InMemoryOption {
	return func(c *InMemoryCache) {
		c.logger = logger
	}
}

// NewInMemoryCache creates a bounded in-memory cache and starts its sweep
// goroutine. Call Stop to release it.
func NewInMemoryCache(capacity int, options ...InMemoryOption) *InMemoryCache {
	c := &InMemoryCache{
		store:      make(map[string]*list.Element),
		order:      list.New(),
		capacity:   capacity,
		logger:     zap.NewNop(),
		sweepEvery: time.Minute,
		sweepStop:  make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	go c.sweepLoop(c.sweepEvery)
	return c
}

// Get retrieves an item. An entry is visible only while now-createdAt <= ttl;
// expired entries are purged on lookup.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, bool) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, found := c.store[key]
	if !found {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(time.Now()) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	entry.accessCount++
	entry.lastAccessed = time.Now()
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set adds or updates an item under the given TTL, evicting the least
// recently used entries once capacity is exceeded.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if elem, found := c.store[key]; found {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.createdAt = now
		entry.ttl = ttl
		entry.lastAccessed = now
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{
		key:          key,
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		lastAccessed: now,
	})
	c.store[key] = elem

	for len(c.store) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Invalidate removes a single key.
func (c *InMemoryCache) Invalidate(_ context.Context, key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if elem, found := c.store[key]; found {
		c.removeLocked(elem)
	}
}

// Clear removes all entries.
func (c *InMemoryCache) Clear(_ context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.store = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns the hit/miss accounting.
func (c *InMemoryCache) Stats() queryhive.CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return queryhive.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.store),
	}
}

// Stop terminates the background sweep goroutine.
func (c *InMemoryCache) Stop() {
	c.sweepOnce.Do(func() {
		close(c.sweepStop)
	})
}

func (c *InMemoryCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.store, entry.key)
}

// sweepLoop removes TTL-expired entries independent of access.
func (c *InMemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*cacheEntry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries", zap.Int("removed", removed))
	}
}
