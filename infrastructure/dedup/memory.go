package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process twin of ValkeyCache, used when no valkey
// instance is configured. Retention is enforced lazily on access plus a
// periodic prune so an idle gateway does not hold keys forever.
type MemoryCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MemoryCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go c.pruneLoop()
	return c
}

func (c *MemoryCache) Seen(_ context.Context, key string) (bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	return ok && now.Sub(at) < c.ttl, nil
}

func (c *MemoryCache) Mark(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = c.now()
	return nil
}

func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) pruneLoop() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) prune() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, key)
		}
	}
}
