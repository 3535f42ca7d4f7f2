package progress

import (
	"context"
	"sync"
	"time"
)

// Bus is a publish/subscribe transport. Subscribe must not invoke handler
// before it returns, and handlers must not block.
type Bus interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string, handler func([]byte)) (unsubscribe func(), err error)
}

// Cache is an ephemeral key-value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryBus is a single-process Bus. Handlers run on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func([]byte)
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]map[int]func([]byte))}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, topic string, msg []byte) error {
	b.mu.RLock()
	hs := make([]func([]byte), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func([]byte))
	}
	b.handlers[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[topic], id)
			if len(b.handlers[topic]) == 0 {
				delete(b.handlers, topic)
			}
		})
	}, nil
}

// Topics returns the number of topics with at least one subscriber.
func (b *MemoryBus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a single-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get implements Cache. Expired entries are removed lazily.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// SetWithTTL implements Cache.
func (c *MemoryCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	c.entries[key] = cacheEntry{value: buf, expiresAt: c.now().Add(ttl)}
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (c *MemoryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// SetClock replaces the time source. Used by tests.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
