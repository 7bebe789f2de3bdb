// Package cache holds resolved credentials keyed by credential class.
//
// Every key carries a generation counter. Invalidate bumps it, and writers
// that captured an older generation before a slow mint lose the race: their
// SetIfGeneration call is dropped. This is what lets an invalidation issued
// mid-mint win over the mint's result.
package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Well-known keys.
const (
	KeyDynamicConnection = "dynamic:connection"
	KeyDynamicLease      = "dynamic:lease"
	KeyStaticConnection  = "static:connection"
	KeyStaticInfo        = "static:info"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = time.Minute

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Item is one key/value pair for SetIfGeneration.
type Item struct {
	Key   string
	Value interface{}
}

// Cache is a TTL cache with per-key generations. Safe for concurrent use.
type Cache struct {
	mu          sync.Mutex
	store       *gocache.Cache
	generations map[string]uint64
	now         func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		store:       gocache.New(gocache.NoExpiration, DefaultCleanupInterval),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	v, _, ok := c.GetWithExpiration(key)
	return v, ok
}

// GetWithExpiration is Get that also returns the entry's expiry.
func (c *Cache) GetWithExpiration(key string) (interface{}, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, found := c.store.Get(key)
	if !found {
		return nil, time.Time{}, false
	}
	e := raw.(entry)
	if !c.now().Before(e.expiresAt) {
		c.store.Delete(key)
		return nil, time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

// ExpiresAt returns the expiry of a live entry.
func (c *Cache) ExpiresAt(key string) (time.Time, bool) {
	_, exp, ok := c.GetWithExpiration(key)
	return exp, ok
}

// Set stores value until expiresAt. An expiry that is not in the future
// removes the key instead.
func (c *Cache) Set(key string, value interface{}, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLocked(key, value, expiresAt)
}

// SetIfGeneration stores all items only if guard's generation still equals
// gen. It reports whether the write happened.
func (c *Cache) SetIfGeneration(guard string, gen uint64, expiresAt time.Time, items ...Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[guard] != gen {
		return false
	}
	for _, it := range items {
		c.setLocked(it.Key, it.Value, expiresAt)
	}
	return true
}

// UpdateExpiration moves the expiry of a live entry. It reports false if
// the key is absent or already expired.
func (c *Cache) UpdateExpiration(key string, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, found := c.store.Get(key)
	if !found {
		return false
	}
	e := raw.(entry)
	if !c.now().Before(e.expiresAt) {
		c.store.Delete(key)
		return false
	}
	c.setLocked(key, e.value, expiresAt)
	return true
}

// Invalidate removes keys and bumps their generations.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		c.store.Delete(key)
		c.generations[key]++
	}
}

// Generation returns the current generation of key.
func (c *Cache) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generations[key]
}

// Len returns the number of stored entries, expired ones included until
// the next sweep.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

func (c *Cache) setLocked(key string, value interface{}, expiresAt time.Time) {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		c.store.Delete(key)
		return
	}
	c.store.Set(key, entry{value: value, expiresAt: expiresAt}, ttl)
}
