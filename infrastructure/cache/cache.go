// Package cache provides the TTL + LRU result cache used by the resilience
// stack. Keys are namespaced by an environment prefix so deployments sharing
// a process never see each other's entries. Reads and writes are synchronous.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is a cached value with bookkeeping.
type Entry struct {
	Value      any
	ExpiresAt  time.Time
	InsertedAt time.Time
	Hits       int64
}

// Config sizes the cache.
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
	// Environment prefixes every key, e.g. "testnet" or "production".
	Environment string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		DefaultTTL:  30 * time.Second,
		Environment: "production",
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Cache is an LRU-bounded TTL cache.
type Cache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, *Entry]
	cfg  Config
	hits atomic.Int64
	miss atomic.Int64
}

// New creates a cache. Capacity and TTL fall back to defaults when unset.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultConfig().Environment
	}
	backing, err := lru.New[string, *Entry](cfg.Capacity)
	if err != nil {
		// Only reachable with capacity <= 0, which is guarded above.
		panic(err)
	}
	return &Cache{lru: backing, cfg: cfg}
}

// Key builds a deterministic cache key from all semantically-significant
// parts of a request. Parts are joined in order, so identical inputs always
// produce identical keys and any differing filter produces a different one.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func (c *Cache) namespaced(key string) string {
	return c.cfg.Environment + ":" + key
}

// Get returns the live entry for a key. Expired entries count as misses and
// are removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nk := c.namespaced(key)
	entry, ok := c.lru.Get(nk)
	if !ok {
		c.miss.Add(1)
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		c.lru.Remove(nk)
		c.miss.Add(1)
		return nil, false
	}
	entry.Hits++
	c.hits.Add(1)
	return entry.Value, true
}

// RecordMiss counts a fetch that bypassed the cache (a force-fresh read
// consults nothing but still misses for accounting purposes).
func (c *Cache) RecordMiss() {
	c.miss.Add(1)
}

// Set stores a value with the default TTL. An existing entry is replaced and
// its TTL restarts.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.cfg.DefaultTTL)
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(c.namespaced(key), &Entry{
		Value:      value,
		ExpiresAt:  now.Add(ttl),
		InsertedAt: now,
	})
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(c.namespaced(key))
}

// InvalidatePrefix removes every key beginning with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.namespaced(prefix)
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, full) {
			c.lru.Remove(k)
		}
	}
}

// Purge drops all entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns counter values.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.miss.Load(),
		Size:   size,
	}
}
