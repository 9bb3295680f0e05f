// Package cache provides the TTL response caches shared across engine calls.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/crmsync/internal/metrics"
)

// entry pairs a cached value with the time it was stored.
type entry[V any] struct {
	data      V
	timestamp time.Time
}

// Config controls a Cache.
type Config struct {
	// Name labels hit/miss metrics ("store", "model", "resolution").
	Name string

	// TTL is how long an entry may be served after it was stored.
	TTL time.Duration

	// MaxEntries bounds the cache; when exceeded the oldest 20% are evicted.
	// Default: 1000
	MaxEntries int
}

// Cache is a goroutine-safe TTL cache. Expired entries are never returned.
type Cache[V any] struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]entry[V]
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records hit/miss counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a cache.
func New[V any](cfg Config, opts ...Option) *Cache[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		cfg:     cfg,
		entries: make(map[string]entry[V]),
		now:     o.now,
		metrics: o.metrics,
	}
}

// Get returns the value stored under key if it is younger than the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.expired(e) {
		delete(c.entries, key)
		ok = false
	}
	c.metrics.CacheLookup(c.cfg.Name, ok)
	if !ok {
		var zero V
		return zero, false
	}
	return e.data, true
}

// Set stores value under key, evicting the oldest fifth of entries when the
// cache grows past MaxEntries.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{data: value, timestamp: c.now()}
	if len(c.entries) > c.cfg.MaxEntries {
		c.evictOldest()
	}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix and reports how many
// were removed.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Range calls fn for each live entry in insertion-time order until fn
// returns false. fn must not call back into the cache.
func (c *Cache[V]) Range(fn func(key string, value V) bool) {
	c.mu.Lock()
	keys := c.sortedKeysLocked()
	live := make([]entry[V], 0, len(keys))
	liveKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		e := c.entries[k]
		if c.expired(e) {
			continue
		}
		live = append(live, e)
		liveKeys = append(liveKeys, k)
	}
	c.mu.Unlock()

	for i, k := range liveKeys {
		if !fn(k, live[i].data) {
			return
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops everything.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

func (c *Cache[V]) expired(e entry[V]) bool {
	return c.cfg.TTL > 0 && c.now().Sub(e.timestamp) >= c.cfg.TTL
}

func (c *Cache[V]) evictOldest() {
	keys := c.sortedKeysLocked()
	n := len(keys) / 5
	if n == 0 {
		n = 1
	}
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
}

// sortedKeysLocked returns keys ordered by timestamp, oldest first.
func (c *Cache[V]) sortedKeysLocked() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ti, tj := c.entries[keys[i]].timestamp, c.entries[keys[j]].timestamp
		if ti.Equal(tj) {
			return keys[i] < keys[j]
		}
		return ti.Before(tj)
	})
	return keys
}

// HashKey derives a deterministic key from the given parts.
func HashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
