// Package cache stores solved challenge credentials keyed by request URL.
package cache

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/proxypool"
)

// DefaultTTL is the cache lifetime used when no TTL source is configured.
const DefaultTTL = 30 * time.Minute

// Entry is a solved identity for one URL.
type Entry struct {
	Cookies   []*http.Cookie
	CreatedAt time.Time
	UserAgent string
	// Proxy is the egress the clearance was solved through, nil for direct.
	Proxy *proxypool.Config
}

func (e Entry) clone() Entry {
	out := e
	if e.Proxy != nil {
		px := *e.Proxy
		out.Proxy = &px
	}
	out.Cookies = make([]*http.Cookie, len(e.Cookies))
	for i, c := range e.Cookies {
		cp := *c
		out.Cookies[i] = &cp
	}
	return out
}

// Cache is a thread-safe URL-keyed store. Expired entries are evicted lazily on Get.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     func() time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the function consulted for the entry lifetime on every lookup.
func WithTTL(ttl func() time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     func() time.Duration { return DefaultTTL },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the canonical cache key for u: scheme, lowercased host, path and query.
func Key(u *url.URL) string {
	k := *u
	k.Host = strings.ToLower(k.Host)
	k.Fragment = ""
	k.RawFragment = ""
	k.User = nil
	return k.String()
}

// Get returns the entry for key if it is younger than the TTL. Stale entries are removed.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.CreatedAt) >= c.ttl() {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e.clone(), true
}

// Put stores e under key, overwriting any existing entry.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e.clone()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len returns the number of stored entries, including ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}
