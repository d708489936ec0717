// Package cache keeps last-known-good projections of ledger and store reads.
// Entries are disposable: any of them may be dropped at any time and re-fetched.
// Authorization decisions never read from here.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Key prefixes used by the query layer.
const (
	PrefixProfile  = "profile:"  // profile:<owner address>
	PrefixRecord   = "record:"   // record:<dataset id>
	PrefixOwned    = "owned:"    // owned:<owner address>
	PrefixForSale  = "forsale:"  // forsale:<dataset id>
	PrefixMetadata = "metadata:" // metadata:<blob id>
	KeyListings    = "listings"  // every open listing
)

// Cache is a TTL cache with prefix invalidation. A zero TTL disables caching.
type Cache struct {
	c       *gocache.Cache
	enabled bool
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{c: gocache.New(time.Minute, time.Minute)}
	}
	return &Cache{c: gocache.New(ttl, 2*ttl), enabled: true}
}

// Get returns a cached value.
func (c *Cache) Get(key string) (interface{}, bool) {
	if !c.enabled {
		return nil, false
	}
	return c.c.Get(key)
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, v interface{}) {
	if c.enabled {
		c.c.SetDefault(key, v)
	}
}

// Invalidate drops the given keys.
func (c *Cache) Invalidate(keys ...string) {
	for _, k := range keys {
		c.c.Delete(k)
	}
}

// Lookup returns the cached value for key as T.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
