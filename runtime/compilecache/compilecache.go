// Package compilecache caches compiled artifacts between invocations so
// repeated runs of the same code skip compilation. Entries are keyed by
// content, not by function id: two functions with identical code and
// policy share one artifact, and a code update naturally misses.
package compilecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Options configures a Cache.
	Options struct {
		// Capacity is the maximum number of cached artifacts. Required.
		Capacity int
		// TTL bounds entry age. Zero means entries never expire.
		TTL time.Duration
	}

	// Cache is a bounded LRU of compiled artifacts with optional TTL.
	// Safe for concurrent use; the size cap holds under concurrent
	// inserts.
	Cache struct {
		entries *lru.Cache[string, entry]
		ttl     time.Duration
		now     func() time.Time

		hits      atomic.Int64
		misses    atomic.Int64
		evictions atomic.Int64
	}

	// Stats is a point-in-time snapshot of cache effectiveness.
	Stats struct {
		Size      int   `json:"size"`
		Hits      int64 `json:"hits"`
		Misses    int64 `json:"misses"`
		Evictions int64 `json:"evictions"`
	}

	entry struct {
		artifact any
		addedAt  time.Time
	}
)

// New constructs a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("compilecache: capacity must be positive, got %d", opts.Capacity)
	}
	entries, err := lru.New[string, entry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("compilecache: %w", err)
	}
	return &Cache{
		entries: entries,
		ttl:     opts.TTL,
		now:     time.Now,
	}, nil
}

// Key derives the cache key for a compilation unit: language, content hash
// of the code, and the sandbox policy fingerprint. Function identity is
// deliberately absent.
func Key(language fn.Language, code string, policy string) string {
	sum := sha256.Sum256([]byte(code))
	return string(language) + ":" + hex.EncodeToString(sum[:]) + ":" + policy
}

// Get returns the cached artifact for key. An entry older than the TTL is
// dropped and reported as a miss so the caller recompiles and re-inserts.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.addedAt) > c.ttl {
		// Expiry is not an LRU eviction: the eviction counter tracks
		// capacity pressure only.
		c.entries.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.artifact, true
}

// Add inserts an artifact. Inserting into a full cache evicts the least
// recently used entry and increments the eviction counter.
func (c *Cache) Add(key string, artifact any) {
	if c.entries.Add(key, entry{artifact: artifact, addedAt: c.now()}) {
		c.evictions.Add(1)
	}
}

// Invalidate clears the whole cache and resets the eviction counter. The
// function id is accepted for interface symmetry with per-function
// invalidation; content-hash keys cannot be mapped back to one function,
// so any invalidation empties everything.
func (c *Cache) Invalidate(functionID string) {
	_ = functionID
	c.entries.Purge()
	c.evictions.Store(0)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.entries.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.entries.Len() }
