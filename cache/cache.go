// Package cache keeps the read cache coherent with committed writes. It holds
// the static table-to-key-pattern dependency map and the invalidation manager
// that purges dependent entries once a transaction commits.
package cache

import (
	"path"
	"sync"
	"time"

	"github.com/pingcap/errors"
)

// ErrUnavailable is returned by cache implementations when the cache store
// cannot be reached. Invalidation treats it as a logged no-op, never as a
// transaction failure.
var ErrUnavailable = errors.New("cache unavailable")

// Cache abstracts the shared cache store. Deletes are commutative, and
// deleting an absent key is a no-op, so callers need no synchronization
// between invalidations.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	// Set stores a value. A ttl of zero means "as long as allowed"; every
	// implementation must still bound the entry's lifetime so that a missed
	// invalidation cannot make staleness unbounded.
	Set(key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it was present.
	Delete(key string) (bool, error)
	// Keys returns the live keys matching a glob pattern (path.Match syntax).
	Keys(pattern string) ([]string, error)
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemCache is a Cache backed by a map with per-entry expiry. maxTTL is the
// ceiling applied to every entry regardless of the ttl requested.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	maxTTL  time.Duration

	// Unavailable makes every call fail with ErrUnavailable. Used by tests to
	// simulate an unreachable cache store.
	Unavailable bool
}

func NewMemCache(maxTTL time.Duration) *MemCache {
	if maxTTL <= 0 {
		maxTTL = 10 * time.Minute
	}
	return &MemCache{entries: make(map[string]memEntry), maxTTL: maxTTL}
}

func (c *MemCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable {
		return nil, false, errors.WithStack(ErrUnavailable)
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemCache) Delete(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable {
		return false, errors.WithStack(ErrUnavailable)
	}
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *MemCache) Keys(pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable {
		return nil, errors.WithStack(ErrUnavailable)
	}
	now := time.Now()
	var keys []string
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, errors.Annotatef(err, "bad pattern %q", pattern)
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of live entries. Test helper.
func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range c.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
