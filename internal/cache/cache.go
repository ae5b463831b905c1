// internal/cache/cache.go
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/browsermux/browsermux/api/schemas"
)

// entry is one cached extract result.
type entry struct {
	resp      schemas.ExtractResponse
	sessionID string
	storedAt  time.Time
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
	Evictions     int64
}

// ResultCache is a read-through cache for extract results. Entries are
// scoped to a session and dropped wholesale when that session's page
// state changes. A singleflight group collapses concurrent computes of
// the same fingerprint into one browser round trip.
type ResultCache struct {
	ttl   time.Duration
	store *lru.Cache[string, *entry]
	group singleflight.Group

	// mu guards the per-session key index. Never held across store
	// operations: the LRU eviction callback re-enters it.
	mu       sync.Mutex
	sessions map[string]map[string]struct{}

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a ResultCache bounded to capacity entries with the given TTL.
func New(capacity int, ttl time.Duration) (*ResultCache, error) {
	c := &ResultCache{
		ttl:      ttl,
		sessions: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	store, err := lru.NewWithEvict[string, *entry](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

// onEvict keeps the session index consistent with the LRU.
func (c *ResultCache) onEvict(key string, e *entry) {
	c.evictions.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.sessions[e.sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.sessions, e.sessionID)
		}
	}
}

// GetOrCompute returns the cached result for key, or runs compute to fill
// it. The second return reports whether the result came from cache.
// Concurrent callers for the same key share a single compute.
func (c *ResultCache) GetOrCompute(key, sessionID string, compute func() (*schemas.ExtractResponse, error)) (*schemas.ExtractResponse, bool, error) {
	if resp, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return resp, true, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have filled the entry while this one
		// waited on the flight group.
		if resp, ok := c.lookup(key); ok {
			return resp, nil
		}
		resp, err := compute()
		if err != nil {
			return nil, err
		}
		c.put(key, sessionID, resp)
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	resp := v.(*schemas.ExtractResponse)
	if shared {
		// Followers of a shared flight got the same computed value; hand
		// each its own copy so envelope fields stay per-request.
		cp := *resp
		return &cp, false, nil
	}
	return resp, false, nil
}

// lookup returns a copy of a live entry, expiring stale ones in place.
func (c *ResultCache) lookup(key string) (*schemas.ExtractResponse, bool) {
	e, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		c.store.Remove(key)
		return nil, false
	}
	// Copy so callers can stamp their own envelope fields.
	cp := e.resp
	return &cp, true
}

// put stores a computed result and indexes it under its session.
func (c *ResultCache) put(key, sessionID string, resp *schemas.ExtractResponse) {
	c.mu.Lock()
	keys, ok := c.sessions[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		c.sessions[sessionID] = keys
	}
	keys[key] = struct{}{}
	c.mu.Unlock()

	c.store.Add(key, &entry{resp: *resp, sessionID: sessionID, storedAt: c.now()})
}

// InvalidateSession drops every entry scoped to sessionID and returns how
// many were removed.
func (c *ResultCache) InvalidateSession(sessionID string) int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.sessions[sessionID]))
	for k := range c.sessions[sessionID] {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.store.Remove(k)
	}
	if n := len(keys); n > 0 {
		c.invalidations.Add(int64(n))
	}
	return len(keys)
}

// Len returns the current number of live entries.
func (c *ResultCache) Len() int {
	return c.store.Len()
}

// Stats returns a snapshot of the cumulative counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Evictions:     c.evictions.Load(),
	}
}
