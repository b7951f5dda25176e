package rbac

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry struct {
	perms []Permission
	keys  map[string]struct{}
}

func newCacheEntry(perms []Permission) *cacheEntry {
	keys := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		keys[p.Key] = struct{}{}
	}
	return &cacheEntry{perms: perms, keys: keys}
}

// permissionCache holds flattened grants per principal with a TTL. Every
// principal also carries a generation; a fetch may only store its result if
// the generation it started under is still current.
//
// Generations live in their own bounded LRU. Losing one only discards the
// result of a fetch in flight, since sequence numbers are never reused.
type permissionCache struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *cacheEntry]
	gens    *simplelru.LRU[string, uint64]
	seq     uint64
}

func newPermissionCache(size int, ttl time.Duration) *permissionCache {
	gens, err := simplelru.NewLRU[string, uint64](2*size, nil)
	if err != nil {
		// size is validated by NewResolver.
		panic(err)
	}
	return &permissionCache{
		entries: lru.NewLRU[string, *cacheEntry](size, nil, ttl),
		gens:    gens,
	}
}

func (c *permissionCache) get(principalID string) (*cacheEntry, bool) {
	return c.entries.Get(principalID)
}

// generation returns the current generation, allocating one on first use.
func (c *permissionCache) generation(principalID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.gens.Get(principalID)
	if !ok {
		c.seq++
		gen = c.seq
		c.gens.Add(principalID, gen)
	}
	return gen
}

// storeIf saves e only when gen is still current for principalID.
func (c *permissionCache) storeIf(principalID string, gen uint64, e *cacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.gens.Peek(principalID); !ok || current != gen {
		return false
	}
	c.entries.Add(principalID, e)
	return true
}

func (c *permissionCache) invalidate(principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(principalID)
	// Without a generation no fetch can store, so there is nothing to bump.
	if c.gens.Contains(principalID) {
		c.seq++
		c.gens.Add(principalID, c.seq)
	}
}

func (c *permissionCache) forget(principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(principalID)
	c.gens.Remove(principalID)
}

// tracked reports how many principals currently hold a generation.
func (c *permissionCache) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens.Len()
}
