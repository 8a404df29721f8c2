package storage

import (
	"strings"
	"sync"

	"decision-cache/internal/cache"
	"decision-cache/internal/proposition"
)

type propositions = map[string]*proposition.Proposition

// Cache holds the latest proposition per scope. Readers load an immutable
// map; each write batch swaps in a new one.
type Cache struct {
	mu   sync.Mutex
	snap cache.Snapshot[propositions]
}

func NewCache() *Cache {
	c := &Cache{}
	c.snap.Store(propositions{})
	return c
}

// Upsert overwrites the entry for each proposition's scope.
func (c *Cache) Upsert(props []*proposition.Proposition) {
	if len(props) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := make(propositions, len(cur)+len(props))
	for k, v := range cur {
		next[k] = v
	}
	for _, p := range props {
		if p == nil || p.Scope == "" {
			continue
		}
		next[p.Scope] = p
	}
	c.snap.Store(next)
}

// GetByScopes returns the cached entries for names; missing names are omitted.
func (c *Cache) GetByScopes(names []string) map[string]*proposition.Proposition {
	cur := c.snap.Load()
	out := make(map[string]*proposition.Proposition, len(names))
	for _, n := range names {
		if p, ok := cur[n]; ok {
			out[n] = p
		}
	}
	return out
}

// GetBySurfacePaths looks paths up under prefix and keys the result by the
// path as given.
func (c *Cache) GetBySurfacePaths(prefix string, paths []string) map[string]*proposition.Proposition {
	cur := c.snap.Load()
	out := make(map[string]*proposition.Proposition, len(paths))
	for _, path := range paths {
		if p, ok := cur[SurfaceURI(prefix, path)]; ok {
			out[path] = p
		}
	}
	return out
}

// Clear drops every entry and releases the evicted propositions.
func (c *Cache) Clear() int {
	c.mu.Lock()
	cur := c.snap.Load()
	c.snap.Store(propositions{})
	c.mu.Unlock()

	for _, p := range cur {
		p.Release()
	}
	return len(cur)
}

func (c *Cache) Len() int { return len(c.snap.Load()) }

// SurfaceURI qualifies path with prefix unless it is already qualified.
func SurfaceURI(prefix, path string) string {
	if prefix == "" || strings.HasPrefix(path, prefix) {
		return path
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(path, "/")
}
