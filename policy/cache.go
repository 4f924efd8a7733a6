package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Cache keeps a read-mostly snapshot of all policies in front of a Store so
// the check hot path never takes the store's locks. Snapshots are swapped
// atomically (copy-on-write). Staleness is tracked with a generation
// counter rather than a flag: Invalidate bumps the generation, and a reload
// only counts for the generation it observed before listing, so an
// invalidation that lands while the reload is in flight is never lost. Wire
// Invalidate to policy-change events to get explicit invalidation on
// version changes.
type Cache struct {
	store  Store
	snap   atomic.Value // []*RateLimitPolicy
	gen    atomic.Int64 // bumped by Invalidate
	loaded atomic.Int64 // generation the current snapshot reflects
	mu     sync.Mutex   // serializes reloads
}

// NewCache creates a cache over the given store. The first read populates it.
func NewCache(store Store) *Cache {
	c := &Cache{store: store}
	c.snap.Store([]*RateLimitPolicy(nil))
	c.gen.Store(1) // one ahead of loaded, so the first read reloads
	return c
}

// Candidates returns the active policies matching the scope from the current
// snapshot, reloading it first if it has been invalidated.
func (c *Cache) Candidates(ctx context.Context, scope Scope) ([]*RateLimitPolicy, error) {
	if c.loaded.Load() != c.gen.Load() {
		if err := c.reload(ctx); err != nil {
			return nil, err
		}
	}
	all := c.snap.Load().([]*RateLimitPolicy)
	var out []*RateLimitPolicy
	for _, p := range all {
		if p.Active && p.Matches(scope) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Invalidate marks the snapshot stale. Cheap enough to call on every policy
// change event.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
	log.Debug().Msg("policy cache invalidated")
}

func (c *Cache) reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		gen := c.gen.Load()
		if c.loaded.Load() == gen {
			return nil // another caller reloaded while we waited
		}
		all, err := c.store.List(ctx, ListFilter{})
		if err != nil {
			return err
		}
		c.snap.Store(all)
		// The snapshot reflects the generation observed before List; an
		// Invalidate that raced the listing bumped gen past it, and the
		// next iteration lists again.
		c.loaded.Store(gen)
		log.Debug().Int("policies", len(all)).Msg("policy cache reloaded")
	}
}
