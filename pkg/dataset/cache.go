package dataset

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Cache is the open-dataset handle cache, keyed by URI. It is the only
// long-lived shared state the engine keeps besides per-column index
// builder slots, and it has an explicit teardown.
type Cache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, *Dataset]
	opts Options
}

// NewCache builds a handle cache holding up to size open datasets.
// Evicted handles are closed.
func NewCache(size int, opts Options) (*Cache, error) {
	c := &Cache{opts: opts}
	inner, err := lru.NewWithEvict[string, *Dataset](size, func(_ string, ds *Dataset) {
		_ = ds.Close()
	})
	if err != nil {
		return nil, cferrs.Wrap(cferrs.CodeValidation, false, err)
	}
	c.lru = inner
	return c, nil
}

// Open returns a cached handle for uri, opening one on miss.
func (c *Cache) Open(ctx context.Context, uri string) (*Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.lru.Get(uri); ok {
		return ds, nil
	}
	ds, err := Open(ctx, uri, c.opts)
	if err != nil {
		return nil, err
	}
	c.lru.Add(uri, ds)
	return ds, nil
}

// Evict drops one handle.
func (c *Cache) Evict(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(uri)
}

// Close tears the cache down, closing every cached handle.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
