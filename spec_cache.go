package flowkeep

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/i2y/flowkeep/internal/serializer"
	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// cachedSpec holds a spec and its resolved subprocess specs as documents.
// Task specs carry signals, so every caller decodes its own copy.
type cachedSpec struct {
	spec []byte
	deps map[string][]byte
}

func (c *cachedSpec) decode() (*process.Spec, map[string]*process.Spec, error) {
	spec, err := process.DecodeSpec(c.spec)
	if err != nil {
		return nil, nil, err
	}
	deps := make(map[string]*process.Spec, len(c.deps))
	for name, doc := range c.deps {
		d, err := process.DecodeSpec(doc)
		if err != nil {
			return nil, nil, err
		}
		deps[name] = d
	}
	return spec, deps, nil
}

// specCache keeps recently used spec documents in FIFO order. Concurrent
// misses for the same id share one load.
type specCache struct {
	store *serializer.Serializer
	tm    storage.TransactionManager
	size  int
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*cachedSpec
	order   []string
}

func newSpecCache(store *serializer.Serializer, size int) *specCache {
	return &specCache{
		store:   store,
		tm:      store.Storage(),
		size:    size,
		entries: make(map[string]*cachedSpec),
	}
}

// get returns a fresh copy of the spec and every subprocess spec reachable
// from it, keyed by name.
func (c *specCache) get(ctx context.Context, id string) (*process.Spec, map[string]*process.Spec, error) {
	entry, err := c.entry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return entry.decode()
}

func (c *specCache) entry(ctx context.Context, id string) (*cachedSpec, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(id, func() (any, error) {
		e, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		// Rows read inside a caller's transaction may still roll back.
		if !c.tm.InTransaction(ctx) {
			c.put(id, e)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedSpec), nil
}

func (c *specCache) load(ctx context.Context, id string) (*cachedSpec, error) {
	spec, _, err := c.store.GetSpec(ctx, id, false)
	if err != nil {
		return nil, err
	}
	resolved, err := c.store.ResolveSubprocessSpecs(ctx, id)
	if err != nil {
		return nil, err
	}

	e := &cachedSpec{deps: make(map[string][]byte, len(resolved))}
	if e.spec, err = process.SerializeSpec(spec); err != nil {
		return nil, fmt.Errorf("failed to encode spec %s: %w", id, err)
	}
	for name, r := range resolved {
		doc, err := process.SerializeSpec(r.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode subprocess spec %s: %w", name, err)
		}
		e.deps[name] = doc
	}
	return e, nil
}

func (c *specCache) put(id string, e *cachedSpec) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return
	}
	for len(c.order) >= c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[id] = e
	c.order = append(c.order, id)
}

// invalidate drops every cached entry. Dependency edges of one spec change
// the resolved set of every spec above it.
func (c *specCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.order = nil
}

func (c *specCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
