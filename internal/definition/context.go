package definition

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/amandb/internal/storage"
)

// DefaultLoadCacheSize is the number of referenced items kept per pulse.
const DefaultLoadCacheSize = 1024

// RefKey identifies a referenced item.
type RefKey struct {
	Kind storage.Kind
	Key  string
}

type loaded struct {
	item storage.Item
	ok   bool
}

// MapContext is passed to every Map call. It gives the map function read
// access to referenced items through the active read transaction and records
// which items were dereferenced so that later changes to them re-map the
// current item.
//
// A MapContext is owned by one run loop and is not safe for concurrent use.
type MapContext struct {
	tx    storage.ReadTx
	cache *lru.Cache[RefKey, loaded]
	refs  map[RefKey]struct{}
	err   error
}

// NewMapContext creates a context with a cache of cacheSize referenced items.
func NewMapContext(cacheSize int) *MapContext {
	if cacheSize <= 0 {
		cacheSize = DefaultLoadCacheSize
	}
	cache, _ := lru.New[RefKey, loaded](cacheSize)
	return &MapContext{
		cache: cache,
		refs:  make(map[RefKey]struct{}),
	}
}

// Bind switches the context to a new read transaction. Cached loads from
// the previous transaction are dropped since they may be stale.
func (c *MapContext) Bind(tx storage.ReadTx) {
	c.tx = tx
	c.cache.Purge()
}

func (c *MapContext) beginItem() {
	clear(c.refs)
	c.err = nil
}

// Load dereferences a referenced item. A missing item is not an error; it
// is still recorded so that creating it later re-maps the current item.
func (c *MapContext) Load(kind storage.Kind, key string) (storage.Item, bool, error) {
	if kind == "" {
		kind = storage.KindDocument
	}
	rk := RefKey{Kind: kind, Key: key}
	c.refs[rk] = struct{}{}

	if v, ok := c.cache.Get(rk); ok {
		return v.item, v.ok, nil
	}
	if c.tx == nil {
		return storage.Item{}, false, nil
	}
	item, ok, err := c.tx.Get(kind, key)
	if err != nil {
		// A storage failure during map must fail the batch, not the item.
		c.err = err
		return storage.Item{}, false, err
	}
	c.cache.Add(rk, loaded{item: item, ok: ok})
	return item, ok, nil
}

// References returns the items loaded by the current Map call in key order.
func (c *MapContext) References() []RefKey {
	out := make([]RefKey, 0, len(c.refs))
	for rk := range c.refs {
		out = append(out, rk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// StorageErr returns the storage error hit by Load during the current Map
// call, if any.
func (c *MapContext) StorageErr() error {
	return c.err
}
