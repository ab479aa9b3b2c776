package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/Aman-CERP/amandb/internal/changes"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
)

const btreeDegree = 32

// ErrClosed is returned by operations on a closed store or snapshot.
var ErrClosed = amerrors.New(amerrors.ErrCodeStorageClosed, "storage is closed", nil)

func lessByKey(a, b Item) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Key < b.Key
}

func lessByEtag(a, b Item) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Collection != b.Collection {
		return a.Collection < b.Collection
	}
	return a.Etag < b.Etag
}

func lessByCollectionKey(a, b Item) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Collection != b.Collection {
		return a.Collection < b.Collection
	}
	return a.Key < b.Key
}

func lessByParent(a, b Item) bool {
	if a.Parent != b.Parent {
		return a.Parent < b.Parent
	}
	return a.Key < b.Key
}

func lessTombstone(a, b Tombstone) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Collection != b.Collection {
		return a.Collection < b.Collection
	}
	return a.Etag < b.Etag
}

// trees is the full set of orderings over the stored items.
type trees struct {
	byKey    *btree.BTreeG[Item]
	byEtag   *btree.BTreeG[Item]
	byColKey *btree.BTreeG[Item]
	byParent *btree.BTreeG[Item]
	tombs    *btree.BTreeG[Tombstone]
}

func newTrees() trees {
	return trees{
		byKey:    btree.NewG(btreeDegree, lessByKey),
		byEtag:   btree.NewG(btreeDegree, lessByEtag),
		byColKey: btree.NewG(btreeDegree, lessByCollectionKey),
		byParent: btree.NewG(btreeDegree, lessByParent),
		tombs:    btree.NewG(btreeDegree, lessTombstone),
	}
}

// clone returns copy-on-write copies; the caller must hold the write lock.
func (t trees) clone() trees {
	return trees{
		byKey:    t.byKey.Clone(),
		byEtag:   t.byEtag.Clone(),
		byColKey: t.byColKey.Clone(),
		byParent: t.byParent.Clone(),
		tombs:    t.tombs.Clone(),
	}
}

func (t trees) insert(item Item) {
	t.byKey.ReplaceOrInsert(item)
	t.byEtag.ReplaceOrInsert(item)
	t.byColKey.ReplaceOrInsert(item)
	if item.Kind == KindTimeSeries {
		t.byParent.ReplaceOrInsert(item)
	}
}

func (t trees) remove(item Item) {
	t.byKey.Delete(item)
	t.byEtag.Delete(item)
	t.byColKey.Delete(item)
	if item.Kind == KindTimeSeries {
		t.byParent.Delete(item)
	}
}

// Memory is an in-memory Storage with snapshot reads.
// Writes are serialized by one lock; reads never take it past BeginRead.
type Memory struct {
	mu     sync.Mutex
	etag   uint64
	t      trees
	closed bool

	registry *changes.Registry
	now      func() time.Time
}

// Verify interface implementation at compile time
var _ Storage = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		t:        newTrees(),
		registry: changes.NewRegistry(),
		now:      time.Now,
	}
}

// BeginRead opens a snapshot of the current state.
func (m *Memory) BeginRead(ctx context.Context) (ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memSnapshot{t: m.t.clone()}, nil
}

// Put creates or replaces an item.
func (m *Memory) Put(ctx context.Context, item Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if item.Kind == "" {
		item.Kind = KindDocument
	}
	if err := validatePut(item); err != nil {
		return Item{}, amerrors.ValidationError(err.Error(), err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Item{}, ErrClosed
	}
	if item.Kind == KindTimeSeries {
		if _, ok := m.t.byKey.Get(Item{Kind: KindDocument, Key: item.Parent}); !ok {
			m.mu.Unlock()
			return Item{}, amerrors.ValidationError(
				fmt.Sprintf("parent document %s of segment %s does not exist", item.Parent, item.Key), nil)
		}
	}
	if existing, ok := m.t.byKey.Get(Item{Kind: item.Kind, Key: item.Key}); ok {
		if existing.Collection != item.Collection {
			m.mu.Unlock()
			return Item{}, amerrors.ValidationError(
				fmt.Sprintf("%s belongs to collection %s, not %s", item.Key, existing.Collection, item.Collection), nil)
		}
		m.t.remove(existing)
	}

	m.etag++
	item.Etag = m.etag
	item.Modified = m.now().UTC()
	item.Data = cloneData(item.Data)
	m.t.insert(item)
	m.mu.Unlock()

	m.registry.Publish(changeFor(changes.Put, item.Kind, item.Collection, item.Key, item.Etag))
	return item, nil
}

// Delete removes an item, cascading to the segments of a document.
func (m *Memory) Delete(ctx context.Context, kind Kind, key string) ([]Tombstone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	existing, ok := m.t.byKey.Get(Item{Kind: kind, Key: key})
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	var victims []Item
	if kind == KindDocument {
		m.t.byParent.AscendGreaterOrEqual(Item{Parent: key}, func(seg Item) bool {
			if seg.Parent != key {
				return false
			}
			victims = append(victims, seg)
			return true
		})
	}
	victims = append(victims, existing)

	now := m.now().UTC()
	tombs := make([]Tombstone, 0, len(victims))
	for _, v := range victims {
		m.t.remove(v)
		m.etag++
		tomb := Tombstone{Kind: v.Kind, Collection: v.Collection, Key: v.Key, Etag: m.etag, Deleted: now}
		m.t.tombs.ReplaceOrInsert(tomb)
		tombs = append(tombs, tomb)
	}
	m.mu.Unlock()

	for _, tomb := range tombs {
		m.registry.Publish(changeFor(changes.Delete, tomb.Kind, tomb.Collection, tomb.Key, tomb.Etag))
	}
	return tombs, nil
}

// PurgeTombstones removes consumed tombstones.
func (m *Memory) PurgeTombstones(ctx context.Context, kind Kind, collection string, upto uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	var doomed []Tombstone
	m.t.tombs.AscendGreaterOrEqual(Tombstone{Kind: kind, Collection: collection}, func(t Tombstone) bool {
		if t.Kind != kind || t.Collection != collection || t.Etag > upto {
			return false
		}
		doomed = append(doomed, t)
		return true
	})
	for _, t := range doomed {
		m.t.tombs.Delete(t)
	}
	return len(doomed), nil
}

// Subscribe registers fn for changes of collection.
func (m *Memory) Subscribe(collection string, fn changes.Func) changes.Handle {
	return m.registry.Subscribe(collection, fn)
}

// Unsubscribe removes a subscription.
func (m *Memory) Unsubscribe(h changes.Handle) bool {
	return m.registry.Unsubscribe(h)
}

// Close marks the store closed. Open snapshots stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// memSnapshot is a ReadTx over cloned trees.
type memSnapshot struct {
	t      trees
	closed atomic.Bool
}

func (s *memSnapshot) ItemsSince(kind Kind, collection string, etag uint64, limit int) Cursor[Item] {
	if s.closed.Load() {
		return errCursor[Item]{err: ErrClosed}
	}
	return newPageCursor(limit, func(last Item, hasLast bool, n int) ([]Item, error) {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		from := etag
		if hasLast {
			from = last.Etag
		}
		page := make([]Item, 0, n)
		s.t.byEtag.AscendGreaterOrEqual(Item{Kind: kind, Collection: collection, Etag: from + 1}, func(it Item) bool {
			if it.Kind != kind || it.Collection != collection {
				return false
			}
			page = append(page, it)
			return len(page) < n
		})
		return page, nil
	})
}

func (s *memSnapshot) TombstonesSince(kind Kind, collection string, etag uint64, limit int) Cursor[Tombstone] {
	if s.closed.Load() {
		return errCursor[Tombstone]{err: ErrClosed}
	}
	return newPageCursor(limit, func(last Tombstone, hasLast bool, n int) ([]Tombstone, error) {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		from := etag
		if hasLast {
			from = last.Etag
		}
		page := make([]Tombstone, 0, n)
		s.t.tombs.AscendGreaterOrEqual(Tombstone{Kind: kind, Collection: collection, Etag: from + 1}, func(t Tombstone) bool {
			if t.Kind != kind || t.Collection != collection {
				return false
			}
			page = append(page, t)
			return len(page) < n
		})
		return page, nil
	})
}

func (s *memSnapshot) ItemsByKey(kind Kind, collection, prefix, afterKey string, limit int) Cursor[Item] {
	if s.closed.Load() {
		return errCursor[Item]{err: ErrClosed}
	}
	return newPageCursor(limit, func(last Item, hasLast bool, n int) ([]Item, error) {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		after := afterKey
		if hasLast {
			after = last.Key
		}
		start := prefix
		if after > start {
			start = after
		}
		page := make([]Item, 0, n)
		s.t.byColKey.AscendGreaterOrEqual(Item{Kind: kind, Collection: collection, Key: start}, func(it Item) bool {
			if it.Kind != kind || it.Collection != collection || !strings.HasPrefix(it.Key, prefix) {
				return false
			}
			if after != "" && it.Key <= after {
				return true
			}
			page = append(page, it)
			return len(page) < n
		})
		return page, nil
	})
}

func (s *memSnapshot) Get(kind Kind, key string) (Item, bool, error) {
	if s.closed.Load() {
		return Item{}, false, ErrClosed
	}
	it, ok := s.t.byKey.Get(Item{Kind: kind, Key: key})
	return it, ok, nil
}

func (s *memSnapshot) LastEtag(kind Kind, collection string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var last uint64
	s.t.byEtag.DescendLessOrEqual(Item{Kind: kind, Collection: collection, Etag: math.MaxUint64}, func(it Item) bool {
		if it.Kind == kind && it.Collection == collection {
			last = it.Etag
		}
		return false
	})
	return last, nil
}

func (s *memSnapshot) LastTombstoneEtag(kind Kind, collection string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var last uint64
	s.t.tombs.DescendLessOrEqual(Tombstone{Kind: kind, Collection: collection, Etag: math.MaxUint64}, func(t Tombstone) bool {
		if t.Kind == kind && t.Collection == collection {
			last = t.Etag
		}
		return false
	})
	return last, nil
}

func (s *memSnapshot) Close() error {
	s.closed.Store(true)
	return nil
}
