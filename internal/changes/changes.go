// Package changes carries storage mutation notifications to the indexes
// that depend on them.
//
// A Registry maps a collection name to an ordered list of callback handles.
// Subscribing returns a Handle; unsubscribing with that Handle removes exactly
// that callback. Callbacks for one collection run in subscription order.
package changes

import (
	"sort"
	"sync"
)

// Type is the kind of mutation a Change describes.
type Type int

const (
	// Put indicates an item was created or updated.
	Put Type = iota
	// Delete indicates an item was deleted and a tombstone written.
	Delete
)

// String returns a human-readable representation of the change type.
func (t Type) String() string {
	switch t {
	case Put:
		return "PUT"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Change describes one committed mutation.
type Change struct {
	Type       Type
	Kind       string
	Collection string
	Key        string
	Etag       uint64
}

// Func receives changes for a subscribed collection.
// It runs on the writer's goroutine and must not block.
type Func func(Change)

// Handle identifies one subscription.
type Handle struct {
	id         uint64
	collection string
}

// Collection returns the collection the handle is subscribed to.
func (h Handle) Collection() string {
	return h.collection
}

type subscriber struct {
	id uint64
	fn Func
}

// Registry is a collection to callback registry.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]subscriber)}
}

// Subscribe registers fn for changes of collection.
func (r *Registry) Subscribe(collection string, fn Func) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.subs[collection] = append(r.subs[collection], subscriber{id: r.nextID, fn: fn})
	return Handle{id: r.nextID, collection: collection}
}

// Unsubscribe removes the subscription identified by h.
// It reports whether the handle was registered.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[h.collection]
	for i, s := range list {
		if s.id != h.id {
			continue
		}
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, h.collection)
		} else {
			r.subs[h.collection] = next
		}
		return true
	}
	return false
}

// Publish delivers c to every subscriber of c.Collection.
func (r *Registry) Publish(c Change) {
	r.mu.RLock()
	list := r.subs[c.Collection]
	r.mu.RUnlock()

	// list is never mutated in place, so iterating the captured slice is safe
	for _, s := range list {
		s.fn(c)
	}
}

// Count returns the number of subscribers of a collection.
func (r *Registry) Count(collection string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[collection])
}

// Collections returns the collections that have at least one subscriber.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.subs))
	for c := range r.subs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
