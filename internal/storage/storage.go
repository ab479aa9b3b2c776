// Package storage defines the storage collaborator the indexing engine reads
// from, with an in-memory backend built on copy-on-write B-trees and a
// durable SQLite backend.
//
// Every write is assigned an etag from one monotonically increasing counter,
// so etags are strictly increasing within each collection and never reused.
// Readers work on snapshots: a ReadTx sees the store as of BeginRead and is
// never affected by later writes.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Aman-CERP/amandb/internal/changes"
)

// Kind separates the item families that can feed an index.
type Kind string

const (
	// KindDocument is a JSON document.
	KindDocument Kind = "document"
	// KindTimeSeries is a time-series segment owned by a document.
	KindTimeSeries Kind = "timeseries"
	// KindEntry is an external key-value entry.
	KindEntry Kind = "entry"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDocument, KindTimeSeries, KindEntry:
		return Kind(s), nil
	case "":
		return KindDocument, nil
	default:
		return "", fmt.Errorf("unknown item kind %q (use: document, timeseries, entry)", s)
	}
}

// Item is one stored record.
type Item struct {
	Kind       Kind           `json:"kind"`
	Collection string         `json:"collection"`
	Key        string         `json:"key"`
	Etag       uint64         `json:"etag"`
	Parent     string         `json:"parent,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Modified   time.Time      `json:"modified"`
}

// Tombstone marks a deleted item until every index has consumed it.
type Tombstone struct {
	Kind       Kind      `json:"kind"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Etag       uint64    `json:"etag"`
	Deleted    time.Time `json:"deleted"`
}

// Cursor is a lazy, ordered sequence.
//
//	for c.Next() {
//	    v := c.Value()
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor[T any] interface {
	Next() bool
	Value() T
	Err() error
	Close() error
}

// ReadTx is a snapshot read transaction.
type ReadTx interface {
	// ItemsSince returns items of a collection with etag > etag in etag order.
	// A limit of 0 means no limit.
	ItemsSince(kind Kind, collection string, etag uint64, limit int) Cursor[Item]

	// TombstonesSince returns tombstones of a collection with etag > etag in etag order.
	TombstonesSince(kind Kind, collection string, etag uint64, limit int) Cursor[Tombstone]

	// ItemsByKey returns items of a collection whose key starts with prefix
	// and sorts after afterKey, in key order.
	ItemsByKey(kind Kind, collection, prefix, afterKey string, limit int) Cursor[Item]

	// Get loads one item by key.
	Get(kind Kind, key string) (Item, bool, error)

	// LastEtag returns the highest item etag of a collection, 0 when empty.
	LastEtag(kind Kind, collection string) (uint64, error)

	// LastTombstoneEtag returns the highest tombstone etag of a collection.
	LastTombstoneEtag(kind Kind, collection string) (uint64, error)

	// Close releases the snapshot. Safe to call multiple times.
	Close() error
}

// Storage is the collaborator contract consumed by the indexing engine.
type Storage interface {
	// BeginRead opens a snapshot read transaction.
	BeginRead(ctx context.Context) (ReadTx, error)

	// Put creates or replaces an item and returns it with its new etag.
	Put(ctx context.Context, item Item) (Item, error)

	// Delete removes an item and returns the tombstones written.
	// Deleting a document also deletes its time-series segments.
	// Deleting a missing key returns no tombstones and no error.
	Delete(ctx context.Context, kind Kind, key string) ([]Tombstone, error)

	// PurgeTombstones removes tombstones of a collection with etag <= upto.
	PurgeTombstones(ctx context.Context, kind Kind, collection string, upto uint64) (int, error)

	// Subscribe registers fn for committed changes of collection.
	Subscribe(collection string, fn changes.Func) changes.Handle

	// Unsubscribe removes a subscription.
	Unsubscribe(h changes.Handle) bool

	// Close releases all resources.
	Close() error
}

// validatePut checks the caller-supplied fields of a put.
func validatePut(item Item) error {
	if item.Key == "" {
		return fmt.Errorf("item key is required")
	}
	if item.Collection == "" {
		return fmt.Errorf("item collection is required")
	}
	if _, err := ParseKind(string(item.Kind)); err != nil {
		return err
	}
	if item.Kind == KindTimeSeries && item.Parent == "" {
		return fmt.Errorf("time-series segment %s requires a parent document", item.Key)
	}
	return nil
}

// changeFor builds the notification for a written item.
func changeFor(t changes.Type, kind Kind, collection, key string, etag uint64) changes.Change {
	return changes.Change{
		Type:       t,
		Kind:       string(kind),
		Collection: collection,
		Key:        key,
		Etag:       etag,
	}
}
