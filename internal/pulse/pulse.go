// Package pulse bounds the lifetime of the read transactions used to scan
// large collections.
//
// An Enumerator walks an ordered cursor. After every Threshold items it asks
// its Pulser to make the pending work durable and hand back a fresh read
// transaction, then reopens the cursor strictly after the last consumed
// position. Each item of a collection that is not modified during the scan
// is produced exactly once, however many pulses the scan takes.
package pulse

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/amandb/internal/storage"
)

// Position is where an enumeration resumes. Etag-ordered scans use Etag,
// key-ordered scans use Key.
type Position struct {
	Etag uint64
	Key  string
}

// Fetch opens the underlying cursor positioned strictly after after.
type Fetch[T any] func(tx storage.ReadTx, after Position) storage.Cursor[T]

// PositionOf extracts the resume position of an item.
type PositionOf[T any] func(T) Position

// Pulser commits what has been done so far and returns the read
// transaction to continue with. The previous transaction must not be used
// after Pulse returns.
type Pulser interface {
	Pulse(ctx context.Context) (storage.ReadTx, error)
}

// PulserFunc adapts a function to Pulser.
type PulserFunc func(ctx context.Context) (storage.ReadTx, error)

// Pulse calls f.
func (f PulserFunc) Pulse(ctx context.Context) (storage.ReadTx, error) {
	return f(ctx)
}

// Reopen returns a Pulser for read-only scans: it closes the active
// transaction and begins a new one. active must point at the holder of the
// current transaction and is updated in place.
func Reopen(s storage.Storage, active *storage.ReadTx) Pulser {
	return PulserFunc(func(ctx context.Context) (storage.ReadTx, error) {
		if *active != nil {
			_ = (*active).Close()
		}
		tx, err := s.BeginRead(ctx)
		if err != nil {
			*active = nil
			return nil, err
		}
		*active = tx
		return tx, nil
	})
}

// State is the in-memory progress of an enumeration. It is never persisted.
type State struct {
	Last       Position
	HasLast    bool
	SincePulse int
	Threshold  int
	Consumed   int
	Pulses     int
}

// Enumerator is a lazily pulsed cursor. It is not restartable.
type Enumerator[T any] struct {
	fetch  Fetch[T]
	posOf  PositionOf[T]
	pulser Pulser

	tx     storage.ReadTx
	cur    storage.Cursor[T]
	value  T
	state  State
	err    error
	closed bool
}

// New creates an enumerator over tx starting strictly after start.
// A threshold of 0 disables pulsing.
func New[T any](tx storage.ReadTx, start Position, threshold int, fetch Fetch[T], posOf PositionOf[T], pulser Pulser) *Enumerator[T] {
	if threshold < 0 {
		threshold = 0
	}
	return &Enumerator[T]{
		fetch:  fetch,
		posOf:  posOf,
		pulser: pulser,
		tx:     tx,
		cur:    fetch(tx, start),
		state:  State{Last: start, Threshold: threshold},
	}
}

// Next advances to the next item. It pulses first when the threshold has
// been reached, before it knows whether another item follows. When the
// count is an exact multiple of the threshold the last pulse starts an
// empty sub-transaction, which still sees items written since the previous
// snapshot.
func (e *Enumerator[T]) Next(ctx context.Context) bool {
	if e.closed || e.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		e.err = err
		return false
	}

	if e.state.Threshold > 0 && e.state.SincePulse >= e.state.Threshold {
		if err := e.pulse(ctx); err != nil {
			e.err = err
			return false
		}
	}

	if !e.cur.Next() {
		e.err = e.cur.Err()
		return false
	}
	e.value = e.cur.Value()
	e.state.Last = e.posOf(e.value)
	e.state.HasLast = true
	e.state.SincePulse++
	e.state.Consumed++
	return true
}

func (e *Enumerator[T]) pulse(ctx context.Context) error {
	_ = e.cur.Close()
	e.cur = nil
	tx, err := e.pulser.Pulse(ctx)
	if err != nil {
		return fmt.Errorf("pulse %d: %w", e.state.Pulses+1, err)
	}
	e.tx = tx
	e.state.Pulses++
	e.state.SincePulse = 0
	e.cur = e.fetch(tx, e.state.Last)
	return nil
}

// Value returns the current item.
func (e *Enumerator[T]) Value() T {
	return e.value
}

// Err returns the error that stopped the enumeration, if any.
func (e *Enumerator[T]) Err() error {
	return e.err
}

// Tx returns the read transaction the current item came from.
func (e *Enumerator[T]) Tx() storage.ReadTx {
	return e.tx
}

// State returns a copy of the progress.
func (e *Enumerator[T]) State() State {
	return e.state
}

// Close releases the cursor. The read transaction belongs to the caller.
func (e *Enumerator[T]) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.cur != nil {
		return e.cur.Close()
	}
	return nil
}

// ItemsByEtag fetches items of a collection in etag order.
func ItemsByEtag(kind storage.Kind, collection string) Fetch[storage.Item] {
	return func(tx storage.ReadTx, after Position) storage.Cursor[storage.Item] {
		return tx.ItemsSince(kind, collection, after.Etag, 0)
	}
}

// TombstonesByEtag fetches tombstones of a collection in etag order.
func TombstonesByEtag(kind storage.Kind, collection string) Fetch[storage.Tombstone] {
	return func(tx storage.ReadTx, after Position) storage.Cursor[storage.Tombstone] {
		return tx.TombstonesSince(kind, collection, after.Etag, 0)
	}
}

// ItemsByKey fetches items of a collection in key order under prefix.
func ItemsByKey(kind storage.Kind, collection, prefix string) Fetch[storage.Item] {
	return func(tx storage.ReadTx, after Position) storage.Cursor[storage.Item] {
		return tx.ItemsByKey(kind, collection, prefix, after.Key, 0)
	}
}

// ItemPosition is the position of an item.
func ItemPosition(it storage.Item) Position {
	return Position{Etag: it.Etag, Key: it.Key}
}

// TombstonePosition is the position of a tombstone.
func TombstonePosition(t storage.Tombstone) Position {
	return Position{Etag: t.Etag, Key: t.Key}
}
