// Package stream reads a collection in key order without holding one read
// transaction for the whole scan.
//
// Streams are read-only: the pulsed enumerator renews the snapshot every
// PulseThreshold scanned items and resumes after the last key it returned.
// An item that is not modified while the stream runs is returned exactly
// once. Items written behind the cursor after a pulse are not returned;
// items written ahead of it are.
package stream

import (
	"context"
	"fmt"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/pulse"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// DefaultPulseThreshold is the number of scanned items per snapshot.
const DefaultPulseThreshold = 1024

// Options select the items of a stream.
type Options struct {
	// Kind defaults to document.
	Kind       storage.Kind
	Collection string

	// StartsWith restricts keys to a prefix.
	StartsWith string

	// StartAfter resumes after a key, exclusive.
	StartAfter string

	// Matches filters the part of the key after StartsWith. See Pattern.
	Matches string

	// Skip drops the first matching items.
	Skip int

	// PageSize caps the number of items returned. 0 means all.
	PageSize int

	// PulseThreshold is the number of scanned items per read transaction.
	// 0 uses DefaultPulseThreshold, negative never pulses.
	PulseThreshold int
}

// Stats describe a finished stream.
type Stats struct {
	Scanned  int    `json:"scanned"`
	Skipped  int    `json:"skipped"`
	Returned int    `json:"returned"`
	Pulses   int    `json:"pulses"`
	LastKey  string `json:"last_key,omitempty"`
}

// Func receives one item. Returning an error stops the stream.
type Func func(storage.Item) error

// Documents streams the items selected by opts to fn in key order.
func Documents(ctx context.Context, s storage.Storage, opts Options, fn Func) (Stats, error) {
	if opts.Collection == "" {
		return Stats{}, amerrors.ValidationError("stream requires a collection", nil)
	}
	if opts.Kind == "" {
		opts.Kind = storage.KindDocument
	}
	if opts.Skip < 0 || opts.PageSize < 0 {
		return Stats{}, amerrors.ValidationError("skip and page size must not be negative", nil)
	}
	pattern, err := CompilePattern(opts.Matches)
	if err != nil {
		return Stats{}, amerrors.ValidationError(err.Error(), err)
	}
	threshold := opts.PulseThreshold
	switch {
	case threshold == 0:
		threshold = DefaultPulseThreshold
	case threshold < 0:
		threshold = 0
	}

	tx, err := s.BeginRead(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Close()
		}
	}()

	start := pulse.Position{Key: opts.StartAfter}
	e := pulse.New(tx, start, threshold,
		pulse.ItemsByKey(opts.Kind, opts.Collection, opts.StartsWith),
		pulse.ItemPosition, pulse.Reopen(s, &tx))
	defer e.Close()

	var st Stats
	for e.Next(ctx) {
		item := e.Value()
		st.Scanned++
		if !pattern.Match(item.Key[len(opts.StartsWith):]) {
			continue
		}
		if st.Skipped < opts.Skip {
			st.Skipped++
			continue
		}
		if err := fn(item); err != nil {
			st.Pulses = e.State().Pulses
			return st, err
		}
		st.Returned++
		st.LastKey = item.Key
		if opts.PageSize > 0 && st.Returned >= opts.PageSize {
			break
		}
	}
	st.Pulses = e.State().Pulses
	if err := e.Err(); err != nil {
		return st, fmt.Errorf("stream %s: %w", opts.Collection, err)
	}
	return st, nil
}
