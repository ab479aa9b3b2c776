package index

import (
	"context"
	"fmt"
	"time"

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// Status is a point-in-time view of an index.
type Status struct {
	Name      string      `json:"name"`
	State     State       `json:"state"`
	Error     string      `json:"error,omitempty"`
	Corrupt   bool        `json:"corrupt,omitempty"`
	Stale     bool        `json:"stale"`
	Attempts  int64       `json:"attempts"`
	Failures  int64       `json:"failures"`
	Streams   []StreamLag `json:"streams,omitempty"`
	LastBatch BatchStats  `json:"last_batch"`
	Checked   time.Time   `json:"checked"`
}

// StreamLag compares one checkpointed stream with the storage head.
type StreamLag struct {
	Scope      results.Scope `json:"scope"`
	Kind       storage.Kind  `json:"kind"`
	Collection string        `json:"collection"`
	Checkpoint uint64        `json:"checkpoint"`
	Head       uint64        `json:"head"`
}

// Behind reports whether storage has changes the stream has not consumed.
func (l StreamLag) Behind() bool {
	return l.Head > l.Checkpoint
}

func (ix *Index) currentStore() (*results.Store, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.store == nil {
		if ix.corrupt {
			return nil, amerrors.New(amerrors.ErrCodeCorruptIndex,
				fmt.Sprintf("index %s is corrupt", ix.def.Name()), nil).
				WithSuggestion("rebuild it with 'amandb index rebuild " + ix.def.Name() + " --yes'")
		}
		return nil, amerrors.New(amerrors.ErrCodeIndexState,
			fmt.Sprintf("index %s is closed", ix.def.Name()), nil)
	}
	return ix.store, nil
}

// Status reports the state and lag of the index.
func (ix *Index) Status(ctx context.Context) (Status, error) {
	ix.mu.Lock()
	st := Status{
		Name:      ix.def.Name(),
		State:     ix.state,
		Error:     ix.lastErr,
		Corrupt:   ix.corrupt,
		Attempts:  ix.attempts,
		Failures:  ix.failures,
		LastBatch: ix.lastBatch,
		Checked:   ix.now(),
	}
	ix.mu.Unlock()

	if st.Corrupt {
		st.Stale = true
		return st, nil
	}
	lags, err := ix.lags(ctx)
	if err != nil {
		return st, err
	}
	st.Streams = lags
	for _, l := range lags {
		if l.Behind() {
			st.Stale = true
		}
	}
	return st, nil
}

func (ix *Index) lags(ctx context.Context) ([]StreamLag, error) {
	store, err := ix.currentStore()
	if err != nil {
		return nil, err
	}
	rtx, err := ix.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	var out []StreamLag
	for _, t := range targets(ix.def) {
		cp, err := store.Checkpoint(ctx, t.scope, t.kind, t.collection)
		if err != nil {
			return nil, err
		}
		var head uint64
		if t.scope == results.ScopeMap || t.scope == results.ScopeReferences {
			head, err = rtx.LastEtag(t.kind, t.collection)
		} else {
			head, err = rtx.LastTombstoneEtag(t.kind, t.collection)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, StreamLag{Scope: t.scope, Kind: t.kind, Collection: t.collection, Checkpoint: cp, Head: head})
	}
	return out, nil
}

// IsStale reports whether storage holds changes the index has not
// committed yet.
func (ix *Index) IsStale(ctx context.Context) (bool, error) {
	st, err := ix.Status(ctx)
	if err != nil {
		return true, err
	}
	return st.Stale, nil
}

// WaitForNonStale blocks until the index has caught up with storage as of
// the call. It fails when the index stops indexing.
func (ix *Index) WaitForNonStale(ctx context.Context) error {
	for {
		progress := ix.progressChan()
		stale, err := ix.IsStale(ctx)
		if err != nil {
			return err
		}
		if !stale {
			return nil
		}
		if s := ix.State(); s != StateNormal {
			return ix.stateError("wait for", s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress:
		}
	}
}

// Query returns the reduce entry of key.
func (ix *Index) Query(ctx context.Context, key string) (definition.Value, bool, error) {
	store, err := ix.currentStore()
	if err != nil {
		return nil, false, err
	}
	return store.Query(ctx, key)
}

// Entries lists reduce entries in key order after afterKey.
func (ix *Index) Entries(ctx context.Context, afterKey string, limit int) ([]results.Entry, error) {
	store, err := ix.currentStore()
	if err != nil {
		return nil, err
	}
	return store.Entries(ctx, afterKey, limit)
}

// Errors returns the recorded per-item errors, most recent first.
func (ix *Index) Errors(ctx context.Context, limit int) ([]results.ItemError, error) {
	store, err := ix.currentStore()
	if err != nil {
		return nil, err
	}
	return store.ItemErrors(ctx, limit)
}

// Checkpoints returns the committed checkpoints.
func (ix *Index) Checkpoints(ctx context.Context) ([]results.Checkpoint, error) {
	store, err := ix.currentStore()
	if err != nil {
		return nil, err
	}
	return store.Checkpoints(ctx)
}

// pendingEtags sums the etag distance of every stream to its storage head.
// It is sampled by the metrics scrape.
func (ix *Index) pendingEtags() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lags, err := ix.lags(ctx)
	if err != nil {
		return -1
	}
	var total float64
	for _, l := range lags {
		if l.Behind() {
			total += float64(l.Head - l.Checkpoint)
		}
	}
	return total
}
