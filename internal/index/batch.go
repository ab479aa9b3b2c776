package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/pulse"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// BatchStats summarizes one batch.
type BatchStats struct {
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Items          int           `json:"items"`
	Mapped         int           `json:"mapped"`
	MapFailures    int           `json:"map_failures"`
	ReduceFailures int           `json:"reduce_failures"`
	Tombstones     int           `json:"tombstones"`
	Remapped       int           `json:"remapped"`
	Reduced        int           `json:"reduced"`
	Pulses         int           `json:"pulses"`
	Commits        int           `json:"commits"`
	Yielded        bool          `json:"yielded"`
}

type cpKey struct {
	scope      results.Scope
	kind       storage.Kind
	collection string
}

// leafSet is the set of dirty leaf buckets of one reduce key.
type leafSet map[int]struct{}

// batch carries the state of one run of the stage pipeline. It is the
// Pulser of every enumeration it starts: a pulse reduces what was touched,
// commits all buffered writes with the advanced checkpoints and renews both
// transactions.
type batch struct {
	ix   *Index
	def  definition.Definition
	stop context.Context // cancellation is checked between items
	ctx  context.Context // used for I/O; never cancelled mid-commit

	rtx storage.ReadTx
	wtx *results.WriteTx
	mc  *definition.MapContext

	touched  *skipmap.FuncMap[string, leafSet]
	pending  map[cpKey]uint64
	remapped map[string]bool
	changes  []Change

	// counters not yet committed
	attempts int64
	failures int64

	stats   BatchStats
	yielded bool

	// tripped is set once the error rate is exceeded. The batch stops,
	// commits what it has, including the item errors, then fails with it.
	tripped error
}

func (ix *Index) newBatch(stop context.Context) (*batch, error) {
	ctx := context.WithoutCancel(stop)
	b := &batch{
		ix:       ix,
		def:      ix.def,
		stop:     stop,
		ctx:      ctx,
		mc:       ix.mc,
		pending:  make(map[cpKey]uint64),
		remapped: make(map[string]bool),
		stats:    BatchStats{Started: ix.now()},
	}
	b.resetTouched()
	if err := b.open(); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *batch) resetTouched() {
	b.touched = skipmap.NewFunc[string, leafSet](func(a, c string) bool { return a < c })
}

func (b *batch) open() error {
	rtx, err := b.ix.storage.BeginRead(b.ctx)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	b.rtx = rtx
	b.mc.Bind(rtx)

	store, err := b.ix.currentStore()
	if err != nil {
		return err
	}
	wtx, err := store.Begin(b.ctx)
	if err != nil {
		return err
	}
	b.wtx = wtx
	return nil
}

// close releases both transactions, discarding uncommitted writes.
func (b *batch) close() {
	if b.wtx != nil {
		_ = b.wtx.Rollback()
		b.wtx = nil
	}
	if b.rtx != nil {
		_ = b.rtx.Close()
		b.rtx = nil
	}
	b.mc.Bind(nil)
}

// Pulse implements pulse.Pulser.
func (b *batch) Pulse(context.Context) (storage.ReadTx, error) {
	if err := b.commit(); err != nil {
		return nil, err
	}
	b.stats.Pulses++
	_ = b.rtx.Close()
	b.rtx = nil
	if err := b.open(); err != nil {
		return nil, err
	}
	return b.rtx, nil
}

// commit reduces the touched keys, writes the pending checkpoints and state
// and commits the pulse.
func (b *batch) commit() error {
	start := b.ix.now()
	if err := b.reduce(); err != nil {
		return err
	}
	for k, etag := range b.pending {
		if err := b.wtx.SetCheckpoint(k.scope, k.kind, k.collection, etag); err != nil {
			return err
		}
	}
	st := b.ix.persisted(b.attempts, b.failures)
	if err := b.wtx.SaveState(st); err != nil {
		return err
	}
	if err := b.wtx.Commit(); err != nil {
		return err
	}
	b.wtx = nil
	b.stats.Commits++
	b.ix.metrics.RecordCommit(start)

	changed := b.changes
	b.changes = nil
	clear(b.pending)
	clear(b.remapped)
	b.ix.committed(b.attempts, b.failures, changed)
	b.attempts, b.failures = 0, 0

	if hook := b.ix.afterCommit; hook != nil {
		if err := hook(b.stats.Commits); err != nil {
			return err
		}
	}
	return nil
}

// finish commits the last pulse of the batch.
func (b *batch) finish() error {
	if err := b.commit(); err != nil {
		return err
	}
	b.stats.Duration = b.ix.now().Sub(b.stats.Started)
	return nil
}

// stopped reports whether the batch must stop consuming items. Reaching a
// limit marks the batch as yielded so that the run loop wakes up again.
func (b *batch) stopped() bool {
	if b.tripped != nil || b.yielded || b.stop.Err() != nil {
		return true
	}
	if b.ix.State() != StateNormal {
		return true
	}
	cfg := b.ix.cfg
	if cfg.MaxBatchItems > 0 && b.stats.Items >= cfg.MaxBatchItems {
		b.yielded = true
	}
	if cfg.MaxBatchDuration > 0 && b.ix.now().Sub(b.stats.Started) >= cfg.MaxBatchDuration {
		b.yielded = true
	}
	return b.yielded
}

// checkpoint returns the checkpoint as of this batch, including progress
// not yet committed.
func (b *batch) checkpoint(scope results.Scope, kind storage.Kind, collection string) (uint64, error) {
	if etag, ok := b.pending[cpKey{scope, kind, collection}]; ok {
		return etag, nil
	}
	return b.wtx.Checkpoint(scope, kind, collection)
}

func (b *batch) advance(scope results.Scope, kind storage.Kind, collection string, etag uint64) {
	k := cpKey{scope, kind, collection}
	if etag > b.pending[k] {
		b.pending[k] = etag
	}
}

// verifyCheckpoints reports a checkpoint ahead of everything storage has
// ever written to a collection.
func (b *batch) verifyCheckpoints(targets []scanTarget) error {
	for _, t := range targets {
		cp, err := b.wtx.Checkpoint(t.scope, t.kind, t.collection)
		if err != nil {
			return err
		}
		if cp == 0 {
			continue
		}
		head, err := collectionHead(b.rtx, t.kind, t.collection)
		if err != nil {
			return err
		}
		if cp > head {
			return amerrors.New(amerrors.ErrCodeCheckpointCorrupt,
				fmt.Sprintf("checkpoint %s of %s/%s is %d but storage ends at %d", t.scope, t.kind, t.collection, cp, head), nil).
				WithSuggestion("rebuild the index with 'amandb index rebuild " + b.def.Name() + " --yes'")
		}
	}
	return nil
}

func collectionHead(tx storage.ReadTx, kind storage.Kind, collection string) (uint64, error) {
	items, err := tx.LastEtag(kind, collection)
	if err != nil {
		return 0, err
	}
	tombs, err := tx.LastTombstoneEtag(kind, collection)
	if err != nil {
		return 0, err
	}
	return max(items, tombs), nil
}

func (b *batch) touch(ts []results.Touch) {
	for _, t := range ts {
		leaves, _ := b.touched.LoadOrStore(t.Key, make(leafSet))
		leaves[t.Bucket] = struct{}{}
	}
}

// mapItem maps one source item and stores its output. A failure of the map
// function is recorded against the item and does not fail the batch unless
// it is fatal or pushes the index over its error rate.
func (b *batch) mapItem(item storage.Item) error {
	b.attempts++
	entries, err := definition.RunMap(b.def, b.mc, item)
	if serr := b.mc.StorageErr(); serr != nil {
		return serr
	}
	if err != nil {
		if amerrors.IsFatal(err) {
			return err
		}
		return b.mapFailed(item, err)
	}

	touched, err := b.wtx.ReplaceMapResults(item.Key, entries)
	if err != nil {
		return err
	}
	b.touch(touched)
	if len(b.def.References()) > 0 {
		if err := b.wtx.SetReferences(item.Key, b.mc.References()); err != nil {
			return err
		}
	}
	if err := b.wtx.ClearItemError(item.Key); err != nil {
		return err
	}
	b.stats.Mapped++
	return nil
}

func (b *batch) mapFailed(item storage.Item, cause error) error {
	b.failures++
	b.stats.MapFailures++
	b.ix.logger.Warn("map_failed",
		slog.String("index", b.def.Name()),
		slog.String("key", item.Key),
		slog.Uint64("etag", item.Etag),
		slog.String("error", cause.Error()))

	// The item has no output as of this etag
	touched, err := b.wtx.DeleteMapResults(item.Key)
	if err != nil {
		return err
	}
	b.touch(touched)
	if len(b.def.References()) > 0 {
		// Keep what it loaded so that fixing a referenced item retries it
		if err := b.wtx.SetReferences(item.Key, b.mc.References()); err != nil {
			return err
		}
	}
	if err := b.wtx.RecordItemError(item.Key, "map", cause.Error()); err != nil {
		return err
	}
	b.trip()
	return nil
}

func (b *batch) trip() {
	if b.tripped == nil {
		b.tripped = b.ix.checkErrorRate(b.attempts, b.failures)
	}
}

// removeItem drops everything a deleted source item contributed.
func (b *batch) removeItem(key string) error {
	touched, err := b.wtx.DeleteMapResults(key)
	if err != nil {
		return err
	}
	b.touch(touched)
	if len(b.def.References()) > 0 {
		if err := b.wtx.DeleteReferencesFrom(key); err != nil {
			return err
		}
	}
	return b.wtx.ClearItemError(key)
}

// reduce recomputes every reduce key touched since the last commit.
func (b *batch) reduce() error {
	var firstErr error
	b.touched.Range(func(key string, leaves leafSet) bool {
		if err := b.reduceKey(key, leaves); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	if firstErr != nil {
		return firstErr
	}
	b.resetTouched()
	return nil
}

func (b *batch) reduceKey(key string, leaves leafSet) error {
	buckets := make([]int, 0, len(leaves))
	for l := range leaves {
		buckets = append(buckets, l)
	}
	fn := func(values []definition.Value) (definition.Value, error) {
		return definition.RunReduce(b.def, key, values)
	}

	root, exists, err := b.wtx.Recompute(key, buckets, fn)
	if err != nil {
		if amerrors.IsFatal(err) || !isFunctionFailure(err) {
			return err
		}
		// A stale partial is worse than no entry; the next change rebuilds it
		b.failures++
		b.stats.ReduceFailures++
		b.ix.logger.Warn("reduce_failed",
			slog.String("index", b.def.Name()),
			slog.String("reduce_key", key),
			slog.String("error", err.Error()))
		if err := b.wtx.DropReduceKey(key); err != nil {
			return err
		}
		if err := b.wtx.RecordItemError(reduceErrorKey(key), "reduce", err.Error()); err != nil {
			return err
		}
		b.changes = append(b.changes, Change{Key: key, Deleted: true})
		b.trip()
		return nil
	}

	if err := b.wtx.ClearItemError(reduceErrorKey(key)); err != nil {
		return err
	}
	b.stats.Reduced++
	b.changes = append(b.changes, Change{Key: key, Value: root, Deleted: !exists})
	return nil
}

func reduceErrorKey(key string) string {
	return "reduce:" + key
}

func isFunctionFailure(err error) bool {
	code := amerrors.GetCode(err)
	return code == amerrors.ErrCodeReduceFailed || code == amerrors.ErrCodeMapFailed
}

// scanTarget is one checkpointed stream of a stage.
type scanTarget struct {
	scope      results.Scope
	kind       storage.Kind
	collection string
}

// scan enumerates a stream from its checkpoint, pulsing as configured, and
// advances the checkpoint after each item is handled.
func scan[T any](b *batch, t scanTarget, fetch pulse.Fetch[T], posOf pulse.PositionOf[T], handle func(T) error) error {
	start, err := b.checkpoint(t.scope, t.kind, t.collection)
	if err != nil {
		return err
	}
	e := pulse.New(b.rtx, pulse.Position{Etag: start}, b.ix.cfg.PulseThreshold, fetch, posOf, b)
	defer e.Close()

	for !b.stopped() && e.Next(b.stop) {
		b.stats.Items++
		v := e.Value()
		if err := handle(v); err != nil {
			return err
		}
		b.advance(t.scope, t.kind, t.collection, posOf(v).Etag)
	}
	if err := e.Err(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
