// Package index runs incremental map-reduce indexes over a storage
// collaborator.
//
// Each index has one single-threaded run loop. Storage change notifications
// set the index's pending-work signal; the loop wakes, runs the stage
// pipeline (cleanup, reference resolution, map, reduce) as one batch and
// commits the results together with advanced per-collection checkpoints.
// Long scans are pulsed: every PulseThreshold items the pending writes are
// committed and the read transaction renewed, so no read context lives for
// the whole scan. A crash loses at most the work of the current pulse, which
// is redone from the last durable checkpoint.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/amandb/internal/changes"
	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/telemetry"
)

// Change is a committed change of one reduce entry.
type Change struct {
	Key     string
	Value   definition.Value
	Deleted bool
}

// OutputWriter receives the reduce entries changed by each commit.
type OutputWriter interface {
	Write(ctx context.Context, index string, changes []Change) error
}

// Dependencies are the collaborators of an index.
type Dependencies struct {
	// Storage is the primary store (required).
	Storage storage.Storage

	// Definition is the compiled index definition (required).
	Definition definition.Definition

	// Dir is the directory holding result stores (required).
	Dir string

	// Output receives committed reduce changes (optional).
	Output OutputWriter

	// Metrics records indexing metrics (optional).
	Metrics *telemetry.IndexMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Index is one incremental map-reduce index.
type Index struct {
	def     definition.Definition
	storage storage.Storage
	dir     string
	cfg     Config
	stages  []Stage
	output  OutputWriter
	metrics *telemetry.IndexMetrics
	logger  *slog.Logger
	now     func() time.Time

	signal *changes.Signal
	mc     *definition.MapContext

	// runMu is held for the duration of a batch and by operations that
	// replace the result store.
	runMu sync.Mutex
	store *results.Store

	mu        sync.Mutex
	state     State
	lastErr   string
	corrupt   bool
	attempts  int64
	failures  int64
	lastBatch BatchStats
	progress  chan struct{}

	subs []changes.Handle

	// afterCommit runs after every pulse commit; tests use it to crash.
	afterCommit func(commits int) error
}

// Open validates the definition and opens its result store. A corrupt
// result store does not fail Open: the index starts in Error and can only
// be rebuilt.
func Open(cfg Config, deps Dependencies) (*Index, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Dir == "" {
		return nil, fmt.Errorf("result directory is required")
	}
	if err := definition.Validate(deps.Definition); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	ix := &Index{
		def:      deps.Definition,
		storage:  deps.Storage,
		dir:      deps.Dir,
		cfg:      cfg,
		stages:   stagesFor(deps.Definition),
		output:   deps.Output,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
		signal:   changes.NewSignal(),
		mc:       definition.NewMapContext(cfg.LoadCacheSize),
		progress: make(chan struct{}),
	}

	store, err := results.Open(deps.Dir, ix.def.Name(), cfg.Tree)
	if err != nil {
		if !amerrors.HasCode(err, amerrors.ErrCodeCorruptIndex) {
			return nil, err
		}
		ix.corrupt = true
		ix.state = StateError
		ix.lastErr = err.Error()
		logger.Error("index_store_corrupt",
			slog.String("index", ix.def.Name()),
			amerrors.LogAttr(err))
		return ix, nil
	}
	ix.store = store

	st, ok, err := store.State(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if ok {
		state, perr := ParseState(st.State)
		if perr != nil {
			state = StateError
			st.Error = perr.Error()
		}
		ix.state, ix.lastErr = state, st.Error
		ix.attempts, ix.failures = st.Attempts, st.Failures
	}
	return ix, nil
}

// Name returns the index name.
func (ix *Index) Name() string {
	return ix.def.Name()
}

// Definition returns the index definition.
func (ix *Index) Definition() definition.Definition {
	return ix.def
}

// State returns the current state.
func (ix *Index) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// Wake marks the index as having pending work.
func (ix *Index) Wake() {
	ix.signal.Set()
}

// subscribe registers for changes of every collection the index reads.
func (ix *Index) subscribe() {
	src := ix.def.Source()
	for _, coll := range src.Collections {
		kind := src.Kind
		ix.subs = append(ix.subs, ix.storage.Subscribe(coll, func(c changes.Change) {
			// A document delete publishes the tombstones of its segments
			// under their own collection
			if storage.Kind(c.Kind) == kind {
				ix.signal.Set()
			}
		}))
	}
	for _, rt := range newReferencesStage(ix.def.References()).targets {
		kind := rt.kind
		ix.subs = append(ix.subs, ix.storage.Subscribe(rt.collection, func(c changes.Change) {
			if storage.Kind(c.Kind) == kind {
				ix.signal.Set()
			}
		}))
	}
}

func (ix *Index) unsubscribe() {
	for _, h := range ix.subs {
		ix.storage.Unsubscribe(h)
	}
	ix.subs = nil
}

// Run executes the run loop until ctx is cancelled. An in-flight pulse is
// committed before Run returns.
func (ix *Index) Run(ctx context.Context) error {
	ix.subscribe()
	defer ix.unsubscribe()

	ix.logger.Info("index_started",
		slog.String("index", ix.def.Name()),
		slog.String("state", ix.State().String()))

	// Catch up with whatever happened while the index was not running
	ix.signal.Set()
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("index_stopped", slog.String("index", ix.def.Name()))
			return nil
		case <-ix.signal.C():
		}
		if ix.State() != StateNormal {
			continue
		}
		stats, err := ix.RunBatch(ctx)
		if err == nil && stats.Yielded {
			ix.signal.Set()
		}
	}
}

// RunBatch runs one batch, retrying it from the last checkpoint after a
// transient conflict. It is exported for callers that drive an index
// without a run loop.
func (ix *Index) RunBatch(ctx context.Context) (BatchStats, error) {
	ix.runMu.Lock()
	defer ix.runMu.Unlock()

	if ix.State() != StateNormal {
		return BatchStats{}, amerrors.New(amerrors.ErrCodeIndexState,
			fmt.Sprintf("index %s is %s", ix.def.Name(), ix.State()), nil)
	}

	var stats BatchStats
	err := amerrors.Retry(ctx, ix.cfg.Retry, func() error {
		var err error
		stats, err = ix.runOnce(ctx)
		if err != nil && amerrors.IsRetryable(err) {
			ix.logger.Warn("batch_conflict_retry",
				slog.String("index", ix.def.Name()),
				slog.String("error", err.Error()))
		}
		return err
	})
	ix.finishBatch(stats, err)
	return stats, err
}

func (ix *Index) runOnce(ctx context.Context) (BatchStats, error) {
	b, err := ix.newBatch(ctx)
	if err != nil {
		return BatchStats{}, err
	}
	defer b.close()

	if err := b.verifyCheckpoints(targets(ix.def)); err != nil {
		return b.stats, err
	}
	for _, st := range ix.stages {
		if b.stopped() && st.Name() != "reduce" {
			continue
		}
		if err := st.run(b); err != nil {
			return b.stats, fmt.Errorf("%s stage: %w", st.Name(), err)
		}
	}
	if err := b.finish(); err != nil {
		return b.stats, err
	}
	if b.tripped != nil {
		return b.stats, b.tripped
	}
	b.stats.Yielded = b.yielded
	return b.stats, nil
}

func (ix *Index) finishBatch(stats BatchStats, err error) {
	if stats.Duration == 0 && !stats.Started.IsZero() {
		stats.Duration = ix.now().Sub(stats.Started)
	}
	rec := telemetry.BatchRecord{
		Started:        stats.Started,
		Duration:       stats.Duration,
		Items:          stats.Items,
		Mapped:         stats.Mapped,
		MapFailures:    stats.MapFailures,
		ReduceFailures: stats.ReduceFailures,
		Tombstones:     stats.Tombstones,
		Remapped:       stats.Remapped,
		Pulses:         stats.Pulses,
		Commits:        stats.Commits,
		Yielded:        stats.Yielded,
	}

	ix.mu.Lock()
	ix.lastBatch = stats
	ix.mu.Unlock()

	if err == nil {
		if stats.Items > 0 || stats.Commits > 1 {
			ix.logger.Debug("batch_complete",
				slog.String("index", ix.def.Name()),
				slog.Int("items", stats.Items),
				slog.Int("mapped", stats.Mapped),
				slog.Int("map_failures", stats.MapFailures),
				slog.Int("tombstones", stats.Tombstones),
				slog.Int("remapped", stats.Remapped),
				slog.Int("commits", stats.Commits),
				slog.Bool("yielded", stats.Yielded),
				slog.Duration("duration", stats.Duration))
		}
		ix.metrics.RecordBatch(rec)
		ix.notifyProgress()
		return
	}

	rec.Error = err.Error()
	ix.metrics.RecordBatch(rec)

	fatal := amerrors.IsFatal(err) || amerrors.HasCode(err, amerrors.ErrCodeIndexFailed)
	ix.mu.Lock()
	ix.lastErr = err.Error()
	if fatal && ix.state == StateNormal {
		ix.state = StateError
	}
	corrupt := amerrors.HasCode(err, amerrors.ErrCodeCorruptIndex)
	if corrupt {
		ix.corrupt = true
	}
	ix.mu.Unlock()

	if fatal {
		ix.logger.Error("index_failed",
			slog.String("index", ix.def.Name()),
			slog.Bool("corrupt", corrupt),
			amerrors.LogAttr(err))
		ix.saveState()
	} else {
		ix.logger.Warn("batch_failed",
			slog.String("index", ix.def.Name()),
			amerrors.LogAttr(err))
		time.AfterFunc(ix.cfg.FailureBackoff, ix.signal.Set)
	}
	ix.notifyProgress()
}

// checkErrorRate fails the batch when the failure ratio including the
// uncommitted counts exceeds the threshold.
func (ix *Index) checkErrorRate(pendingAttempts, pendingFailures int64) error {
	ix.mu.Lock()
	attempts := ix.attempts + pendingAttempts
	failures := ix.failures + pendingFailures
	ix.mu.Unlock()

	if attempts < ix.cfg.MinAttempts {
		return nil
	}
	rate := float64(failures) / float64(attempts)
	if rate <= ix.cfg.ErrorRateThreshold {
		return nil
	}
	return amerrors.New(amerrors.ErrCodeIndexFailed,
		fmt.Sprintf("error rate %.2f over %d attempts exceeds %.2f", rate, attempts, ix.cfg.ErrorRateThreshold), nil).
		WithSuggestion("fix the failing items, then run 'amandb index reset " + ix.def.Name() + "'")
}

// persisted is the state to save with a commit carrying the given
// uncommitted counts.
func (ix *Index) persisted(pendingAttempts, pendingFailures int64) results.PersistedState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return results.PersistedState{
		State:    ix.state.String(),
		Error:    ix.lastErr,
		Attempts: ix.attempts + pendingAttempts,
		Failures: ix.failures + pendingFailures,
	}
}

// committed folds the counts of a commit into the index and publishes the
// changed entries.
func (ix *Index) committed(attempts, failures int64, changed []Change) {
	ix.mu.Lock()
	ix.attempts += attempts
	ix.failures += failures
	ix.mu.Unlock()

	if ix.output != nil && len(changed) > 0 {
		if err := ix.output.Write(context.Background(), ix.def.Name(), changed); err != nil {
			ix.logger.Warn("output_write_failed",
				slog.String("index", ix.def.Name()),
				slog.Int("changes", len(changed)),
				slog.String("error", err.Error()))
		}
	}
}

func (ix *Index) saveState() {
	if ix.store == nil {
		return
	}
	st := ix.persisted(0, 0)
	if err := ix.store.SaveState(context.Background(), st); err != nil {
		ix.logger.Warn("index_state_save_failed",
			slog.String("index", ix.def.Name()),
			slog.String("error", err.Error()))
	}
}

func (ix *Index) notifyProgress() {
	ix.mu.Lock()
	close(ix.progress)
	ix.progress = make(chan struct{})
	ix.mu.Unlock()
}

func (ix *Index) progressChan() <-chan struct{} {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.progress
}

// Close releases the result store. The run loop must have stopped.
func (ix *Index) Close() error {
	ix.runMu.Lock()
	defer ix.runMu.Unlock()

	ix.mu.Lock()
	store := ix.store
	ix.store = nil
	ix.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Close()
}
