package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/telemetry"
)

// DefaultCleanInterval is how often consumed tombstones are purged.
const DefaultCleanInterval = time.Minute

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Index is applied to every index the engine opens.
	Index Config

	// CleanInterval is the tombstone purge interval. Negative disables it.
	CleanInterval time.Duration
}

// EngineDependencies are the collaborators shared by all indexes.
type EngineDependencies struct {
	Storage storage.Storage
	Dir     string
	Output  OutputWriter
	Metrics *telemetry.Registry
	Logger  *slog.Logger
}

// Engine owns a set of indexes over one storage and runs their loops.
type Engine struct {
	cfg     EngineConfig
	deps    EngineDependencies
	logger  *slog.Logger
	indexes *xsync.MapOf[string, *Index]

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	runners map[string]*runner
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine without indexes.
func NewEngine(cfg EngineConfig, deps EngineDependencies) (*Engine, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Dir == "" {
		return nil, fmt.Errorf("result directory is required")
	}
	if cfg.CleanInterval == 0 {
		cfg.CleanInterval = DefaultCleanInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		indexes: xsync.NewMapOf[string, *Index](),
		runners: make(map[string]*runner),
	}, nil
}

// Add opens an index for def. If the engine is running, the index starts
// indexing immediately.
func (e *Engine) Add(def definition.Definition) (*Index, error) {
	if def == nil {
		return nil, amerrors.DefinitionError("definition is required", nil)
	}
	if _, ok := e.indexes.Load(def.Name()); ok {
		return nil, amerrors.New(amerrors.ErrCodeIndexExists,
			fmt.Sprintf("index %s already exists", def.Name()), nil)
	}

	ix, err := Open(e.cfg.Index, Dependencies{
		Storage:    e.deps.Storage,
		Definition: def,
		Dir:        e.deps.Dir,
		Output:     e.deps.Output,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}
	if e.deps.Metrics != nil {
		ix.metrics = e.deps.Metrics.Index(def.Name(), ix.pendingEtags)
	}
	if _, loaded := e.indexes.LoadOrStore(def.Name(), ix); loaded {
		_ = ix.Close()
		return nil, amerrors.New(amerrors.ErrCodeIndexExists,
			fmt.Sprintf("index %s already exists", def.Name()), nil)
	}

	e.mu.Lock()
	if e.group != nil {
		e.start(ix)
	}
	e.mu.Unlock()
	return ix, nil
}

// start launches the loop of ix. e.mu must be held.
func (e *Engine) start(ix *Index) {
	ctx, cancel := context.WithCancel(e.ctx)
	r := &runner{cancel: cancel, done: make(chan struct{})}
	e.runners[ix.Name()] = r
	e.group.Go(func() error {
		defer close(r.done)
		return ix.Run(ctx)
	})
}

// Remove stops and closes an index. With drop, its result store is deleted.
func (e *Engine) Remove(name string, drop bool) error {
	ix, ok := e.indexes.LoadAndDelete(name)
	if !ok {
		return notFound(name)
	}

	e.mu.Lock()
	r := e.runners[name]
	delete(e.runners, name)
	e.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.Unregister(name)
	}
	if err := ix.Close(); err != nil {
		return err
	}
	if drop {
		return results.Remove(e.deps.Dir, name)
	}
	return nil
}

// Get returns the named index.
func (e *Engine) Get(name string) (*Index, error) {
	ix, ok := e.indexes.Load(name)
	if !ok {
		return nil, notFound(name)
	}
	return ix, nil
}

// List returns all indexes sorted by name.
func (e *Engine) List() []*Index {
	out := make([]*Index, 0, e.indexes.Size())
	e.indexes.Range(func(_ string, ix *Index) bool {
		out = append(out, ix)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Query returns the reduce entry of key in the named index.
func (e *Engine) Query(ctx context.Context, name, key string) (definition.Value, bool, error) {
	ix, err := e.Get(name)
	if err != nil {
		return nil, false, err
	}
	return ix.Query(ctx, key)
}

// Statuses reports every index. An index whose status cannot be read is
// reported with the error message.
func (e *Engine) Statuses(ctx context.Context) []Status {
	list := e.List()
	out := make([]Status, 0, len(list))
	for _, ix := range list {
		st, err := ix.Status(ctx)
		if err != nil && st.Error == "" {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Run runs every index loop and the tombstone cleaner until ctx is
// cancelled. Indexes added while running start immediately.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	if e.group != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.group, e.ctx = g, gctx
	for _, ix := range e.List() {
		e.start(ix)
	}
	e.mu.Unlock()

	g.Go(func() error {
		e.cleanLoop(gctx)
		return nil
	})

	err := g.Wait()

	e.mu.Lock()
	e.group, e.ctx = nil, nil
	clear(e.runners)
	e.mu.Unlock()
	return err
}

func (e *Engine) cleanLoop(ctx context.Context) {
	if e.cfg.CleanInterval < 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(e.cfg.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PurgeTombstones(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("tombstone_purge_failed", slog.String("error", err.Error()))
			}
		}
	}
}

type tombstoneStream struct {
	kind       storage.Kind
	collection string
}

// PurgeTombstones removes the tombstones every index has consumed. The
// newest tombstone of each collection is kept so that checkpoints at that
// etag stay verifiable.
func (e *Engine) PurgeTombstones(ctx context.Context) (int, error) {
	floor := make(map[tombstoneStream]uint64)
	for _, ix := range e.List() {
		store, err := ix.currentStore()
		if err != nil {
			// A corrupt index is rebuilt from live items only
			continue
		}
		for _, t := range targets(ix.def) {
			if t.scope != results.ScopeTombstones && t.scope != results.ScopeReferenceTombstones {
				continue
			}
			cp, err := store.Checkpoint(ctx, t.scope, t.kind, t.collection)
			if err != nil {
				return 0, err
			}
			k := tombstoneStream{t.kind, t.collection}
			if cur, ok := floor[k]; !ok || cp < cur {
				floor[k] = cp
			}
		}
	}
	if len(floor) == 0 {
		return 0, nil
	}

	rtx, err := e.deps.Storage.BeginRead(ctx)
	if err != nil {
		return 0, err
	}
	newest := make(map[tombstoneStream]uint64, len(floor))
	for k := range floor {
		last, err := rtx.LastTombstoneEtag(k.kind, k.collection)
		if err != nil {
			_ = rtx.Close()
			return 0, err
		}
		newest[k] = last
	}
	_ = rtx.Close()

	total := 0
	for k, upto := range floor {
		if last := newest[k]; upto >= last {
			if last == 0 {
				continue
			}
			upto = last - 1
		}
		if upto == 0 {
			continue
		}
		n, err := e.deps.Storage.PurgeTombstones(ctx, k.kind, k.collection, upto)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		e.logger.Debug("tombstones_purged", slog.Int("count", total))
	}
	return total, nil
}

// Close closes every index. Run must have returned.
func (e *Engine) Close() error {
	var firstErr error
	for _, ix := range e.List() {
		if err := ix.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.Unregister(ix.Name())
		}
	}
	return firstErr
}

func notFound(name string) error {
	return amerrors.NotFoundError(name)
}
