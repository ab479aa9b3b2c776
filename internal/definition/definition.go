// Package definition describes compiled index definitions: the pure map and
// reduce functions an index applies, the collections it reads and the
// collections its map function dereferences.
//
// The engine never inspects a definition beyond this interface. Map must be
// deterministic for a given item and the referenced items it loads; Reduce
// must be associative and commutative because partial results are merged in
// bucket order, not input order.
package definition

import (
	"fmt"
	"sort"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// Value is one emitted or aggregated record.
type Value = map[string]any

// Entry is one (reduce key, value) pair emitted by Map.
type Entry struct {
	Key   string
	Value Value
}

// Source names the item family and collections an index iterates.
type Source struct {
	Kind        storage.Kind
	Collections []string
}

// Reference declares a collection the map function dereferences.
type Reference struct {
	Kind       storage.Kind
	Collection string

	// Filter decides whether a changed referenced item affects its
	// referencing items. Nil accepts every change. Deletes always count.
	Filter func(storage.Item) bool
}

// Accepts reports whether a change to item should re-map its dependents.
func (r Reference) Accepts(item storage.Item) bool {
	return r.Filter == nil || r.Filter(item)
}

// Definition is a compiled index definition.
type Definition interface {
	Name() string
	Source() Source
	Map(ctx *MapContext, item storage.Item) ([]Entry, error)
	Reduce(values []Value) (Value, error)
	References() []Reference
}

// MapFunc is the map half of a Func definition.
type MapFunc func(ctx *MapContext, item storage.Item) ([]Entry, error)

// ReduceFunc is the reduce half of a Func definition.
type ReduceFunc func(values []Value) (Value, error)

// Func builds a Definition from plain functions.
type Func struct {
	name   string
	source Source
	mapFn  MapFunc
	reduce ReduceFunc
	refs   []Reference
}

// Verify interface implementation at compile time
var _ Definition = (*Func)(nil)

// NewFunc creates a definition from map and reduce functions.
func NewFunc(name string, source Source, mapFn MapFunc, reduceFn ReduceFunc, refs ...Reference) *Func {
	if source.Kind == "" {
		source.Kind = storage.KindDocument
	}
	for i := range refs {
		if refs[i].Kind == "" {
			refs[i].Kind = storage.KindDocument
		}
	}
	return &Func{name: name, source: source, mapFn: mapFn, reduce: reduceFn, refs: refs}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Source() Source { return f.source }

func (f *Func) References() []Reference { return f.refs }

func (f *Func) Map(ctx *MapContext, item storage.Item) ([]Entry, error) {
	return f.mapFn(ctx, item)
}

func (f *Func) Reduce(values []Value) (Value, error) {
	return f.reduce(values)
}

// Validate checks the parts of a definition the engine relies on.
// A failure is a fatal definition error.
func Validate(def Definition) error {
	if def == nil {
		return amerrors.DefinitionError("definition is nil", nil)
	}
	if err := ValidateName(def.Name()); err != nil {
		return err
	}
	src := def.Source()
	if _, err := storage.ParseKind(string(src.Kind)); err != nil {
		return amerrors.DefinitionError(fmt.Sprintf("index %s: %v", def.Name(), err), err)
	}
	if len(src.Collections) == 0 {
		return amerrors.DefinitionError(fmt.Sprintf("index %s has no source collections", def.Name()), nil)
	}
	seen := make(map[string]bool)
	for _, c := range src.Collections {
		if c == "" {
			return amerrors.DefinitionError(fmt.Sprintf("index %s has an empty collection name", def.Name()), nil)
		}
		seen[string(src.Kind)+"/"+c] = true
	}
	for _, ref := range def.References() {
		if ref.Collection == "" {
			return amerrors.DefinitionError(fmt.Sprintf("index %s has a reference without a collection", def.Name()), nil)
		}
		if _, err := storage.ParseKind(string(ref.Kind)); err != nil {
			return amerrors.DefinitionError(fmt.Sprintf("index %s: %v", def.Name(), err), err)
		}
		if seen[string(ref.Kind)+"/"+ref.Collection] {
			return amerrors.DefinitionError(
				fmt.Sprintf("index %s references its own source collection %s", def.Name(), ref.Collection), nil)
		}
	}
	return nil
}

// ValidateName checks that an index name is usable as a file name.
func ValidateName(name string) error {
	if name == "" {
		return amerrors.DefinitionError("index name is required", nil)
	}
	if len(name) > 128 {
		return amerrors.DefinitionError("index name is longer than 128 characters", nil)
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return amerrors.DefinitionError(
				fmt.Sprintf("index name %q may only contain letters, digits, '-', '_' and '.'", name), nil)
		}
	}
	if name[0] == '.' {
		return amerrors.DefinitionError(fmt.Sprintf("index name %q must not start with '.'", name), nil)
	}
	return nil
}

// RunMap applies def.Map to item, converting panics and plain errors into
// map failures attributed to the item. Coded errors pass through so that a
// fatal definition error stays fatal.
func RunMap(def Definition, ctx *MapContext, item storage.Item) (entries []Entry, err error) {
	ctx.beginItem()
	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = amerrors.New(amerrors.ErrCodeMapFailed,
				fmt.Sprintf("map panicked on %s: %v", item.Key, r), nil).
				WithDetail("key", item.Key)
		}
	}()

	entries, err = def.Map(ctx, item)
	if err != nil {
		return nil, mapFailure(item.Key, err)
	}
	for _, e := range entries {
		if e.Key == "" {
			return nil, amerrors.New(amerrors.ErrCodeMapFailed,
				fmt.Sprintf("map emitted an empty reduce key for %s", item.Key), nil).
				WithDetail("key", item.Key)
		}
	}
	return entries, nil
}

// RunReduce applies def.Reduce to the values of one reduce key.
func RunReduce(def Definition, key string, values []Value) (out Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = amerrors.New(amerrors.ErrCodeReduceFailed,
				fmt.Sprintf("reduce panicked on %s: %v", key, r), nil).
				WithDetail("reduce_key", key)
		}
	}()

	out, err = def.Reduce(values)
	if err != nil {
		if _, ok := amerrors.As(err); ok {
			return nil, err
		}
		return nil, amerrors.Wrap(amerrors.ErrCodeReduceFailed, err).WithDetail("reduce_key", key)
	}
	return out, nil
}

func mapFailure(key string, err error) error {
	if _, ok := amerrors.As(err); ok {
		return err
	}
	return amerrors.Wrap(amerrors.ErrCodeMapFailed, err).WithDetail("key", key)
}

// Collections returns the sorted, de-duplicated set of collections an index
// depends on through its references, grouped by kind.
func Collections(refs []Reference) map[storage.Kind][]string {
	out := make(map[storage.Kind][]string)
	seen := make(map[string]bool)
	for _, r := range refs {
		k := string(r.Kind) + "/" + r.Collection
		if seen[k] {
			continue
		}
		seen[k] = true
		out[r.Kind] = append(out[r.Kind], r.Collection)
	}
	for _, cs := range out {
		sort.Strings(cs)
	}
	return out
}
