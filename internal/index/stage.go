package index

import (
	"sort"

	"github.com/Aman-CERP/amandb/internal/definition"
	"github.com/Aman-CERP/amandb/internal/pulse"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// Stage is one step of the per-batch pipeline.
type Stage interface {
	Name() string
	run(b *batch) error
}

// stagesFor selects the pipeline of a definition. The order is fixed:
// cleanup, reference resolution, map, reduce.
func stagesFor(def definition.Definition) []Stage {
	stages := []Stage{cleanupStage{}}
	if len(def.References()) > 0 {
		stages = append(stages, newReferencesStage(def.References()))
	}
	return append(stages, mapStage{}, reduceStage{})
}

// cleanupStage consumes source tombstones and removes the map results of
// deleted items.
type cleanupStage struct{}

func (cleanupStage) Name() string { return "cleanup" }

func (cleanupStage) run(b *batch) error {
	src := b.def.Source()
	for _, coll := range src.Collections {
		t := scanTarget{scope: results.ScopeTombstones, kind: src.Kind, collection: coll}
		err := scan(b, t, pulse.TombstonesByEtag(src.Kind, coll), pulse.TombstonePosition,
			func(tomb storage.Tombstone) error {
				// Re-created in a source collection since: the map stage
				// replaces its output
				if cur, ok, err := b.rtx.Get(tomb.Kind, tomb.Key); err != nil {
					return err
				} else if ok && cur.Etag > tomb.Etag && b.isSource(cur.Collection) {
					return nil
				}
				b.stats.Tombstones++
				return b.removeItem(tomb.Key)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// referencesStage turns changes of referenced collections into re-maps of
// the primary items that loaded them.
type referencesStage struct {
	targets []refTarget
}

type refTarget struct {
	kind       storage.Kind
	collection string
	refs       []definition.Reference
}

func newReferencesStage(refs []definition.Reference) referencesStage {
	byColl := make(map[string]*refTarget)
	var order []string
	for _, r := range refs {
		k := string(r.Kind) + "/" + r.Collection
		t, ok := byColl[k]
		if !ok {
			t = &refTarget{kind: r.Kind, collection: r.Collection}
			byColl[k] = t
			order = append(order, k)
		}
		t.refs = append(t.refs, r)
	}
	sort.Strings(order)
	s := referencesStage{}
	for _, k := range order {
		s.targets = append(s.targets, *byColl[k])
	}
	return s
}

func (t refTarget) accepts(item storage.Item) bool {
	for _, r := range t.refs {
		if r.Accepts(item) {
			return true
		}
	}
	return false
}

func (referencesStage) Name() string { return "references" }

func (s referencesStage) run(b *batch) error {
	for _, rt := range s.targets {
		changed := scanTarget{scope: results.ScopeReferences, kind: rt.kind, collection: rt.collection}
		err := scan(b, changed, pulse.ItemsByEtag(rt.kind, rt.collection), pulse.ItemPosition,
			func(item storage.Item) error {
				if !rt.accepts(item) {
					return nil
				}
				return b.remapReferencing(rt.kind, item.Key, false)
			})
		if err != nil {
			return err
		}

		deleted := scanTarget{scope: results.ScopeReferenceTombstones, kind: rt.kind, collection: rt.collection}
		err = scan(b, deleted, pulse.TombstonesByEtag(rt.kind, rt.collection), pulse.TombstonePosition,
			func(tomb storage.Tombstone) error {
				return b.remapReferencing(rt.kind, tomb.Key, true)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// remapReferencing re-maps the primaries that loaded a referenced item.
// Primaries past the map checkpoint are left to the map stage.
func (b *batch) remapReferencing(kind storage.Kind, refKey string, deleted bool) error {
	primaries, err := b.wtx.Referencing(kind, refKey)
	if err != nil {
		return err
	}
	if deleted {
		if err := b.wtx.DeleteReferencesTo(kind, refKey); err != nil {
			return err
		}
	}

	src := b.def.Source()
	for _, pk := range primaries {
		if b.remapped[pk] {
			continue
		}
		b.remapped[pk] = true

		item, ok, err := b.rtx.Get(src.Kind, pk)
		if err != nil {
			return err
		}
		if !ok {
			// Deleted primaries are handled by cleanup
			continue
		}
		if !b.isSource(item.Collection) {
			// Re-created outside the source collections
			if err := b.removeItem(pk); err != nil {
				return err
			}
			continue
		}
		cp, err := b.checkpoint(results.ScopeMap, src.Kind, item.Collection)
		if err != nil {
			return err
		}
		if item.Etag > cp {
			continue
		}
		b.stats.Remapped++
		if err := b.mapItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) isSource(collection string) bool {
	for _, c := range b.def.Source().Collections {
		if c == collection {
			return true
		}
	}
	return false
}

// mapStage maps every source item past the map checkpoint.
type mapStage struct{}

func (mapStage) Name() string { return "map" }

func (mapStage) run(b *batch) error {
	src := b.def.Source()
	for _, coll := range src.Collections {
		t := scanTarget{scope: results.ScopeMap, kind: src.Kind, collection: coll}
		if err := scan(b, t, pulse.ItemsByEtag(src.Kind, coll), pulse.ItemPosition, b.mapItem); err != nil {
			return err
		}
	}
	return nil
}

// reduceStage recomputes the reduce keys touched by the stages before it.
// Every pulse commit also reduces, so this only handles the last pulse.
type reduceStage struct{}

func (reduceStage) Name() string { return "reduce" }

func (reduceStage) run(b *batch) error {
	return b.reduce()
}

// targets lists every checkpointed stream of a definition.
func targets(def definition.Definition) []scanTarget {
	src := def.Source()
	var out []scanTarget
	for _, c := range src.Collections {
		out = append(out,
			scanTarget{scope: results.ScopeTombstones, kind: src.Kind, collection: c},
			scanTarget{scope: results.ScopeMap, kind: src.Kind, collection: c})
	}
	for _, rt := range newReferencesStage(def.References()).targets {
		out = append(out,
			scanTarget{scope: results.ScopeReferences, kind: rt.kind, collection: rt.collection},
			scanTarget{scope: results.ScopeReferenceTombstones, kind: rt.kind, collection: rt.collection})
	}
	return out
}
