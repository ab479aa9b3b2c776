package results

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
)

func openTestStore(t *testing.T, tree TreeConfig) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test", tree)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sumReduce(values []definition.Value) (definition.Value, error) {
	var n float64
	for _, v := range values {
		n += v["n"].(float64)
	}
	return definition.Value{"n": n}, nil
}

// apply maps sourceKey -> entries and recomputes every touched key.
func apply(t *testing.T, s *Store, sourceKey string, entries []definition.Entry) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	var touched []Touch
	if entries == nil {
		touched, err = tx.DeleteMapResults(sourceKey)
	} else {
		touched, err = tx.ReplaceMapResults(sourceKey, entries)
	}
	require.NoError(t, err)
	for _, tc := range touched {
		_, _, err := tx.Recompute(tc.Key, []int{tc.Bucket}, sumReduce)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestTreeConfig_RootLevel(t *testing.T) {
	tests := []struct {
		leaves, fanout, want int
	}{
		{1, 2, 0},
		{2, 2, 1},
		{8, 2, 3},
		{9, 2, 4},
		{1024, 32, 2},
		{1000, 32, 2},
		{33, 32, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.leaves, tt.fanout), func(t *testing.T) {
			c := TreeConfig{LeafBuckets: tt.leaves, Fanout: tt.fanout}
			assert.Equal(t, tt.want, c.rootLevel())
		})
	}
}

func TestStore_ReduceMatchesAllMapResults(t *testing.T) {
	for _, tree := range []TreeConfig{{LeafBuckets: 1, Fanout: 2}, {LeafBuckets: 8, Fanout: 2}, DefaultTreeConfig()} {
		t.Run(fmt.Sprintf("%d/%d", tree.LeafBuckets, tree.Fanout), func(t *testing.T) {
			s := openTestStore(t, tree)
			ctx := context.Background()

			// Given: 50 sources emitting into two keys
			for i := 0; i < 50; i++ {
				key := "even"
				if i%2 == 1 {
					key = "odd"
				}
				apply(t, s, fmt.Sprintf("src/%d", i), []definition.Entry{{Key: key, Value: definition.Value{"n": float64(i)}}})
			}

			// When: some sources change key, some are deleted
			apply(t, s, "src/1", []definition.Entry{{Key: "even", Value: definition.Value{"n": 1.0}}})
			apply(t, s, "src/2", nil)
			apply(t, s, "src/4", []definition.Entry{})

			// Then: every root equals reduce over the stored map results
			for _, key := range []string{"even", "odd"} {
				values, err := s.MapValues(ctx, key)
				require.NoError(t, err)
				want, err := sumReduce(values)
				require.NoError(t, err)

				got, ok, err := s.Query(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, want, got, key)
			}
		})
	}
}

func TestStore_LastSourceRemovedDeletesEntry(t *testing.T) {
	s := openTestStore(t, TreeConfig{LeafBuckets: 8, Fanout: 2})
	ctx := context.Background()

	apply(t, s, "src/1", []definition.Entry{{Key: "k", Value: definition.Value{"n": 1.0}}})
	_, ok, err := s.Query(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	apply(t, s, "src/1", nil)

	_, ok, err = s.Query(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM reduce_entries").Scan(&rows))
	assert.Zero(t, rows, "empty buckets are deleted at every level")
}

func TestStore_MultipleEntriesPerSourceAndKey(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	ctx := context.Background()

	apply(t, s, "src/1", []definition.Entry{
		{Key: "k", Value: definition.Value{"n": 1.0}},
		{Key: "k", Value: definition.Value{"n": 2.0}},
		{Key: "j", Value: definition.Value{"n": 5.0}},
	})

	got, ok, err := s.Query(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, got["n"])

	entries, err := s.Entries(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "j", entries[0].Key)
	assert.Equal(t, "k", entries[1].Key)

	keys, err := s.ReduceKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j", "k"}, keys)
}

func TestStore_RecomputeRebuildsDroppedKey(t *testing.T) {
	s := openTestStore(t, TreeConfig{LeafBuckets: 16, Fanout: 4})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		apply(t, s, fmt.Sprintf("src/%d", i), []definition.Entry{{Key: "k", Value: definition.Value{"n": 1.0}}})
	}

	// Given: the tree of k was dropped, as after a failed reduce
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DropReduceKey("k"))
	require.NoError(t, tx.Commit())

	// When: a single source changes
	apply(t, s, "src/0", []definition.Entry{{Key: "k", Value: definition.Value{"n": 3.0}}})

	// Then: the whole key is rebuilt, not just the changed leaf
	got, ok, err := s.Query(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.0, got["n"])
}

func TestStore_ReduceErrorIsReturned(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	touched, err := tx.ReplaceMapResults("src/1", []definition.Entry{{Key: "k", Value: definition.Value{"n": 1.0}}})
	require.NoError(t, err)
	require.Len(t, touched, 1)

	_, _, err = tx.Recompute("k", []int{touched[0].Bucket}, func([]definition.Value) (definition.Value, error) {
		return nil, fmt.Errorf("boom")
	})
	assert.Error(t, err)
}

func TestStore_ReplaceReportsOldAndNewKeys(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	apply(t, s, "src/1", []definition.Entry{{Key: "old", Value: definition.Value{"n": 1.0}}})

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	touched, err := tx.ReplaceMapResults("src/1", []definition.Entry{{Key: "new", Value: definition.Value{"n": 1.0}}})
	require.NoError(t, err)

	keys := []string{touched[0].Key, touched[1].Key}
	assert.ElementsMatch(t, []string{"old", "new"}, keys)
	assert.Equal(t, touched[0].Bucket, touched[1].Bucket, "one source lands in one leaf")
}

func TestStore_CheckpointsNeverMoveBackwards(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetCheckpoint(ScopeMap, storage.KindDocument, "users", 10))
	require.NoError(t, tx.SetCheckpoint(ScopeMap, storage.KindDocument, "users", 4))
	require.NoError(t, tx.SetCheckpoint(ScopeTombstones, storage.KindDocument, "users", 7))
	got, err := tx.Checkpoint(ScopeMap, storage.KindDocument, "users")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)
	require.NoError(t, tx.Commit())

	cps, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, Checkpoint{Scope: ScopeMap, Kind: storage.KindDocument, Collection: "users", Etag: 10}, cps[0])
	assert.Equal(t, ScopeTombstones, cps[1].Scope)

	missing, err := s.Checkpoint(ctx, ScopeReferences, storage.KindDocument, "users")
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestStore_RolledBackPulseLeavesNoTrace(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ReplaceMapResults("src/1", []definition.Entry{{Key: "k", Value: definition.Value{"n": 1.0}}})
	require.NoError(t, err)
	require.NoError(t, tx.SetCheckpoint(ScopeMap, storage.KindDocument, "users", 3))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Commit(), "commit after rollback is a no-op")

	values, err := s.MapValues(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, values)
	cp, err := s.Checkpoint(ctx, ScopeMap, storage.KindDocument, "users")
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func TestStore_References(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	c1 := definition.RefKey{Kind: storage.KindDocument, Key: "companies/1"}
	c2 := definition.RefKey{Kind: storage.KindDocument, Key: "companies/2"}

	require.NoError(t, tx.SetReferences("orders/1", []definition.RefKey{c1}))
	require.NoError(t, tx.SetReferences("orders/2", []definition.RefKey{c1, c2}))

	got, err := tx.Referencing(storage.KindDocument, "companies/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders/1", "orders/2"}, got)

	// Re-mapping replaces the references of a primary
	require.NoError(t, tx.SetReferences("orders/2", []definition.RefKey{c2}))
	got, err = tx.Referencing(storage.KindDocument, "companies/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders/1"}, got)

	require.NoError(t, tx.DeleteReferencesTo(storage.KindDocument, "companies/2"))
	got, err = tx.Referencing(storage.KindDocument, "companies/2")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, tx.DeleteReferencesFrom("orders/1"))
	got, err = tx.Referencing(storage.KindDocument, "companies/1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ItemErrorsCountPerKey(t *testing.T) {
	s := openTestStore(t, DefaultTreeConfig())
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordItemError("users/1", "map", "boom"))
	require.NoError(t, tx.RecordItemError("users/1", "map", "boom again"))
	require.NoError(t, tx.RecordItemError("users/2", "map", "bad"))
	require.NoError(t, tx.ClearItemError("users/2"))
	require.NoError(t, tx.Commit())

	errs, err := s.ItemErrors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "users/1", errs[0].Key)
	assert.Equal(t, 2, errs[0].Count)
	assert.Equal(t, "boom again", errs[0].Message)
}

func TestStore_StateSurvivesReopenAndWipe(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(dir, "idx", DefaultTreeConfig())
	require.NoError(t, err)

	_, ok, err := s.State(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveState(ctx, PersistedState{State: "paused", Attempts: 3, Failures: 1}))
	apply(t, s, "src/1", []definition.Entry{{Key: "k", Value: definition.Value{"n": 1.0}}})
	require.NoError(t, s.Close())

	s, err = Open(dir, "idx", DefaultTreeConfig())
	require.NoError(t, err)
	defer s.Close()

	st, ok, err := s.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PersistedState{State: "paused", Attempts: 3, Failures: 1}, st)

	require.NoError(t, s.Wipe(ctx))
	_, found, err := s.Query(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok, err = s.State(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "wipe keeps the operator state")
}

func TestOpen_CorruptFileIsReported(t *testing.T) {
	// Given: a result file that is not a database
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "broken"), []byte("definitely not sqlite, just some bytes padding the header out"), 0644))

	// When: opening it
	_, err := Open(dir, "broken", DefaultTreeConfig())

	// Then: a fatal corrupt-index error, and the file is left for the operator
	require.Error(t, err)
	assert.Equal(t, amerrors.ErrCodeCorruptIndex, amerrors.GetCode(err))
	assert.True(t, amerrors.IsFatal(err))
	assert.FileExists(t, Path(dir, "broken"))

	// And: Remove clears the way for a rebuild
	require.NoError(t, Remove(dir, "broken"))
	s, err := Open(dir, "broken", DefaultTreeConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
