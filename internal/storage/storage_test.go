package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/changes"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
)

// backends runs fn against every Storage implementation.
func backends(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func put(t *testing.T, s Storage, collection, key string, data map[string]any) Item {
	t.Helper()
	it, err := s.Put(context.Background(), Item{Collection: collection, Key: key, Data: data})
	require.NoError(t, err)
	return it
}

func drain[T any](t *testing.T, c Cursor[T]) []T {
	t.Helper()
	defer c.Close()
	var out []T
	for c.Next() {
		out = append(out, c.Value())
	}
	require.NoError(t, c.Err())
	return out
}

func TestStorage_EtagsIncreaseAndItemsSinceIsOrdered(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		// Given: writes across two collections, including an update
		a := put(t, s, "users", "users/1", map[string]any{"name": "a"})
		put(t, s, "orders", "orders/1", nil)
		b := put(t, s, "users", "users/2", nil)
		a2 := put(t, s, "users", "users/1", map[string]any{"name": "a2"})

		require.Greater(t, b.Etag, a.Etag)
		require.Greater(t, a2.Etag, b.Etag)

		// When: reading users since 0
		tx, err := s.BeginRead(ctx)
		require.NoError(t, err)
		defer tx.Close()
		items := drain(t, tx.ItemsSince(KindDocument, "users", 0, 0))

		// Then: the updated item appears once, at its new etag
		require.Len(t, items, 2)
		assert.Equal(t, "users/2", items[0].Key)
		assert.Equal(t, "users/1", items[1].Key)
		assert.Equal(t, "a2", items[1].Data["name"])

		last, err := tx.LastEtag(KindDocument, "users")
		require.NoError(t, err)
		assert.Equal(t, a2.Etag, last)

		since := drain(t, tx.ItemsSince(KindDocument, "users", b.Etag, 0))
		require.Len(t, since, 1)
		assert.Equal(t, a2.Etag, since[0].Etag)
	})
}

func TestStorage_CursorPagesAcrossManyItems(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		for i := 0; i < pageSize*2+5; i++ {
			put(t, s, "users", fmt.Sprintf("users/%04d", i), nil)
		}

		tx, err := s.BeginRead(context.Background())
		require.NoError(t, err)
		defer tx.Close()

		all := drain(t, tx.ItemsSince(KindDocument, "users", 0, 0))
		assert.Len(t, all, pageSize*2+5)

		limited := drain(t, tx.ItemsSince(KindDocument, "users", 0, 10))
		assert.Len(t, limited, 10)
	})
}

func TestStorage_SnapshotIgnoresLaterWrites(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		put(t, s, "users", "users/1", nil)

		// Given: an open snapshot
		tx, err := s.BeginRead(ctx)
		require.NoError(t, err)
		defer tx.Close()

		// When: more writes and a delete land
		put(t, s, "users", "users/2", nil)
		_, err = s.Delete(ctx, KindDocument, "users/1")
		require.NoError(t, err)

		// Then: the snapshot still sees the original state
		items := drain(t, tx.ItemsSince(KindDocument, "users", 0, 0))
		require.Len(t, items, 1)
		assert.Equal(t, "users/1", items[0].Key)
		_, ok, err := tx.Get(KindDocument, "users/1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStorage_DeleteWritesTombstoneAndCascadesToSegments(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		put(t, s, "users", "users/1", nil)
		_, err := s.Put(ctx, Item{Kind: KindTimeSeries, Collection: "users", Key: "users/1|hr|0", Parent: "users/1",
			Data: map[string]any{"values": []any{1.0, 2.0}}})
		require.NoError(t, err)

		// When: deleting the document
		tombs, err := s.Delete(ctx, KindDocument, "users/1")
		require.NoError(t, err)

		// Then: the segment is tombstoned before the document
		require.Len(t, tombs, 2)
		assert.Equal(t, KindTimeSeries, tombs[0].Kind)
		assert.Equal(t, KindDocument, tombs[1].Kind)
		assert.Greater(t, tombs[1].Etag, tombs[0].Etag)

		tx, err := s.BeginRead(ctx)
		require.NoError(t, err)
		defer tx.Close()

		docTombs := drain(t, tx.TombstonesSince(KindDocument, "users", 0, 0))
		require.Len(t, docTombs, 1)
		assert.Equal(t, "users/1", docTombs[0].Key)
		segTombs := drain(t, tx.TombstonesSince(KindTimeSeries, "users", 0, 0))
		require.Len(t, segTombs, 1)

		last, err := tx.LastTombstoneEtag(KindDocument, "users")
		require.NoError(t, err)
		assert.Equal(t, tombs[1].Etag, last)

		// And: deleting again is a no-op
		again, err := s.Delete(ctx, KindDocument, "users/1")
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestStorage_PurgeTombstones(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			put(t, s, "users", fmt.Sprintf("users/%d", i), nil)
		}
		var etags []uint64
		for i := 0; i < 3; i++ {
			tombs, err := s.Delete(ctx, KindDocument, fmt.Sprintf("users/%d", i))
			require.NoError(t, err)
			etags = append(etags, tombs[0].Etag)
		}

		n, err := s.PurgeTombstones(ctx, KindDocument, "users", etags[1])
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		tx, err := s.BeginRead(ctx)
		require.NoError(t, err)
		defer tx.Close()
		left := drain(t, tx.TombstonesSince(KindDocument, "users", 0, 0))
		require.Len(t, left, 1)
		assert.Equal(t, etags[2], left[0].Etag)
	})
}

func TestStorage_ItemsByKeyPrefixAndStartAfter(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		for _, k := range []string{"users/1", "users/10", "users/2", "user/x", "users/3"} {
			put(t, s, "users", k, nil)
		}
		tx, err := s.BeginRead(context.Background())
		require.NoError(t, err)
		defer tx.Close()

		keys := func(items []Item) []string {
			out := make([]string, len(items))
			for i, it := range items {
				out[i] = it.Key
			}
			return out
		}

		all := drain(t, tx.ItemsByKey(KindDocument, "users", "users/", "", 0))
		assert.Equal(t, []string{"users/1", "users/10", "users/2", "users/3"}, keys(all))

		after := drain(t, tx.ItemsByKey(KindDocument, "users", "users/", "users/10", 0))
		assert.Equal(t, []string{"users/2", "users/3"}, keys(after))
	})
}

func TestStorage_PutValidation(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		_, err := s.Put(ctx, Item{Collection: "users"})
		assert.Equal(t, amerrors.ErrCodeInvalidInput, amerrors.GetCode(err))

		_, err = s.Put(ctx, Item{Kind: KindTimeSeries, Collection: "users", Key: "seg", Parent: "users/404"})
		assert.Equal(t, amerrors.ErrCodeInvalidInput, amerrors.GetCode(err))

		put(t, s, "users", "users/1", nil)
		_, err = s.Put(ctx, Item{Collection: "orders", Key: "users/1"})
		assert.Equal(t, amerrors.ErrCodeInvalidInput, amerrors.GetCode(err))
	})
}

func TestStorage_SubscribersSeeCommittedChanges(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		var mu sync.Mutex
		var seen []changes.Change
		h := s.Subscribe("users", func(c changes.Change) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
		})

		it := put(t, s, "users", "users/1", nil)
		put(t, s, "orders", "orders/1", nil)
		_, err := s.Delete(ctx, KindDocument, "users/1")
		require.NoError(t, err)

		mu.Lock()
		require.Len(t, seen, 2)
		assert.Equal(t, changes.Put, seen[0].Type)
		assert.Equal(t, it.Etag, seen[0].Etag)
		assert.Equal(t, changes.Delete, seen[1].Type)
		mu.Unlock()

		assert.True(t, s.Unsubscribe(h))
	})
}

func TestStorage_ClosedStoreRejectsOperations(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.BeginRead(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Put(context.Background(), Item{Collection: "users", Key: "users/1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLite_RefreshPublishesWritesFromAnotherHandle(t *testing.T) {
	// Given: two handles on the same database, as two processes would have
	dir := t.TempDir()
	server, err := OpenSQLite(dir)
	require.NoError(t, err)
	defer server.Close()
	cli, err := OpenSQLite(dir)
	require.NoError(t, err)
	defer cli.Close()

	var seen []changes.Change
	server.Subscribe("users", func(c changes.Change) { seen = append(seen, c) })

	// When: the other handle writes and the server refreshes
	it := put(t, cli, "users", "users/1", nil)
	n, err := server.Refresh(context.Background())
	require.NoError(t, err)

	// Then: one synthetic change is published, and a second refresh is quiet
	assert.Equal(t, 1, n)
	require.Len(t, seen, 1)
	assert.Equal(t, it.Etag, seen[0].Etag)

	n, err = server.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_DataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(dir)
	require.NoError(t, err)
	put(t, s, "users", "users/1", map[string]any{"age": 31.0})
	require.NoError(t, s.Close())

	s, err = OpenSQLite(dir)
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginRead(context.Background())
	require.NoError(t, err)
	defer tx.Close()
	it, ok, err := tx.Get(KindDocument, "users/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 31.0, it.Data["age"])

	// New etags continue after the persisted counter
	next := put(t, s, "users", "users/2", nil)
	assert.Greater(t, next.Etag, it.Etag)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindDocument, k)

	k, err = ParseKind("timeseries")
	require.NoError(t, err)
	assert.Equal(t, KindTimeSeries, k)

	_, err = ParseKind("blob")
	assert.Error(t, err)
}
