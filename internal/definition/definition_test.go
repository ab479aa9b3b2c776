package definition

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
)

func countByCity() *Func {
	return NewFunc("by-city", Source{Collections: []string{"users"}},
		func(_ *MapContext, item storage.Item) ([]Entry, error) {
			city, _ := item.Data["city"].(string)
			return []Entry{{Key: city, Value: Value{"city": city, "count": float64(1)}}}, nil
		},
		func(values []Value) (Value, error) {
			var n float64
			for _, v := range values {
				n += v["count"].(float64)
			}
			return Value{"city": values[0]["city"], "count": n}, nil
		})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"valid", countByCity(), false},
		{"empty name", NewFunc("", Source{Collections: []string{"users"}}, nil, nil), true},
		{"bad name", NewFunc("a/b", Source{Collections: []string{"users"}}, nil, nil), true},
		{"dot name", NewFunc(".lock", Source{Collections: []string{"users"}}, nil, nil), true},
		{"no collections", NewFunc("x", Source{}, nil, nil), true},
		{"bad kind", NewFunc("x", Source{Kind: "blob", Collections: []string{"users"}}, nil, nil), true},
		{"self reference", NewFunc("x", Source{Collections: []string{"users"}}, nil, nil,
			Reference{Collection: "users"}), true},
		{"reference", NewFunc("x", Source{Collections: []string{"orders"}}, nil, nil,
			Reference{Collection: "users"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, amerrors.IsFatal(err), "definition errors are fatal")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRunMap_RecoversPanic(t *testing.T) {
	// Given: a map function that panics
	def := NewFunc("boom", Source{Collections: []string{"users"}},
		func(_ *MapContext, item storage.Item) ([]Entry, error) {
			panic("bad item")
		}, nil)

	// When: running it
	entries, err := RunMap(def, NewMapContext(0), storage.Item{Key: "users/1"})

	// Then: the panic is a per-item map failure
	assert.Nil(t, entries)
	require.Error(t, err)
	assert.Equal(t, amerrors.ErrCodeMapFailed, amerrors.GetCode(err))
	assert.False(t, amerrors.IsFatal(err))
}

func TestRunMap_WrapsPlainErrorsAndKeepsCodedOnes(t *testing.T) {
	plain := NewFunc("plain", Source{Collections: []string{"users"}},
		func(*MapContext, storage.Item) ([]Entry, error) { return nil, errors.New("nope") }, nil)
	_, err := RunMap(plain, NewMapContext(0), storage.Item{Key: "users/1"})
	assert.Equal(t, amerrors.ErrCodeMapFailed, amerrors.GetCode(err))

	fatal := NewFunc("fatal", Source{Collections: []string{"users"}},
		func(*MapContext, storage.Item) ([]Entry, error) {
			return nil, amerrors.New(amerrors.ErrCodeUnsupportedOperation, "unsupported", nil)
		}, nil)
	_, err = RunMap(fatal, NewMapContext(0), storage.Item{Key: "users/1"})
	assert.True(t, amerrors.IsFatal(err))
}

func TestRunMap_RejectsEmptyReduceKey(t *testing.T) {
	def := NewFunc("empty", Source{Collections: []string{"users"}},
		func(*MapContext, storage.Item) ([]Entry, error) { return []Entry{{Key: ""}}, nil }, nil)
	_, err := RunMap(def, NewMapContext(0), storage.Item{Key: "users/1"})
	assert.Equal(t, amerrors.ErrCodeMapFailed, amerrors.GetCode(err))
}

func TestRunReduce_RecoversPanic(t *testing.T) {
	def := NewFunc("boom", Source{Collections: []string{"users"}}, nil,
		func([]Value) (Value, error) { panic("bad reduce") })
	_, err := RunReduce(def, "k", nil)
	assert.Equal(t, amerrors.ErrCodeReduceFailed, amerrors.GetCode(err))
}

func TestMapContext_LoadRecordsMissingReferences(t *testing.T) {
	// Given: a store with one company
	s := storage.NewMemory()
	defer s.Close()
	ctx := context.Background()
	_, err := s.Put(ctx, storage.Item{Collection: "companies", Key: "companies/1", Data: map[string]any{"name": "Acme"}})
	require.NoError(t, err)

	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Close()

	mc := NewMapContext(8)
	mc.Bind(tx)
	mc.beginItem()

	// When: loading an existing and a missing item
	it, ok, err := mc.Load(storage.KindDocument, "companies/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Acme", it.Data["name"])

	_, ok, err = mc.Load("", "companies/404")
	require.NoError(t, err)
	assert.False(t, ok)

	// Then: both are recorded as references
	assert.Equal(t, []RefKey{
		{Kind: storage.KindDocument, Key: "companies/1"},
		{Kind: storage.KindDocument, Key: "companies/404"},
	}, mc.References())

	// And: the next item starts with no references
	mc.beginItem()
	assert.Empty(t, mc.References())
}

func TestMapContext_BindDropsCachedLoads(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()
	ctx := context.Background()
	_, err := s.Put(ctx, storage.Item{Collection: "companies", Key: "companies/1", Data: map[string]any{"name": "Acme"}})
	require.NoError(t, err)

	mc := NewMapContext(8)
	tx1, err := s.BeginRead(ctx)
	require.NoError(t, err)
	mc.Bind(tx1)
	it, _, _ := mc.Load(storage.KindDocument, "companies/1")
	assert.Equal(t, "Acme", it.Data["name"])
	tx1.Close()

	_, err = s.Put(ctx, storage.Item{Collection: "companies", Key: "companies/1", Data: map[string]any{"name": "Globex"}})
	require.NoError(t, err)

	tx2, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer tx2.Close()
	mc.Bind(tx2)
	it, _, _ = mc.Load(storage.KindDocument, "companies/1")
	assert.Equal(t, "Globex", it.Data["name"])
}

func TestCollections(t *testing.T) {
	got := Collections([]Reference{
		{Kind: storage.KindDocument, Collection: "users"},
		{Kind: storage.KindDocument, Collection: "companies"},
		{Kind: storage.KindDocument, Collection: "users"},
		{Kind: storage.KindEntry, Collection: "flags"},
	})
	assert.Equal(t, []string{"companies", "users"}, got[storage.KindDocument])
	assert.Equal(t, []string{"flags"}, got[storage.KindEntry])
}
