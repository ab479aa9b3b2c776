package pulse

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/storage"
)

func seed(t *testing.T, n int) *storage.Memory {
	t.Helper()
	s := storage.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	for i := 0; i < n; i++ {
		_, err := s.Put(context.Background(), storage.Item{Collection: "users", Key: fmt.Sprintf("users/%03d", i)})
		require.NoError(t, err)
	}
	return s
}

// countingPulser reopens the read transaction and counts commits.
type countingPulser struct {
	s       storage.Storage
	tx      storage.ReadTx
	commits []int
	pending int
}

func (p *countingPulser) Pulse(ctx context.Context) (storage.ReadTx, error) {
	p.commits = append(p.commits, p.pending)
	p.pending = 0
	_ = p.tx.Close()
	tx, err := p.s.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	p.tx = tx
	return tx, nil
}

func TestEnumerator_FourThresholdsPlusThree(t *testing.T) {
	const threshold = 10
	s := seed(t, 4*threshold+3)
	ctx := context.Background()

	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	p := &countingPulser{s: s, tx: tx}

	// When: enumerating with the threshold and committing at the end
	e := New(tx, Position{}, threshold, ItemsByEtag(storage.KindDocument, "users"), ItemPosition, p)
	seen := make(map[string]int)
	for e.Next(ctx) {
		seen[e.Value().Key]++
		p.pending++
	}
	require.NoError(t, e.Err())
	require.NoError(t, e.Close())
	p.commits = append(p.commits, p.pending)
	_ = p.tx.Close()

	// Then: four full sub-transactions and one partial of three
	assert.Equal(t, []int{10, 10, 10, 10, 3}, p.commits)
	assert.Equal(t, 4, e.State().Pulses)
	assert.Equal(t, 4*threshold+3, e.State().Consumed)
	require.Len(t, seen, 4*threshold+3)
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
}

func TestEnumerator_ExactMultiplePulsesBeforeEnd(t *testing.T) {
	// Given: twice the threshold of items
	const threshold = 5
	s := seed(t, 2*threshold)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	p := &countingPulser{s: s, tx: tx}

	// When: enumerating to the end
	e := New(tx, Position{}, threshold, ItemsByEtag(storage.KindDocument, "users"), ItemPosition, p)
	for e.Next(ctx) {
		p.pending++
	}
	require.NoError(t, e.Err())
	require.NoError(t, e.Close())
	p.commits = append(p.commits, p.pending)
	_ = p.tx.Close()

	// Then: the second pulse happens before the cursor turns out empty
	assert.Equal(t, []int{5, 5, 0}, p.commits)
	assert.Equal(t, 2, e.State().Pulses)
	assert.Equal(t, 2*threshold, e.State().Consumed)
}

func TestEnumerator_ZeroThresholdNeverPulses(t *testing.T) {
	s := seed(t, 30)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Close()

	e := New(tx, Position{}, 0, ItemsByEtag(storage.KindDocument, "users"), ItemPosition,
		PulserFunc(func(context.Context) (storage.ReadTx, error) {
			t.Fatal("pulse must not be called")
			return nil, nil
		}))
	n := 0
	for e.Next(ctx) {
		n++
	}
	require.NoError(t, e.Err())
	assert.Equal(t, 30, n)
}

func TestEnumerator_ResumesAfterStartPosition(t *testing.T) {
	s := seed(t, 5)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Close() }()

	e := New(tx, Position{Etag: 3}, 2, ItemsByEtag(storage.KindDocument, "users"), ItemPosition, Reopen(s, &tx))
	var keys []string
	for e.Next(ctx) {
		keys = append(keys, e.Value().Key)
	}
	require.NoError(t, e.Err())
	assert.Equal(t, []string{"users/003", "users/004"}, keys)
}

func TestEnumerator_SeesWritesAfterPulse(t *testing.T) {
	// Given: a scan over 4 items pulsing every 2
	s := seed(t, 4)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Close() }()

	e := New(tx, Position{}, 2, ItemsByEtag(storage.KindDocument, "users"), ItemPosition, Reopen(s, &tx))
	var keys []string
	for e.Next(ctx) {
		keys = append(keys, e.Value().Key)
		if len(keys) == 1 {
			// When: a new item is appended mid-scan
			_, err := s.Put(ctx, storage.Item{Collection: "users", Key: "users/new"})
			require.NoError(t, err)
		}
	}
	require.NoError(t, e.Err())

	// Then: the new item lands past the last etag, so the next pulse picks it up
	assert.Equal(t, []string{"users/000", "users/001", "users/002", "users/003", "users/new"}, keys)
}

func TestEnumerator_KeyOrderWithDeletesBehindCursor(t *testing.T) {
	s := seed(t, 20)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Close() }()

	e := New(tx, Position{}, 3, ItemsByKey(storage.KindDocument, "users", "users/"),
		func(it storage.Item) Position { return Position{Key: it.Key} }, Reopen(s, &tx))
	seen := make(map[string]bool)
	for e.Next(ctx) {
		k := e.Value().Key
		require.False(t, seen[k], "duplicate %s", k)
		seen[k] = true
		if k == "users/005" {
			// delete one behind and one ahead of the cursor
			_, err := s.Delete(ctx, storage.KindDocument, "users/002")
			require.NoError(t, err)
			_, err = s.Delete(ctx, storage.KindDocument, "users/015")
			require.NoError(t, err)
		}
	}
	require.NoError(t, e.Err())
	assert.True(t, seen["users/002"])
	assert.False(t, seen["users/015"], "deleted ahead of the cursor after the next pulse")
	assert.Len(t, seen, 19)
}

func TestEnumerator_PulseErrorStops(t *testing.T) {
	s := seed(t, 5)
	ctx := context.Background()
	tx, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Close()

	boom := errors.New("commit failed")
	e := New(tx, Position{}, 2, ItemsByEtag(storage.KindDocument, "users"), ItemPosition,
		PulserFunc(func(context.Context) (storage.ReadTx, error) { return nil, boom }))
	n := 0
	for e.Next(ctx) {
		n++
	}
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, e.Err(), boom)
	assert.Equal(t, Position{Etag: 2, Key: "users/001"}, e.State().Last)
	assert.NoError(t, e.Close())
}

func TestEnumerator_CancelledContextStopsBetweenItems(t *testing.T) {
	s := seed(t, 5)
	tx, err := s.BeginRead(context.Background())
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := New(tx, Position{}, 0, ItemsByEtag(storage.KindDocument, "users"), ItemPosition, nil)
	require.True(t, e.Next(ctx))
	cancel()
	assert.False(t, e.Next(ctx))
	assert.ErrorIs(t, e.Err(), context.Canceled)
	assert.Equal(t, 1, e.State().Consumed)
}
