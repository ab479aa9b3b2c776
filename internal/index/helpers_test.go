package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/definition"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/storage"
)

func testConfig(threshold int) Config {
	cfg := DefaultConfig()
	cfg.PulseThreshold = threshold
	cfg.FailureBackoff = time.Hour
	cfg.Tree = results.TreeConfig{LeafBuckets: 16, Fanout: 4}
	return cfg
}

func openIndex(t *testing.T, s storage.Storage, dir string, def definition.Definition, cfg Config) *Index {
	t.Helper()
	ix, err := Open(cfg, Dependencies{Storage: s, Definition: def, Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func putOrder(t *testing.T, s storage.Storage, id, customer string, amount any) storage.Item {
	t.Helper()
	item, err := s.Put(context.Background(), storage.Item{
		Collection: "orders",
		Key:        "orders/" + id,
		Data:       map[string]any{"customer": customer, "amount": amount},
	})
	require.NoError(t, err)
	return item
}

func putCustomer(t *testing.T, s storage.Storage, id, region string) storage.Item {
	t.Helper()
	item, err := s.Put(context.Background(), storage.Item{
		Collection: "customers",
		Key:        "customers/" + id,
		Data:       map[string]any{"region": region},
	})
	require.NoError(t, err)
	return item
}

func sumTotals(values []definition.Value) (definition.Value, error) {
	var count, total float64
	for _, v := range values {
		count += v["count"].(float64)
		total += v["total"].(float64)
	}
	return definition.Value{"count": count, "total": total}, nil
}

// totalsByCustomer groups orders by customer, failing on a non-numeric
// amount.
func totalsByCustomer(name string, calls *atomic.Int64) *definition.Func {
	return definition.NewFunc(name, definition.Source{Collections: []string{"orders"}},
		func(_ *definition.MapContext, item storage.Item) ([]definition.Entry, error) {
			if calls != nil {
				calls.Add(1)
			}
			amount, ok := item.Data["amount"].(float64)
			if !ok {
				return nil, fmt.Errorf("amount of %s is not a number", item.Key)
			}
			customer, _ := item.Data["customer"].(string)
			return []definition.Entry{{
				Key:   customer,
				Value: definition.Value{"count": 1.0, "total": amount},
			}}, nil
		}, sumTotals)
}

// totalsByRegion groups orders by the region of their customer.
func totalsByRegion(name string, calls *atomic.Int64) *definition.Func {
	return definition.NewFunc(name, definition.Source{Collections: []string{"orders"}},
		func(mc *definition.MapContext, item storage.Item) ([]definition.Entry, error) {
			if calls != nil {
				calls.Add(1)
			}
			customer, _ := item.Data["customer"].(string)
			region := "unknown"
			c, ok, err := mc.Load(storage.KindDocument, "customers/"+customer)
			if err != nil {
				return nil, err
			}
			if ok {
				region, _ = c.Data["region"].(string)
			}
			amount, _ := item.Data["amount"].(float64)
			return []definition.Entry{{
				Key:   region,
				Value: definition.Value{"count": 1.0, "total": amount},
			}}, nil
		}, sumTotals,
		definition.Reference{Kind: storage.KindDocument, Collection: "customers"})
}

func putSegment(t *testing.T, s storage.Storage, parent, key string, values ...float64) {
	t.Helper()
	raw := make([]any, len(values))
	for i, v := range values {
		raw[i] = v
	}
	_, err := s.Put(context.Background(), storage.Item{
		Kind:       storage.KindTimeSeries,
		Collection: "users",
		Key:        key,
		Parent:     parent,
		Data:       map[string]any{"values": raw},
	})
	require.NoError(t, err)
}

// heartRateByUser sums segment values per parent document.
func heartRateByUser(name string) *definition.Func {
	return definition.NewFunc(name, definition.Source{Kind: storage.KindTimeSeries, Collections: []string{"users"}},
		func(_ *definition.MapContext, item storage.Item) ([]definition.Entry, error) {
			values, _ := item.Data["values"].([]any)
			var total float64
			for _, v := range values {
				f, _ := v.(float64)
				total += f
			}
			return []definition.Entry{{
				Key:   item.Parent,
				Value: definition.Value{"count": float64(len(values)), "total": total},
			}}, nil
		}, sumTotals)
}

type expected map[string]definition.Value

func (e expected) add(key string, amount float64) {
	v, ok := e[key]
	if !ok {
		v = definition.Value{"count": 0.0, "total": 0.0}
		e[key] = v
	}
	v["count"] = v["count"].(float64) + 1
	v["total"] = v["total"].(float64) + amount
}

func entriesOf(t *testing.T, ix *Index) map[string]definition.Value {
	t.Helper()
	entries, err := ix.Entries(context.Background(), "", 0)
	require.NoError(t, err)
	out := make(map[string]definition.Value, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out
}

func runBatch(t *testing.T, ix *Index) BatchStats {
	t.Helper()
	stats, err := ix.RunBatch(context.Background())
	require.NoError(t, err)
	return stats
}
