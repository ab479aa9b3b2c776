package results

import (
	"context"
	"database/sql"

	"github.com/Aman-CERP/amandb/internal/definition"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// Touch names one leaf bucket of a reduce key changed by the map stage.
type Touch struct {
	Key    string
	Bucket int
}

// ReduceFunc reduces the values of one bucket.
type ReduceFunc func(values []definition.Value) (definition.Value, error)

// WriteTx buffers every write of one pulse.
type WriteTx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
	done  bool
}

// ReplaceMapResults stores the map output of a source item, replacing its
// previous output. It returns the leaves dirtied by the change, covering
// both the reduce keys the item used to emit and the ones it emits now.
func (w *WriteTx) ReplaceMapResults(sourceKey string, entries []definition.Entry) ([]Touch, error) {
	touched, err := w.DeleteMapResults(sourceKey)
	if err != nil {
		return nil, err
	}
	bucket := w.store.tree.leafBucket(sourceKey)
	seen := make(map[string]bool, len(touched))
	for _, t := range touched {
		seen[t.Key] = true
	}
	for i, e := range entries {
		raw, err := encodeValue(e.Value)
		if err != nil {
			return nil, err
		}
		if _, err := w.tx.ExecContext(w.ctx,
			"INSERT INTO map_results (source_key, reduce_key, seq, bucket, value) VALUES (?, ?, ?, ?, ?)",
			sourceKey, e.Key, i, bucket, raw); err != nil {
			return nil, classify("insert map result", err)
		}
		if !seen[e.Key] {
			seen[e.Key] = true
			touched = append(touched, Touch{Key: e.Key, Bucket: bucket})
		}
	}
	return touched, nil
}

// DeleteMapResults removes the map output of a source item.
func (w *WriteTx) DeleteMapResults(sourceKey string) ([]Touch, error) {
	rows, err := w.tx.QueryContext(w.ctx,
		"SELECT DISTINCT reduce_key, bucket FROM map_results WHERE source_key = ?", sourceKey)
	if err != nil {
		return nil, classify("load map results", err)
	}
	var touched []Touch
	for rows.Next() {
		var t Touch
		if err := rows.Scan(&t.Key, &t.Bucket); err != nil {
			_ = rows.Close()
			return nil, classify("scan map result", err)
		}
		touched = append(touched, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("load map results", err)
	}
	if len(touched) == 0 {
		return nil, nil
	}
	if _, err := w.tx.ExecContext(w.ctx, "DELETE FROM map_results WHERE source_key = ?", sourceKey); err != nil {
		return nil, classify("delete map results", err)
	}
	return touched, nil
}

// Recompute rebuilds the reduce tree of key along the paths of the given
// leaf buckets and returns the new root value. exists is false when the key
// no longer has any map results. A key without any tree rows is rebuilt
// from all of its leaves.
func (w *WriteTx) Recompute(key string, leaves []int, reduce ReduceFunc) (root definition.Value, exists bool, err error) {
	tree := w.store.tree
	h := keyHash(key)

	dirty := make(bucketSet, len(leaves))
	for _, b := range leaves {
		dirty.add(b)
	}

	var rowsForKey int
	if err := w.tx.QueryRowContext(w.ctx,
		"SELECT COUNT(*) FROM reduce_entries WHERE key_hash = ? AND reduce_key = ?", h, key).Scan(&rowsForKey); err != nil {
		return nil, false, classify("count tree rows", err)
	}
	if rowsForKey == 0 {
		all, err := w.leafBuckets(key)
		if err != nil {
			return nil, false, err
		}
		for _, b := range all {
			dirty.add(b)
		}
	}

	top := tree.rootLevel()
	for level := 0; level <= top; level++ {
		for _, b := range dirty.sorted() {
			var values []definition.Value
			if level == 0 {
				values, err = w.leafValues(key, b)
			} else {
				values, err = w.childValues(h, key, level-1, b*tree.Fanout, (b+1)*tree.Fanout)
			}
			if err != nil {
				return nil, false, err
			}

			if len(values) == 0 {
				if err := w.deleteNode(h, key, level, b); err != nil {
					return nil, false, err
				}
				if level == top {
					root, exists = nil, false
				}
				continue
			}
			v, err := reduce(values)
			if err != nil {
				return nil, false, err
			}
			if err := w.putNode(h, key, level, b, v); err != nil {
				return nil, false, err
			}
			if level == top {
				root, exists = v, true
			}
		}
		dirty = dirty.parents(tree.Fanout)
	}
	return root, exists, nil
}

// DropReduceKey removes the whole tree of key.
func (w *WriteTx) DropReduceKey(key string) error {
	_, err := w.tx.ExecContext(w.ctx,
		"DELETE FROM reduce_entries WHERE key_hash = ? AND reduce_key = ?", keyHash(key), key)
	return classify("drop reduce key", err)
}

func (w *WriteTx) leafBuckets(key string) ([]int, error) {
	rows, err := w.tx.QueryContext(w.ctx,
		"SELECT DISTINCT bucket FROM map_results WHERE reduce_key = ?", key)
	if err != nil {
		return nil, classify("load leaf buckets", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var b int
		if err := rows.Scan(&b); err != nil {
			return nil, classify("scan leaf bucket", err)
		}
		out = append(out, b)
	}
	return out, classify("load leaf buckets", rows.Err())
}

func (w *WriteTx) leafValues(key string, bucket int) ([]definition.Value, error) {
	rows, err := w.tx.QueryContext(w.ctx,
		"SELECT value FROM map_results WHERE reduce_key = ? AND bucket = ? ORDER BY source_key, seq", key, bucket)
	if err != nil {
		return nil, classify("load leaf", err)
	}
	return scanValues(rows)
}

func (w *WriteTx) childValues(h int64, key string, level, from, to int) ([]definition.Value, error) {
	rows, err := w.tx.QueryContext(w.ctx, `
		SELECT value FROM reduce_entries
		WHERE key_hash = ? AND reduce_key = ? AND level = ? AND bucket >= ? AND bucket < ?
		ORDER BY bucket`, h, key, level, from, to)
	if err != nil {
		return nil, classify("load children", err)
	}
	return scanValues(rows)
}

func (w *WriteTx) putNode(h int64, key string, level, bucket int, v definition.Value) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = w.tx.ExecContext(w.ctx, `
		INSERT INTO reduce_entries (key_hash, reduce_key, level, bucket, value) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_hash, reduce_key, level, bucket) DO UPDATE SET value = excluded.value`,
		h, key, level, bucket, raw)
	return classify("put reduce node", err)
}

func (w *WriteTx) deleteNode(h int64, key string, level, bucket int) error {
	_, err := w.tx.ExecContext(w.ctx,
		"DELETE FROM reduce_entries WHERE key_hash = ? AND reduce_key = ? AND level = ? AND bucket = ?",
		h, key, level, bucket)
	return classify("delete reduce node", err)
}

// Checkpoint returns a checkpoint as seen by this transaction.
func (w *WriteTx) Checkpoint(scope Scope, kind storage.Kind, collection string) (uint64, error) {
	return loadCheckpoint(w.ctx, w.tx, scope, kind, collection)
}

// SetCheckpoint advances a checkpoint. Checkpoints never move backwards.
func (w *WriteTx) SetCheckpoint(scope Scope, kind storage.Kind, collection string, etag uint64) error {
	_, err := w.tx.ExecContext(w.ctx, `
		INSERT INTO checkpoints (scope, kind, collection, etag) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, kind, collection) DO UPDATE SET etag = MAX(etag, excluded.etag)`,
		string(scope), string(kind), collection, int64(etag))
	return classify("set checkpoint", err)
}

// SetReferences replaces the items a primary item dereferenced.
func (w *WriteTx) SetReferences(primaryKey string, refs []definition.RefKey) error {
	if err := w.DeleteReferencesFrom(primaryKey); err != nil {
		return err
	}
	for _, r := range refs {
		if _, err := w.tx.ExecContext(w.ctx,
			"INSERT OR IGNORE INTO refs (ref_kind, ref_key, primary_key) VALUES (?, ?, ?)",
			string(r.Kind), r.Key, primaryKey); err != nil {
			return classify("insert reference", err)
		}
	}
	return nil
}

// DeleteReferencesFrom removes every reference held by a primary item.
func (w *WriteTx) DeleteReferencesFrom(primaryKey string) error {
	_, err := w.tx.ExecContext(w.ctx, "DELETE FROM refs WHERE primary_key = ?", primaryKey)
	return classify("delete references", err)
}

// DeleteReferencesTo removes the reverse entries of a deleted referenced item.
func (w *WriteTx) DeleteReferencesTo(kind storage.Kind, refKey string) error {
	_, err := w.tx.ExecContext(w.ctx,
		"DELETE FROM refs WHERE ref_kind = ? AND ref_key = ?", string(kind), refKey)
	return classify("delete reverse references", err)
}

// Referencing returns the primary keys that dereferenced an item.
func (w *WriteTx) Referencing(kind storage.Kind, refKey string) ([]string, error) {
	rows, err := w.tx.QueryContext(w.ctx,
		"SELECT primary_key FROM refs WHERE ref_kind = ? AND ref_key = ? ORDER BY primary_key",
		string(kind), refKey)
	if err != nil {
		return nil, classify("load referencing", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("scan referencing", err)
		}
		out = append(out, k)
	}
	return out, classify("load referencing", rows.Err())
}

// RecordItemError increments the error counter of a source item or reduce key.
func (w *WriteTx) RecordItemError(key, stage, message string) error {
	_, err := w.tx.ExecContext(w.ctx, `
		INSERT INTO item_errors (key, stage, message, count, last_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			stage = excluded.stage, message = excluded.message,
			count = count + 1, last_at = excluded.last_at`,
		key, stage, message, w.store.now().UnixNano())
	return classify("record item error", err)
}

// ClearItemError forgets the error of an item that now maps cleanly.
func (w *WriteTx) ClearItemError(key string) error {
	_, err := w.tx.ExecContext(w.ctx, "DELETE FROM item_errors WHERE key = ?", key)
	return classify("clear item error", err)
}

// SaveState writes the operator state with this pulse.
func (w *WriteTx) SaveState(st PersistedState) error {
	return saveState(w.ctx, w.tx, st)
}

// Commit makes every write of the pulse durable.
func (w *WriteTx) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	return classify("commit", w.tx.Commit())
}

// Rollback discards the pulse. Safe after Commit.
func (w *WriteTx) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.tx.Rollback()
}
