package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/amandb/internal/changes"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
)

// DocumentsFile is the database file name inside the data directory.
const DocumentsFile = "documents.db"

// SQLite is a durable Storage backed by one SQLite database in WAL mode.
// A single writer connection serializes writes; read transactions use a
// separate pool and see the snapshot established when they begin.
type SQLite struct {
	path   string
	writer *sql.DB
	reader *sql.DB

	mu     sync.Mutex
	closed bool

	registry *changes.Registry
	now      func() time.Time

	// published tracks the last etag announced per collection so that
	// Refresh only reports collections that advanced.
	publishedMu sync.Mutex
	published   map[string]uint64
}

// Verify interface implementation at compile time
var _ Storage = (*SQLite)(nil)

// OpenSQLite opens or creates the document database in dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, DocumentsFile)

	// DSN pragmas apply to every pooled connection
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer to prevent lock contention
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	s := &SQLite{
		path:      path,
		writer:    writer,
		registry:  changes.NewRegistry(),
		now:       time.Now,
		published: make(map[string]uint64),
	}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(8)
	s.reader = reader

	if err := s.snapshotPublished(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS etag_counter (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		kind       TEXT NOT NULL,
		key        TEXT NOT NULL,
		collection TEXT NOT NULL,
		etag       INTEGER NOT NULL,
		parent     TEXT NOT NULL DEFAULT '',
		data       TEXT NOT NULL,
		modified   INTEGER NOT NULL,
		PRIMARY KEY (kind, key)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_items_etag ON items(kind, collection, etag);
	CREATE INDEX IF NOT EXISTS idx_items_collection_key ON items(kind, collection, key);
	CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent) WHERE parent <> '';

	CREATE TABLE IF NOT EXISTS tombstones (
		kind       TEXT NOT NULL,
		collection TEXT NOT NULL,
		key        TEXT NOT NULL,
		etag       INTEGER NOT NULL,
		deleted    INTEGER NOT NULL,
		PRIMARY KEY (kind, collection, etag)
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	INSERT OR IGNORE INTO etag_counter (id, value) VALUES (1, 0);
	`
	_, err := s.writer.Exec(schema)
	return err
}

// classify maps driver errors onto coded errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return amerrors.ConflictError(op+": "+msg, err)
	}
	if strings.Contains(msg, "SQLITE_CORRUPT") || strings.Contains(msg, "malformed") {
		return amerrors.New(amerrors.ErrCodeStorageIO, op+": "+msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLite) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BeginRead opens a snapshot read transaction.
func (s *SQLite) BeginRead(ctx context.Context) (ReadTx, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin read", err)
	}
	// The WAL snapshot is taken at the first read, so read now.
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT value FROM etag_counter WHERE id = 1").Scan(&n); err != nil {
		_ = tx.Rollback()
		return nil, classify("begin read", err)
	}
	return &sqliteTx{ctx: ctx, tx: tx}, nil
}

// Put creates or replaces an item.
func (s *SQLite) Put(ctx context.Context, item Item) (Item, error) {
	if item.Kind == "" {
		item.Kind = KindDocument
	}
	if err := validatePut(item); err != nil {
		return Item{}, amerrors.ValidationError(err.Error(), err)
	}
	if s.isClosed() {
		return Item{}, ErrClosed
	}

	data, err := json.Marshal(item.Data)
	if err != nil {
		return Item{}, amerrors.ValidationError("item data is not valid JSON", err)
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, classify("begin write", err)
	}
	defer func() { _ = tx.Rollback() }()

	if item.Kind == KindTimeSeries {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM items WHERE kind = ? AND key = ?",
			string(KindDocument), item.Parent).Scan(&one)
		if err == sql.ErrNoRows {
			return Item{}, amerrors.ValidationError(
				fmt.Sprintf("parent document %s of segment %s does not exist", item.Parent, item.Key), nil)
		}
		if err != nil {
			return Item{}, classify("check parent", err)
		}
	}

	var existing string
	err = tx.QueryRowContext(ctx, "SELECT collection FROM items WHERE kind = ? AND key = ?",
		string(item.Kind), item.Key).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return Item{}, classify("load existing", err)
	case existing != item.Collection:
		return Item{}, amerrors.ValidationError(
			fmt.Sprintf("%s belongs to collection %s, not %s", item.Key, existing, item.Collection), nil)
	}

	etag, err := nextEtag(ctx, tx)
	if err != nil {
		return Item{}, err
	}
	item.Etag = etag
	item.Modified = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (kind, key, collection, etag, parent, data, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			etag = excluded.etag, parent = excluded.parent,
			data = excluded.data, modified = excluded.modified`,
		string(item.Kind), item.Key, item.Collection, int64(etag), item.Parent, string(data), item.Modified.UnixNano())
	if err != nil {
		return Item{}, classify("put item", err)
	}
	if err := tx.Commit(); err != nil {
		return Item{}, classify("commit put", err)
	}

	s.announce(changeFor(changes.Put, item.Kind, item.Collection, item.Key, item.Etag))
	return item, nil
}

// Delete removes an item, cascading to the segments of a document.
func (s *SQLite) Delete(ctx context.Context, kind Kind, key string) ([]Tombstone, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin write", err)
	}
	defer func() { _ = tx.Rollback() }()

	type victim struct{ kind, collection, key string }
	var victims []victim

	var collection string
	err = tx.QueryRowContext(ctx, "SELECT collection FROM items WHERE kind = ? AND key = ?",
		string(kind), key).Scan(&collection)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load existing", err)
	}

	if kind == KindDocument {
		rows, err := tx.QueryContext(ctx,
			"SELECT collection, key FROM items WHERE kind = ? AND parent = ? ORDER BY key",
			string(KindTimeSeries), key)
		if err != nil {
			return nil, classify("load segments", err)
		}
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.collection, &v.key); err != nil {
				_ = rows.Close()
				return nil, classify("scan segment", err)
			}
			v.kind = string(KindTimeSeries)
			victims = append(victims, v)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify("load segments", err)
		}
	}
	victims = append(victims, victim{kind: string(kind), collection: collection, key: key})

	now := s.now().UTC()
	tombs := make([]Tombstone, 0, len(victims))
	for _, v := range victims {
		etag, err := nextEtag(ctx, tx)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE kind = ? AND key = ?", v.kind, v.key); err != nil {
			return nil, classify("delete item", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tombstones (kind, collection, key, etag, deleted) VALUES (?, ?, ?, ?, ?)",
			v.kind, v.collection, v.key, int64(etag), now.UnixNano()); err != nil {
			return nil, classify("write tombstone", err)
		}
		tombs = append(tombs, Tombstone{Kind: Kind(v.kind), Collection: v.collection, Key: v.key, Etag: etag, Deleted: now})
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit delete", err)
	}

	for _, t := range tombs {
		s.announce(changeFor(changes.Delete, t.Kind, t.Collection, t.Key, t.Etag))
	}
	return tombs, nil
}

// PurgeTombstones removes consumed tombstones.
func (s *SQLite) PurgeTombstones(ctx context.Context, kind Kind, collection string, upto uint64) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	res, err := s.writer.ExecContext(ctx,
		"DELETE FROM tombstones WHERE kind = ? AND collection = ? AND etag <= ?",
		string(kind), collection, int64(upto))
	if err != nil {
		return 0, classify("purge tombstones", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Subscribe registers fn for changes of collection.
func (s *SQLite) Subscribe(collection string, fn changes.Func) changes.Handle {
	return s.registry.Subscribe(collection, fn)
}

// Unsubscribe removes a subscription.
func (s *SQLite) Unsubscribe(h changes.Handle) bool {
	return s.registry.Unsubscribe(h)
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if s.reader != nil {
		firstErr = s.reader.Close()
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// announce records and publishes a change made by this process.
func (s *SQLite) announce(c changes.Change) {
	s.publishedMu.Lock()
	k := publishedKey(c.Type, c.Kind, c.Collection)
	if c.Etag > s.published[k] {
		s.published[k] = c.Etag
	}
	s.publishedMu.Unlock()
	s.registry.Publish(c)
}

func publishedKey(t changes.Type, kind, collection string) string {
	return fmt.Sprintf("%d/%s/%s", t, kind, collection)
}

// Refresh publishes a change for every collection whose last item or
// tombstone etag moved past what this process has announced. It picks up
// writes made by other processes sharing the database file.
func (s *SQLite) Refresh(ctx context.Context) (int, error) {
	heads, err := s.heads(ctx)
	if err != nil {
		return 0, err
	}
	var pending []changes.Change
	s.publishedMu.Lock()
	for k, c := range heads {
		if c.Etag > s.published[k] {
			s.published[k] = c.Etag
			pending = append(pending, c)
		}
	}
	s.publishedMu.Unlock()

	for _, c := range pending {
		slog.Debug("external_change_detected",
			slog.String("kind", c.Kind),
			slog.String("collection", c.Collection),
			slog.Uint64("etag", c.Etag))
		s.registry.Publish(c)
	}
	return len(pending), nil
}

func (s *SQLite) snapshotPublished(ctx context.Context) error {
	heads, err := s.heads(ctx)
	if err != nil {
		return err
	}
	s.publishedMu.Lock()
	defer s.publishedMu.Unlock()
	for k, c := range heads {
		s.published[k] = c.Etag
	}
	return nil
}

func (s *SQLite) heads(ctx context.Context) (map[string]changes.Change, error) {
	out := make(map[string]changes.Change)
	queries := []struct {
		t     changes.Type
		query string
	}{
		{changes.Put, "SELECT kind, collection, MAX(etag) FROM items GROUP BY kind, collection"},
		{changes.Delete, "SELECT kind, collection, MAX(etag) FROM tombstones GROUP BY kind, collection"},
	}
	for _, q := range queries {
		rows, err := s.reader.QueryContext(ctx, q.query)
		if err != nil {
			return nil, classify("load heads", err)
		}
		for rows.Next() {
			var kind, collection string
			var etag int64
			if err := rows.Scan(&kind, &collection, &etag); err != nil {
				_ = rows.Close()
				return nil, classify("scan heads", err)
			}
			out[publishedKey(q.t, kind, collection)] = changes.Change{
				Type: q.t, Kind: kind, Collection: collection, Etag: uint64(etag),
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify("load heads", err)
		}
	}
	return out, nil
}

func nextEtag(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var etag int64
	err := tx.QueryRowContext(ctx,
		"UPDATE etag_counter SET value = value + 1 WHERE id = 1 RETURNING value").Scan(&etag)
	if err != nil {
		return 0, classify("allocate etag", err)
	}
	return uint64(etag), nil
}

// sqliteTx is a ReadTx over one deferred SQLite transaction.
type sqliteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	closed atomic.Bool
}

const itemColumns = "kind, key, collection, etag, parent, data, modified"

func (t *sqliteTx) queryItems(query string, args ...any) ([]Item, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, classify("query items", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, classify("query items", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		it       Item
		kind     string
		etag     int64
		data     string
		modified int64
	)
	if err := r.Scan(&kind, &it.Key, &it.Collection, &etag, &it.Parent, &data, &modified); err != nil {
		return Item{}, classify("scan item", err)
	}
	it.Kind = Kind(kind)
	it.Etag = uint64(etag)
	it.Modified = time.Unix(0, modified).UTC()
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &it.Data); err != nil {
			return Item{}, amerrors.New(amerrors.ErrCodeStorageIO, "corrupt item data for "+it.Key, err)
		}
	}
	return it, nil
}

func (t *sqliteTx) ItemsSince(kind Kind, collection string, etag uint64, limit int) Cursor[Item] {
	return newPageCursor(limit, func(last Item, hasLast bool, n int) ([]Item, error) {
		from := etag
		if hasLast {
			from = last.Etag
		}
		return t.queryItems("SELECT "+itemColumns+" FROM items WHERE kind = ? AND collection = ? AND etag > ? ORDER BY etag LIMIT ?",
			string(kind), collection, int64(from), n)
	})
}

func (t *sqliteTx) TombstonesSince(kind Kind, collection string, etag uint64, limit int) Cursor[Tombstone] {
	return newPageCursor(limit, func(last Tombstone, hasLast bool, n int) ([]Tombstone, error) {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		from := etag
		if hasLast {
			from = last.Etag
		}
		rows, err := t.tx.QueryContext(t.ctx,
			"SELECT kind, collection, key, etag, deleted FROM tombstones WHERE kind = ? AND collection = ? AND etag > ? ORDER BY etag LIMIT ?",
			string(kind), collection, int64(from), n)
		if err != nil {
			return nil, classify("query tombstones", err)
		}
		defer rows.Close()

		var out []Tombstone
		for rows.Next() {
			var (
				tomb    Tombstone
				k       string
				e       int64
				deleted int64
			)
			if err := rows.Scan(&k, &tomb.Collection, &tomb.Key, &e, &deleted); err != nil {
				return nil, classify("scan tombstone", err)
			}
			tomb.Kind = Kind(k)
			tomb.Etag = uint64(e)
			tomb.Deleted = time.Unix(0, deleted).UTC()
			out = append(out, tomb)
		}
		return out, classify("query tombstones", rows.Err())
	})
}

func (t *sqliteTx) ItemsByKey(kind Kind, collection, prefix, afterKey string, limit int) Cursor[Item] {
	return newPageCursor(limit, func(last Item, hasLast bool, n int) ([]Item, error) {
		after := afterKey
		if hasLast {
			after = last.Key
		}
		// substr keeps prefix matching literal; LIKE would interpret % and _
		return t.queryItems("SELECT "+itemColumns+` FROM items
			WHERE kind = ? AND collection = ? AND substr(key, 1, ?) = ? AND key > ?
			ORDER BY key LIMIT ?`,
			string(kind), collection, len(prefix), prefix, after, n)
	})
}

func (t *sqliteTx) Get(kind Kind, key string) (Item, bool, error) {
	if t.closed.Load() {
		return Item{}, false, ErrClosed
	}
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+itemColumns+" FROM items WHERE kind = ? AND key = ?", string(kind), key)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, err
	}
	return it, true, nil
}

func (t *sqliteTx) lastEtag(table string, kind Kind, collection string) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	var etag sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT MAX(etag) FROM "+table+" WHERE kind = ? AND collection = ?", string(kind), collection).Scan(&etag)
	if err != nil {
		return 0, classify("last etag", err)
	}
	return uint64(etag.Int64), nil
}

func (t *sqliteTx) LastEtag(kind Kind, collection string) (uint64, error) {
	return t.lastEtag("items", kind, collection)
}

func (t *sqliteTx) LastTombstoneEtag(kind Kind, collection string) (uint64, error) {
	return t.lastEtag("tombstones", kind, collection)
}

func (t *sqliteTx) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.tx.Rollback()
}
