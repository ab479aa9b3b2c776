// Package results persists the state of one index: map results, the
// bucketed reduce tree, per-collection checkpoints, the reverse reference
// index, per-item errors and the operator state.
//
// Each index owns one SQLite database. Every stage write of a pulse goes
// through a single WriteTx that is committed together with the advanced
// checkpoints, so a pulse either lands completely or not at all.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
)

const (
	// DefaultLeafBuckets is the number of leaf buckets per reduce key.
	DefaultLeafBuckets = 1024
	// DefaultFanout is the number of child buckets merged into one parent.
	DefaultFanout = 32
)

// Scope names what a checkpoint tracks.
type Scope string

const (
	// ScopeMap tracks source items consumed by the map stage.
	ScopeMap Scope = "map"
	// ScopeTombstones tracks source tombstones consumed by cleanup.
	ScopeTombstones Scope = "tombstones"
	// ScopeReferences tracks referenced items consumed by the resolver.
	ScopeReferences Scope = "references"
	// ScopeReferenceTombstones tracks referenced tombstones.
	ScopeReferenceTombstones Scope = "reference_tombstones"
)

// TreeConfig shapes the reduce tree.
type TreeConfig struct {
	LeafBuckets int `yaml:"leaf_buckets" json:"leaf_buckets"`
	Fanout      int `yaml:"fanout" json:"fanout"`
}

// DefaultTreeConfig returns the default tree shape.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{LeafBuckets: DefaultLeafBuckets, Fanout: DefaultFanout}
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.LeafBuckets <= 0 {
		c.LeafBuckets = DefaultLeafBuckets
	}
	if c.Fanout < 2 {
		c.Fanout = DefaultFanout
	}
	return c
}

// Checkpoint is the last etag of a collection incorporated into the index.
type Checkpoint struct {
	Scope      Scope        `json:"scope"`
	Kind       storage.Kind `json:"kind"`
	Collection string       `json:"collection"`
	Etag       uint64       `json:"etag"`
}

// ItemError is the failure record of one source item or reduce key.
type ItemError struct {
	Key     string    `json:"key"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Count   int       `json:"count"`
	LastAt  time.Time `json:"last_at"`
}

// PersistedState is the operator state saved with the index.
type PersistedState struct {
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int64  `json:"attempts"`
	Failures int64  `json:"failures"`
}

// Entry is one committed reduce result.
type Entry struct {
	Key   string           `json:"key"`
	Value definition.Value `json:"value"`
}

// Store is the result store of one index.
type Store struct {
	db   *sql.DB
	path string
	tree TreeConfig
	now  func() time.Time
}

// Path returns the database file of index name inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// Open opens or creates the result store of index name inside dir.
// An existing file that fails the integrity check yields a corrupt-index
// error and is left untouched for the operator.
func Open(dir, name string, tree TreeConfig) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	path := Path(dir, name)
	if err := validateIntegrity(path); err != nil {
		return nil, amerrors.CorruptError(fmt.Sprintf("result store of index %s is corrupt", name), err).
			WithDetail("path", path)
	}

	// Pragmas go in the DSN so that every pooled connection gets them
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The run loop is the only writer; status and query reads use WAL
	// snapshots on the other connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, tree: tree.withDefaults(), now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Remove deletes the result store files of index name.
func Remove(dir, name string) error {
	path := Path(dir, name)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS map_results (
		source_key TEXT NOT NULL,
		reduce_key TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		bucket     INTEGER NOT NULL,
		value      TEXT NOT NULL,
		PRIMARY KEY (source_key, reduce_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_map_results_bucket ON map_results(reduce_key, bucket);

	CREATE TABLE IF NOT EXISTS reduce_entries (
		key_hash   INTEGER NOT NULL,
		reduce_key TEXT NOT NULL,
		level      INTEGER NOT NULL,
		bucket     INTEGER NOT NULL,
		value      TEXT NOT NULL,
		PRIMARY KEY (key_hash, reduce_key, level, bucket)
	);
	CREATE INDEX IF NOT EXISTS idx_reduce_entries_level ON reduce_entries(level, reduce_key);

	CREATE TABLE IF NOT EXISTS checkpoints (
		scope      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		collection TEXT NOT NULL,
		etag       INTEGER NOT NULL,
		PRIMARY KEY (scope, kind, collection)
	);

	CREATE TABLE IF NOT EXISTS refs (
		ref_kind    TEXT NOT NULL,
		ref_key     TEXT NOT NULL,
		primary_key TEXT NOT NULL,
		PRIMARY KEY (ref_kind, ref_key, primary_key)
	);
	CREATE INDEX IF NOT EXISTS idx_refs_primary ON refs(primary_key);

	CREATE TABLE IF NOT EXISTS item_errors (
		key     TEXT PRIMARY KEY,
		stage   TEXT NOT NULL,
		message TEXT NOT NULL,
		count   INTEGER NOT NULL,
		last_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_state (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		state    TEXT NOT NULL,
		error    TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Tree returns the reduce tree shape.
func (s *Store) Tree() TreeConfig {
	return s.tree
}

// Begin starts the write transaction of one pulse.
func (s *Store) Begin(ctx context.Context) (*WriteTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin", err)
	}
	return &WriteTx{ctx: ctx, tx: tx, store: s}, nil
}

// Query returns the committed reduce result of key.
func (s *Store) Query(ctx context.Context, key string) (definition.Value, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM reduce_entries WHERE key_hash = ? AND reduce_key = ? AND level = ? AND bucket = 0",
		keyHash(key), key, s.tree.rootLevel()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("query", err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Entries returns committed reduce results in key order, starting after
// afterKey. A limit of 0 returns all.
func (s *Store) Entries(ctx context.Context, afterKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT reduce_key, value FROM reduce_entries WHERE level = ? AND reduce_key > ? ORDER BY reduce_key LIMIT ?",
		s.tree.rootLevel(), afterKey, limit)
	if err != nil {
		return nil, classify("entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.Key, &raw); err != nil {
			return nil, classify("scan entry", err)
		}
		if e.Value, err = decodeValue(raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify("entries", rows.Err())
}

// MapValues returns the stored map results of reduce key.
func (s *Store) MapValues(ctx context.Context, key string) ([]definition.Value, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT value FROM map_results WHERE reduce_key = ? ORDER BY source_key, seq", key)
	if err != nil {
		return nil, classify("map values", err)
	}
	return scanValues(rows)
}

// ReduceKeys returns every reduce key that has map results.
func (s *Store) ReduceKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT reduce_key FROM map_results ORDER BY reduce_key")
	if err != nil {
		return nil, classify("reduce keys", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("scan reduce key", err)
		}
		out = append(out, k)
	}
	return out, classify("reduce keys", rows.Err())
}

// Checkpoints returns every stored checkpoint.
func (s *Store) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT scope, kind, collection, etag FROM checkpoints ORDER BY scope, kind, collection")
	if err != nil {
		return nil, classify("checkpoints", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		var scope, kind string
		var etag int64
		if err := rows.Scan(&scope, &kind, &c.Collection, &etag); err != nil {
			return nil, classify("scan checkpoint", err)
		}
		c.Scope, c.Kind, c.Etag = Scope(scope), storage.Kind(kind), uint64(etag)
		out = append(out, c)
	}
	return out, classify("checkpoints", rows.Err())
}

// Checkpoint returns one committed checkpoint, 0 when absent.
func (s *Store) Checkpoint(ctx context.Context, scope Scope, kind storage.Kind, collection string) (uint64, error) {
	return loadCheckpoint(ctx, s.db, scope, kind, collection)
}

// ItemErrors returns the recorded item errors, most recent first.
func (s *Store) ItemErrors(ctx context.Context, limit int) ([]ItemError, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, stage, message, count, last_at FROM item_errors ORDER BY last_at DESC, key LIMIT ?", limit)
	if err != nil {
		return nil, classify("item errors", err)
	}
	defer rows.Close()
	var out []ItemError
	for rows.Next() {
		var e ItemError
		var last int64
		if err := rows.Scan(&e.Key, &e.Stage, &e.Message, &e.Count, &last); err != nil {
			return nil, classify("scan item error", err)
		}
		e.LastAt = time.Unix(0, last).UTC()
		out = append(out, e)
	}
	return out, classify("item errors", rows.Err())
}

// State returns the persisted operator state. ok is false for a new store.
func (s *Store) State(ctx context.Context) (PersistedState, bool, error) {
	var st PersistedState
	err := s.db.QueryRowContext(ctx,
		"SELECT state, error, attempts, failures FROM index_state WHERE id = 1").
		Scan(&st.State, &st.Error, &st.Attempts, &st.Failures)
	if err == sql.ErrNoRows {
		return PersistedState{}, false, nil
	}
	if err != nil {
		return PersistedState{}, false, classify("load state", err)
	}
	return st, true, nil
}

// SaveState writes the operator state outside of a pulse.
func (s *Store) SaveState(ctx context.Context, st PersistedState) error {
	return saveState(ctx, s.db, st)
}

// Wipe removes every result, checkpoint, reference and error. The operator
// state is kept.
func (s *Store) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin wipe", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"map_results", "reduce_entries", "checkpoints", "refs", "item_errors"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return classify("wipe "+table, err)
		}
	}
	return classify("commit wipe", tx.Commit())
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCheckpoint(ctx context.Context, q execer, scope Scope, kind storage.Kind, collection string) (uint64, error) {
	var etag int64
	err := q.QueryRowContext(ctx,
		"SELECT etag FROM checkpoints WHERE scope = ? AND kind = ? AND collection = ?",
		string(scope), string(kind), collection).Scan(&etag)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify("load checkpoint", err)
	}
	return uint64(etag), nil
}

func saveState(ctx context.Context, q execer, st PersistedState) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO index_state (id, state, error, attempts, failures) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state, error = excluded.error,
			attempts = excluded.attempts, failures = excluded.failures`,
		st.State, st.Error, st.Attempts, st.Failures)
	return classify("save state", err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return amerrors.ConflictError(op+": "+msg, err)
	}
	if strings.Contains(msg, "SQLITE_CORRUPT") || strings.Contains(msg, "malformed") {
		return amerrors.CorruptError(op+": "+msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func encodeValue(v definition.Value) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", amerrors.New(amerrors.ErrCodeMapFailed, "value is not serializable", err)
	}
	return string(b), nil
}

func decodeValue(raw string) (definition.Value, error) {
	var v definition.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, amerrors.CorruptError("stored value is not valid JSON", err)
	}
	return v, nil
}

func scanValues(rows *sql.Rows) ([]definition.Value, error) {
	defer rows.Close()
	var out []definition.Value
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, classify("scan value", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, classify("scan values", rows.Err())
}
