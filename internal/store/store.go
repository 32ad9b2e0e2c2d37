// Package store implements the persistent, schema-hash-namespaced storage
// layout over a sorted key-value store: the four logical sublevels
// (values, freshness, inputs, revdeps) and an atomic multi-sublevel batch.
//
// The contract is a generic sorted-key embedded store with nested
// namespaces and atomic multi-namespace batches; this implementation backs
// it with a single SQLite database via modernc.org/sqlite, the pure-Go
// driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"depgraph/internal/depgrapherr"
)

// Sublevel names the four per-schema-hash logical namespaces.
type Sublevel string

const (
	Values    Sublevel = "values"
	Freshness Sublevel = "freshness"
	Inputs    Sublevel = "inputs"
	Revdeps   Sublevel = "revdeps"
)

// RevdepSeparator joins an input key and a dependent key into one revdeps
// row key. It is the ASCII Unit Separator. It can occur in a canonical node
// key only inside a quoted string constant, and no canonical key is followed
// by it as the start of a longer canonical key, so "<input>\x1f" prefixes
// are unambiguous and no escaping is required.
const RevdepSeparator = "\x1f"

// OpType distinguishes a put from a delete in a batch.
type OpType int

const (
	OpPut OpType = iota
	OpDel
)

// Op is one write within a Batch: a put or delete against one sublevel of
// one schema's storage.
type Op struct {
	Type     OpType
	Sublevel Sublevel
	Key      string
	Value    []byte // valid when Type == OpPut
}

// Store is the facade a schema hash's storage is scoped through. All keys
// passed to Get/GetString/Keys and carried by batch Ops are bare canonical keys (or, for Revdeps,
// composite "<input>\x1f<dependent>" keys); the schema hash is baked in at
// construction.
type Store struct {
	db         *sql.DB
	schemaHash string
	batches    int64 // atomic counter: committed Tx count, for the "single batch per set" property test
	log        *zap.SugaredLogger
}

// Open opens (or creates) a SQLite database at path and returns a handle
// scoped to schemaHash. Use ":memory:" for an ephemeral in-process store
// (the default test fixture). log may be nil.
func Open(path, schemaHash string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &depgrapherr.StorageError{Op: "open", Err: err}
	}
	// An in-memory SQLite database is private to the connection that
	// created it; without pinning the pool to one connection, a Get on a
	// second pooled connection would see an empty database even right
	// after a committed Batch. A real on-disk database doesn't need this,
	// but pinning it there too keeps behavior uniform and costs nothing
	// since the engine already serializes writes per node.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, schemaHash: schemaHash, log: log}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugw("store opened", "path", path, "schema_hash", schemaHash)
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS values_tbl (schema_hash TEXT NOT NULL, key TEXT NOT NULL, value BLOB NOT NULL, PRIMARY KEY (schema_hash, key))`,
		`CREATE TABLE IF NOT EXISTS freshness_tbl (schema_hash TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL, PRIMARY KEY (schema_hash, key))`,
		`CREATE TABLE IF NOT EXISTS inputs_tbl (schema_hash TEXT NOT NULL, key TEXT NOT NULL, value BLOB NOT NULL, PRIMARY KEY (schema_hash, key))`,
		`CREATE TABLE IF NOT EXISTS revdeps_tbl (schema_hash TEXT NOT NULL, key TEXT NOT NULL, PRIMARY KEY (schema_hash, key))`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &depgrapherr.StorageError{Op: "init schema", Err: err}
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func tableFor(sl Sublevel) string {
	switch sl {
	case Values:
		return "values_tbl"
	case Freshness:
		return "freshness_tbl"
	case Inputs:
		return "inputs_tbl"
	case Revdeps:
		return "revdeps_tbl"
	default:
		panic(fmt.Sprintf("store: unknown sublevel %q", sl))
	}
}

// Get fetches the raw value stored at key within sublevel. ok is false if
// the key does not exist.
func (s *Store) Get(ctx context.Context, sl Sublevel, key string) (value []byte, ok bool, err error) {
	table := tableFor(sl)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE schema_hash = ? AND key = ?", table), s.schemaHash, key)
	var v []byte
	if scanErr := row.Scan(&v); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &depgrapherr.StorageError{Op: "get", Err: scanErr}
	}
	return v, true, nil
}

// GetString is a convenience wrapper for sublevels (Freshness) whose stored
// value is a short UTF-8 string rather than a JSON blob.
func (s *Store) GetString(ctx context.Context, sl Sublevel, key string) (string, bool, error) {
	v, ok, err := s.Get(ctx, sl, key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// HasRevdep reports whether the edge "<input>RevdepSeparator<dependent>"
// exists.
func (s *Store) HasRevdep(ctx context.Context, input, dependent string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM revdeps_tbl WHERE schema_hash = ? AND key = ?", s.schemaHash, RevdepKey(input, dependent))
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, &depgrapherr.StorageError{Op: "has-revdep", Err: err}
	}
	return true, nil
}

// DependentsOf returns every dependent key reachable directly via a revdeps
// edge from input, in lexicographic order of the composite row key. It scans
// all revdeps rows for this schema and filters by prefix in Go rather than
// relying on a SQL range or GLOB pattern, since a quoted string constant in
// a key may itself contain bytes that are meaningful to GLOB wildcards.
func (s *Store) DependentsOf(ctx context.Context, input string) ([]string, error) {
	prefix := input + RevdepSeparator
	all, err := s.Keys(ctx, Revdeps)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

// Keys returns every key present in sublevel, in lexicographic order,
// satisfying the sorted-iterator requirement of the store contract.
func (s *Store) Keys(ctx context.Context, sl Sublevel) ([]string, error) {
	table := tableFor(sl)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT key FROM %s WHERE schema_hash = ? ORDER BY key", table), s.schemaHash)
	if err != nil {
		return nil, &depgrapherr.StorageError{Op: "keys", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &depgrapherr.StorageError{Op: "keys scan", Err: err}
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevdepKey builds the composite "<input><sep><dependent>" row key.
func RevdepKey(input, dependent string) string {
	return input + RevdepSeparator + dependent
}

// Batch commits ops as a single atomic unit: either all become visible or
// none do. Every externally observable state change made by the evaluator
// is exactly one call to Batch.
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &depgrapherr.StorageError{Op: "batch begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, op := range ops {
		table := tableFor(op.Sublevel)
		switch op.Type {
		case OpPut:
			if op.Sublevel == Revdeps {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s (schema_hash, key) VALUES (?, ?)", table), s.schemaHash, op.Key); err != nil {
					return &depgrapherr.StorageError{Op: "batch put revdep", Err: err}
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s (schema_hash, key, value) VALUES (?, ?, ?)", table), s.schemaHash, op.Key, op.Value); err != nil {
				return &depgrapherr.StorageError{Op: "batch put", Err: err}
			}
		case OpDel:
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE schema_hash = ? AND key = ?", table), s.schemaHash, op.Key); err != nil {
				return &depgrapherr.StorageError{Op: "batch del", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &depgrapherr.StorageError{Op: "batch commit", Err: err}
	}
	committed = true
	n := atomic.AddInt64(&s.batches, 1)
	if s.log != nil {
		s.log.Debugw("batch committed", "ops", len(ops), "total_batches", n)
	}
	return nil
}

// BatchCount returns the number of batches committed so far, for the
// externally-observable "one batch per set" property test.
func (s *Store) BatchCount() int64 {
	return atomic.LoadInt64(&s.batches)
}

// MarshalValue JSON-encodes v for storage in the Values or Inputs sublevel.
func MarshalValue(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &depgrapherr.StorageError{Op: "marshal", Err: err}
	}
	return b, nil
}

// UnmarshalValue decodes a Values-sublevel blob into v.
func UnmarshalValue(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return &depgrapherr.StorageError{Op: "unmarshal", Err: err}
	}
	return nil
}
