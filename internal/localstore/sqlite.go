package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

func init() {
	RegisterFactory(&sqliteFactory{})
}

type sqliteFactory struct{}

func (f *sqliteFactory) Create(config Config) (core.LocalStore, error) {
	return NewSQLiteStore(config.Path, config.BusyTimeout)
}

func (f *sqliteFactory) Type() string { return "sqlite" }

func (f *sqliteFactory) Validate(config Config) error {
	if config.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// Every table lives in store_rows keyed by (tbl, id). seq preserves insertion
// order. The trigger rejects deleting a collection row while a pending
// queued operation still references it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS store_tables (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS store_rows (
		seq   INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl   TEXT NOT NULL REFERENCES store_tables(name),
		id    TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (tbl, id)
	)`,
	`CREATE TRIGGER IF NOT EXISTS store_rows_pending_guard
	BEFORE DELETE ON store_rows
	WHEN OLD.tbl NOT IN ('syncQueue', 'syncLocks') AND EXISTS (
		SELECT 1 FROM store_rows q
		WHERE q.tbl = 'syncQueue'
		  AND json_extract(q.value, '$.collection') = OLD.tbl
		  AND json_extract(q.value, '$.docId') = OLD.id
		  AND json_extract(q.value, '$.status') = 'pending'
	)
	BEGIN
		SELECT RAISE(ABORT, 'record has pending sync operations');
	END`,
}

// SQLiteStore is a core.LocalStore on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes transactions inside this process; the busy
	// timeout covers other processes sharing the file.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set schema version: %w", err)
	}

	log.Printf("[SQLITE] Opened local store at %s", path)
	return &SQLiteStore{db: db, path: path}, nil
}

// EnsureTable declares a table.
func (s *SQLiteStore) EnsureTable(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO store_tables(name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("failed to declare table %s: %w", name, translate(err))
	}
	return nil
}

// Update runs fn in a read-write transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx core.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx core.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(tx core.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translate(err))
	}

	tx := &sqliteTx{ctx: ctx, tx: sqlTx, readOnly: readOnly, known: make(map[string]bool)}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Printf("[SQLITE] Rollback failed: %v", rbErr)
		}
		return err
	}

	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}
	return nil
}

// Usage returns page_count * page_size.
func (s *SQLiteStore) Usage(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pages * pageSize, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	return nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
	known    map[string]bool
}

func (t *sqliteTx) checkTable(table string) error {
	if t.known[table] {
		return nil
	}
	var name string
	err := t.tx.QueryRowContext(t.ctx, `SELECT name FROM store_tables WHERE name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrUnknownTable, table)
	}
	if err != nil {
		return translate(err)
	}
	t.known[table] = true
	return nil
}

func (t *sqliteTx) checkWritable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *sqliteTx) Get(table, id string) ([]byte, error) {
	if err := t.checkTable(table); err != nil {
		return nil, err
	}
	var value string
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM store_rows WHERE tbl = ? AND id = ?`, table, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, translate(err))
	}
	return []byte(value), nil
}

func (t *sqliteTx) Put(table, id string, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := t.checkTable(table); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO store_rows(tbl, id, value) VALUES (?, ?, ?)
		 ON CONFLICT(tbl, id) DO UPDATE SET value = excluded.value`,
		table, id, string(value))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, id, translate(err))
	}
	return nil
}

func (t *sqliteTx) Insert(table string, value []byte) (string, error) {
	if err := t.checkWritable(); err != nil {
		return "", err
	}
	if err := t.checkTable(table); err != nil {
		return "", err
	}

	// The row id is derived from the AUTOINCREMENT seq, which is only known
	// after the insert.
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO store_rows(tbl, id, value) VALUES (?, '#pending-' || hex(randomblob(8)), ?)`,
		table, string(value))
	if err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", table, translate(err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read insert id: %w", err)
	}
	id := FormatSeq(seq)
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE store_rows SET id = ? WHERE seq = ?`, id, seq); err != nil {
		return "", fmt.Errorf("failed to assign id in %s: %w", table, translate(err))
	}
	return id, nil
}

func (t *sqliteTx) Delete(table, id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := t.checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM store_rows WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, translate(err))
	}
	return nil
}

func (t *sqliteTx) Scan(table string, fn func(id string, value []byte) (bool, error)) error {
	if err := t.checkTable(table); err != nil {
		return err
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id, value FROM store_rows WHERE tbl = ? ORDER BY seq`, table)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", table, translate(err))
	}

	// Materialize first: the single connection cannot serve statements
	// issued by fn while rows is still open.
	type kv struct {
		id    string
		value string
	}
	var all []kv
	for rows.Next() {
		var r kv
		if err := rows.Scan(&r.id, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to read row from %s: %w", table, err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to scan %s: %w", table, translate(err))
	}
	rows.Close()

	for _, r := range all {
		cont, err := fn(r.id, []byte(r.value))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// translate maps SQLite constraint failures onto core.ErrConstraint.
func translate(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %v", core.ErrConstraint, err)
		}
	}
	return err
}
