package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

func init() {
	RegisterFactory(&memoryFactory{})
}

type memoryFactory struct{}

func (f *memoryFactory) Create(config Config) (core.LocalStore, error) {
	return NewMemoryStore(), nil
}

func (f *memoryFactory) Type() string { return "memory" }

func (f *memoryFactory) Validate(config Config) error { return nil }

var errReadOnly = errors.New("write in read-only transaction")

type memRow struct {
	seq   int64
	value []byte
}

type memTable struct {
	rows    map[string]memRow
	nextSeq int64
}

func (t *memTable) clone() *memTable {
	out := &memTable{rows: make(map[string]memRow, len(t.rows)), nextSeq: t.nextSeq}
	for id, row := range t.rows {
		out.rows[id] = row
	}
	return out
}

// MemoryStore is an in-process core.LocalStore. Transactions are serialized
// and copy-on-write, so a failed Update leaves no trace.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

// EnsureTable declares a table.
func (m *MemoryStore) EnsureTable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = &memTable{rows: make(map[string]memRow)}
	}
	return nil
}

// Update runs fn in a read-write transaction.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}

	tx := &memTx{store: m, dirty: make(map[string]*memTable), writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	for name, t := range tx.dirty {
		m.tables[name] = t
	}
	return nil
}

// View runs fn in a read-only transaction.
func (m *MemoryStore) View(ctx context.Context, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	return fn(&memTx{store: m})
}

// Usage returns the total size of stored keys and values.
func (m *MemoryStore) Usage(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, core.ErrStoreClosed
	}
	var total int64
	for _, t := range m.tables {
		for id, row := range t.rows {
			total += int64(len(id) + len(row.value))
		}
	}
	return total, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	store    *MemoryStore
	dirty    map[string]*memTable
	writable bool
}

func (tx *memTx) read(table string) (*memTable, error) {
	if t, ok := tx.dirty[table]; ok {
		return t, nil
	}
	t, ok := tx.store.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownTable, table)
	}
	return t, nil
}

func (tx *memTx) write(table string) (*memTable, error) {
	if !tx.writable {
		return nil, errReadOnly
	}
	if t, ok := tx.dirty[table]; ok {
		return t, nil
	}
	t, err := tx.read(table)
	if err != nil {
		return nil, err
	}
	c := t.clone()
	tx.dirty[table] = c
	return c, nil
}

func (tx *memTx) Get(table, id string) ([]byte, error) {
	t, err := tx.read(table)
	if err != nil {
		return nil, err
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, table, id)
	}
	return append([]byte(nil), row.value...), nil
}

func (tx *memTx) Put(table, id string, value []byte) error {
	t, err := tx.write(table)
	if err != nil {
		return err
	}
	row, ok := t.rows[id]
	if !ok {
		t.nextSeq++
		row.seq = t.nextSeq
	}
	row.value = append([]byte(nil), value...)
	t.rows[id] = row
	return nil
}

func (tx *memTx) Insert(table string, value []byte) (string, error) {
	t, err := tx.write(table)
	if err != nil {
		return "", err
	}
	t.nextSeq++
	id := FormatSeq(t.nextSeq)
	t.rows[id] = memRow{seq: t.nextSeq, value: append([]byte(nil), value...)}
	return id, nil
}

func (tx *memTx) Delete(table, id string) error {
	if table != core.QueueTable && table != core.LockTable {
		referenced, err := tx.hasPendingOperation(table, id)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("%w: %s/%s has pending sync operations", core.ErrConstraint, table, id)
		}
	}
	t, err := tx.write(table)
	if err != nil {
		return err
	}
	delete(t.rows, id)
	return nil
}

func (tx *memTx) Scan(table string, fn func(id string, value []byte) (bool, error)) error {
	t, err := tx.read(table)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return t.rows[ids[i]].seq < t.rows[ids[j]].seq })

	for _, id := range ids {
		cont, err := fn(id, append([]byte(nil), t.rows[id].value...))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// queueRef is the part of a queued operation the delete guard inspects.
type queueRef struct {
	Collection string               `json:"collection"`
	DocID      string               `json:"docId"`
	Status     core.OperationStatus `json:"status"`
}

func (tx *memTx) hasPendingOperation(table, id string) (bool, error) {
	q, err := tx.read(core.QueueTable)
	if err != nil {
		// No queue declared, nothing can reference the row.
		return false, nil
	}
	for _, row := range q.rows {
		var ref queueRef
		if err := json.Unmarshal(row.value, &ref); err != nil {
			return false, fmt.Errorf("failed to decode queued operation: %w", err)
		}
		if ref.Collection == table && ref.DocID == id && ref.Status == core.OperationPending {
			return true, nil
		}
	}
	return false, nil
}

// FormatSeq renders a store sequence number as an id that sorts in
// insertion order.
func FormatSeq(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}
