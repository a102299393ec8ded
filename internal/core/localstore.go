package core

import (
	"context"
)

// Reserved local tables.
const (
	// QueueTable holds the operation queue.
	QueueTable = "syncQueue"

	// LockTable holds the queue-processor lock.
	LockTable = "syncLocks"
)

// LocalStore defines the durable, transactional local database the engine
// persists records, queued operations and the processor lock in.
// Implementations include SQLite and an in-memory store.
type LocalStore interface {
	// EnsureTable declares a table. Tx operations against undeclared tables
	// fail with ErrUnknownTable.
	EnsureTable(ctx context.Context, name string) error

	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Usage estimates the bytes currently used by the store.
	Usage(ctx context.Context) (int64, error)

	// Close releases the store. Further calls return ErrStoreClosed.
	Close() error
}

// Tx is a transaction over the local tables. Values are opaque JSON blobs.
type Tx interface {
	// Get returns the value for id, or ErrNotFound.
	Get(table, id string) ([]byte, error)

	// Put inserts or replaces the value for id. Replacing keeps the row's
	// original insertion position.
	Put(table, id string, value []byte) error

	// Insert stores value under a store-assigned id that sorts after every
	// id previously assigned in the same table.
	Insert(table string, value []byte) (string, error)

	// Delete removes id. Deleting a missing row is not an error. Deleting a
	// collection row that a pending queued operation references fails with
	// ErrConstraint.
	Delete(table, id string) error

	// Scan visits rows in insertion order until fn returns false or an error.
	Scan(table string, fn func(id string, value []byte) (bool, error)) error
}
