// Package queue implements the durable operation queue kept in the local store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Queue is the ordered log of operations waiting for the remote store.
// Operations are serialized as JSON into the core.QueueTable table.
type Queue struct {
	store core.LocalStore
}

// New creates a queue over store. The store must have core.QueueTable declared.
func New(store core.LocalStore) *Queue {
	return &Queue{store: store}
}

// Enqueue durably appends op with attempts 0 and status pending.
// No reachability check is made.
func (q *Queue) Enqueue(ctx context.Context, op *core.Operation) error {
	return q.store.Update(ctx, func(tx core.Tx) error {
		return q.EnqueueTx(tx, op)
	})
}

// EnqueueTx appends op inside an existing transaction and sets op.ID.
func (q *Queue) EnqueueTx(tx core.Tx, op *core.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	op.Attempts = 0
	op.Status = core.OperationPending
	op.Error = ""
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}
	id, err := tx.Insert(core.QueueTable, raw)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	op.ID = id

	log.Printf("[QUEUE] Enqueued %s on %s/%s (op %s)", op.Type, op.Collection, op.LocalID(), op.ID)
	return nil
}

// ListPending returns every pending operation in insertion order.
func (q *Queue) ListPending(ctx context.Context) ([]*core.Operation, error) {
	return q.list(ctx, core.OperationPending)
}

// ListFailed returns every failed operation in insertion order.
func (q *Queue) ListFailed(ctx context.Context) ([]*core.Operation, error) {
	return q.list(ctx, core.OperationFailed)
}

// Count returns the number of pending operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	ops, err := q.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Get loads one operation.
func (q *Queue) Get(ctx context.Context, id string) (*core.Operation, error) {
	var op *core.Operation
	err := q.store.View(ctx, func(tx core.Tx) error {
		var err error
		op, err = getTx(tx, id)
		return err
	})
	return op, err
}

// Remove deletes a successfully applied operation.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Update(ctx, func(tx core.Tx) error {
		return q.RemoveTx(tx, id)
	})
}

// RemoveTx deletes an operation inside an existing transaction.
func (q *Queue) RemoveTx(tx core.Tx, id string) error {
	if err := tx.Delete(core.QueueTable, id); err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	return nil
}

// HasPendingTx reports whether a pending operation other than exclude
// targets the given record.
func (q *Queue) HasPendingTx(tx core.Tx, collection, docID, exclude string) (bool, error) {
	found := false
	err := tx.Scan(core.QueueTable, func(id string, raw []byte) (bool, error) {
		if id == exclude {
			return true, nil
		}
		op, err := decode(id, raw)
		if err != nil {
			return false, err
		}
		if op.Status == core.OperationPending && op.Collection == collection && op.LocalID() == docID {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// PurgeRecordTx deletes every operation, pending or failed, that targets the
// given record and returns how many were removed.
func (q *Queue) PurgeRecordTx(tx core.Tx, collection, docID string) (int, error) {
	var ids []string
	err := tx.Scan(core.QueueTable, func(id string, raw []byte) (bool, error) {
		op, err := decode(id, raw)
		if err != nil {
			return false, err
		}
		if op.Collection == collection && op.LocalID() == docID {
			ids = append(ids, id)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.RemoveTx(tx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RecordAttempt stores a failed attempt that will be retried.
func (q *Queue) RecordAttempt(ctx context.Context, id string, attempts int, cause error) error {
	return q.modify(ctx, id, func(op *core.Operation) {
		op.Attempts = attempts
		op.Error = errString(cause)
	})
}

// MarkFailed moves an operation to the terminal failed status.
func (q *Queue) MarkFailed(ctx context.Context, id string, attempts int, cause error) error {
	return q.modify(ctx, id, func(op *core.Operation) {
		op.Attempts = attempts
		op.Status = core.OperationFailed
		op.Error = errString(cause)
	})
}

// Retry resets a failed operation to pending with zero attempts.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.modify(ctx, id, func(op *core.Operation) {
		op.Attempts = 0
		op.Status = core.OperationPending
		op.Error = ""
	})
}

// RetryAllFailed resets every failed operation and returns how many were reset.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	count := 0
	err := q.store.Update(ctx, func(tx core.Tx) error {
		count = 0
		var failed []*core.Operation
		err := tx.Scan(core.QueueTable, func(id string, raw []byte) (bool, error) {
			op, err := decode(id, raw)
			if err != nil {
				return false, err
			}
			if op.Status == core.OperationFailed {
				failed = append(failed, op)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, op := range failed {
			op.Attempts = 0
			op.Status = core.OperationPending
			op.Error = ""
			if err := putTx(tx, op); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("[QUEUE] Reset %d failed operations to pending", count)
	}
	return count, nil
}

func (q *Queue) list(ctx context.Context, status core.OperationStatus) ([]*core.Operation, error) {
	var ops []*core.Operation
	err := q.store.View(ctx, func(tx core.Tx) error {
		ops = nil
		return tx.Scan(core.QueueTable, func(id string, raw []byte) (bool, error) {
			op, err := decode(id, raw)
			if err != nil {
				return false, err
			}
			if op.Status == status {
				ops = append(ops, op)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s operations: %w", status, err)
	}
	return ops, nil
}

func (q *Queue) modify(ctx context.Context, id string, fn func(op *core.Operation)) error {
	return q.store.Update(ctx, func(tx core.Tx) error {
		op, err := getTx(tx, id)
		if err != nil {
			return err
		}
		fn(op)
		return putTx(tx, op)
	})
}

func getTx(tx core.Tx, id string) (*core.Operation, error) {
	raw, err := tx.Get(core.QueueTable, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load operation %s: %w", id, err)
	}
	return decode(id, raw)
}

func putTx(tx core.Tx, op *core.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}
	return tx.Put(core.QueueTable, op.ID, raw)
}

func decode(id string, raw []byte) (*core.Operation, error) {
	var op core.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("failed to deserialize operation %s: %w", id, err)
	}
	op.ID = id
	return &op, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
