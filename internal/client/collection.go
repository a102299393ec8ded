package client

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/schema"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// Collection is the handle of one registered collection. Mutations write
// the record optimistically as pending and enqueue the matching operation
// in the same local transaction.
type Collection struct {
	client    *ClientImpl
	name      string
	table     *records.Table
	validator *schema.Validator
}

// Name returns the collection name.
func (col *Collection) Name() string {
	return col.name
}

// Create stores a new record and queues its add. The local id comes from
// the payload's "id" field, or a fresh UUID.
func (col *Collection) Create(ctx context.Context, data map[string]interface{}) (*core.Record, error) {
	if err := col.client.checkOpen(); err != nil {
		return nil, err
	}
	if col.validator != nil {
		if err := col.validator.ValidateCreate(data); err != nil {
			return nil, err
		}
	}

	payload := core.CopyData(data)
	if payload == nil {
		payload = make(map[string]interface{})
	}
	id := core.FormatID(payload["id"])
	if id == "" {
		id = uuid.NewString()
	}

	rec := &core.Record{
		ID:         id,
		SyncStatus: core.StatusPending,
		UpdatedAt:  col.client.now().UTC(),
		Data:       payload,
	}
	err := col.client.store.Update(ctx, func(tx core.Tx) error {
		if err := col.table.Add(tx, rec); err != nil {
			return err
		}
		return col.client.queue.EnqueueTx(tx, core.NewAddOperation(col.name, id, core.CopyData(payload)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", col.name, err)
	}

	log.Printf("[CLIENT] Created %s/%s (pending)", col.name, id)
	col.client.kick()
	return rec.Clone(), nil
}

// Update merges changes into a record and queues the full merged payload.
func (col *Collection) Update(ctx context.Context, id string, changes map[string]interface{}) (*core.Record, error) {
	if err := col.client.checkOpen(); err != nil {
		return nil, err
	}
	if col.validator != nil {
		if err := col.validator.ValidateUpdate(changes); err != nil {
			return nil, err
		}
	}

	var updated *core.Record
	err := col.client.store.Update(ctx, func(tx core.Tx) error {
		rec, err := col.live(tx, id)
		if err != nil {
			return err
		}
		merged := core.MergeData(rec.Data, changes)
		patch := pendingPatch()
		patch.UpdatedAt = records.Time(col.client.now().UTC())
		patch.Data = merged
		patch.ReplaceData = true
		updated, err = col.table.Update(tx, id, patch)
		if err != nil {
			return err
		}
		return col.client.queue.EnqueueTx(tx, core.NewUpdateOperation(col.name, id, core.CopyData(merged)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", col.name, id, err)
	}

	col.client.kick()
	return updated, nil
}

// Delete tombstones a record and queues its delete. The record disappears
// locally once the remote delete succeeds.
func (col *Collection) Delete(ctx context.Context, id string) error {
	if err := col.client.checkOpen(); err != nil {
		return err
	}

	err := col.client.store.Update(ctx, func(tx core.Tx) error {
		rec, err := col.live(tx, id)
		if err != nil {
			return err
		}
		patch := pendingPatch()
		patch.Deleted = records.Bool(true)
		patch.UpdatedAt = records.Time(col.client.now().UTC())
		if _, err := col.table.Update(tx, id, patch); err != nil {
			return err
		}
		return col.client.queue.EnqueueTx(tx, core.NewDeleteOperation(col.name, id, rec.RemoteID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", col.name, id, err)
	}

	col.client.kick()
	return nil
}

// Get returns a record. Tombstoned records are reported as not found.
func (col *Collection) Get(ctx context.Context, id string) (*core.Record, error) {
	if err := col.client.checkOpen(); err != nil {
		return nil, err
	}
	var rec *core.Record
	err := col.client.store.View(ctx, func(tx core.Tx) error {
		var err error
		rec, err = col.live(tx, id)
		return err
	})
	return rec, err
}

// List returns every live record in insertion order.
func (col *Collection) List(ctx context.Context) ([]*core.Record, error) {
	if err := col.client.checkOpen(); err != nil {
		return nil, err
	}
	var recs []*core.Record
	err := col.client.store.View(ctx, func(tx core.Tx) error {
		var err error
		recs, err = col.table.Find(tx, func(r *core.Record) bool { return !r.Deleted })
		return err
	})
	return recs, err
}

// Sync resyncs the collection from the remote store.
func (col *Collection) Sync(ctx context.Context) error {
	if err := col.client.checkOpen(); err != nil {
		return err
	}
	return col.client.listener.Sync(ctx, col.name, col.client.syncOptions(col.name))
}

// Status returns the status of the collection's last merge pass.
func (col *Collection) Status() status.SyncStatus {
	return col.client.listener.Status(col.name)
}

func (col *Collection) live(tx core.Tx, id string) (*core.Record, error) {
	rec, err := col.table.Get(tx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%w: %s/%s is deleted", core.ErrNotFound, col.name, id)
	}
	return rec, nil
}

// pendingPatch flags a record pending and clears its sync error.
func pendingPatch() records.Patch {
	return records.Patch{
		SyncStatus: records.Status(core.StatusPending),
		SyncError:  records.String(""),
	}
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
