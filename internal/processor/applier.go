package processor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/rzpsarthak13/syncengine/internal/conflict"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
)

// finalizeFunc writes the local outcome of a successful remote write. It
// runs in the same local transaction that removes the operation.
type finalizeFunc func(tx core.Tx) error

func (p *Processor) apply(ctx context.Context, op *core.Operation) (finalizeFunc, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	table, err := p.tables.Table(op.Collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidOperation, err)
	}

	switch op.Type {
	case core.OperationAdd:
		return p.applyAdd(ctx, table, op)
	case core.OperationUpdate:
		rec, err := p.loadRecord(ctx, table, op.LocalID())
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: local record %s/%s", core.ErrNotFound, op.Collection, op.LocalID())
		}
		return p.applyUpdate(ctx, table, op, rec)
	case core.OperationDelete:
		return p.applyDelete(ctx, table, op)
	}
	return nil, fmt.Errorf("%w: unknown type %q", core.ErrInvalidOperation, op.Type)
}

func (p *Processor) loadRecord(ctx context.Context, table *records.Table, id string) (*core.Record, error) {
	if id == "" {
		return nil, nil
	}
	var rec *core.Record
	err := p.store.View(ctx, func(tx core.Tx) error {
		var err error
		rec, err = table.Get(tx, id)
		return err
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", table.Name(), id, err)
	}
	return rec, nil
}

func (p *Processor) applyAdd(ctx context.Context, table *records.Table, op *core.Operation) (finalizeFunc, error) {
	localID := op.LocalID()
	rec, err := p.loadRecord(ctx, table, localID)
	if err != nil {
		return nil, err
	}

	// An earlier pass created the document but did not get to remove the
	// operation. Overwrite instead of creating a duplicate.
	if rec != nil && rec.RemoteID != "" {
		log.Printf("[PROCESSOR] %s/%s already has remote id %s, applying add as update", op.Collection, localID, rec.RemoteID)
		return p.applyUpdate(ctx, table, op, rec)
	}

	updatedAt := op.Timestamp
	if rec != nil && !rec.UpdatedAt.IsZero() {
		updatedAt = rec.UpdatedAt
	}
	doc, err := p.remote.Create(ctx, op.Collection, core.Document{Data: core.CopyData(op.Data), UpdatedAt: updatedAt})
	if err != nil {
		return nil, err
	}
	log.Printf("[PROCESSOR] Created %s/%s remotely as %s", op.Collection, localID, doc.ID)

	if localID == "" {
		return nil, nil
	}
	return func(tx core.Tx) error {
		return p.markSynced(tx, table, op, records.Patch{
			RemoteID: records.String(doc.ID),
			Version:  records.Int64(doc.Version),
		})
	}, nil
}

func (p *Processor) applyUpdate(ctx context.Context, table *records.Table, op *core.Operation, rec *core.Record) (finalizeFunc, error) {
	if rec.RemoteID == "" {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrMissingRemoteID, op.Collection, rec.ID)
	}

	current, err := p.remote.Get(ctx, op.Collection, rec.RemoteID)
	if err != nil {
		return nil, err
	}

	local := rec.Clone()
	local.Data = core.CopyData(op.Data)
	payload := local.Data
	updatedAt := local.UpdatedAt
	remoteWon := false

	if current.Version > rec.Version {
		res := p.resolver.Resolve(current, local)
		payload, updatedAt = res.Data, res.UpdatedAt
		remoteWon = res.Winner == conflict.Remote
		log.Printf("[PROCESSOR] Conflict on %s/%s (remote v%d, local v%d): %s wins",
			op.Collection, rec.ID, current.Version, rec.Version, res.Winner)
	}

	written, err := p.remote.Set(ctx, op.Collection, core.Document{
		ID:        rec.RemoteID,
		Data:      payload,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		return nil, err
	}

	return func(tx core.Tx) error {
		patch := records.Patch{Version: records.Int64(written.Version)}
		if remoteWon {
			patch.Data = payload
			patch.ReplaceData = true
			patch.UpdatedAt = records.Time(updatedAt)
		}
		return p.markSynced(tx, table, op, patch)
	}, nil
}

func (p *Processor) applyDelete(ctx context.Context, table *records.Table, op *core.Operation) (finalizeFunc, error) {
	localID := op.LocalID()
	remoteID := op.RemoteID
	if remoteID == "" {
		rec, err := p.loadRecord(ctx, table, localID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			remoteID = rec.RemoteID
		}
	}

	if remoteID != "" {
		if err := p.remote.Delete(ctx, op.Collection, remoteID); err != nil {
			return nil, err
		}
		log.Printf("[PROCESSOR] Deleted %s/%s remotely (%s)", op.Collection, localID, remoteID)
	} else {
		log.Printf("[PROCESSOR] %s/%s never reached the remote store, nothing to delete", op.Collection, localID)
	}

	return func(tx core.Tx) error {
		other, err := p.queue.HasPendingTx(tx, op.Collection, localID, op.ID)
		if err != nil || other {
			return err
		}
		return table.Delete(tx, localID)
	}, nil
}

// markSynced applies patch and flags the record synced, unless a later
// operation for the same record is still queued, in which case the record
// stays pending.
func (p *Processor) markSynced(tx core.Tx, table *records.Table, op *core.Operation, patch records.Patch) error {
	localID := op.LocalID()
	other, err := p.queue.HasPendingTx(tx, op.Collection, localID, op.ID)
	if err != nil {
		return err
	}
	if other {
		patch.Data = nil
		patch.ReplaceData = false
		patch.UpdatedAt = nil
	} else {
		patch.SyncStatus = records.Status(core.StatusSynced)
		patch.SyncError = records.String("")
	}

	_, err = table.Update(tx, localID, patch)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}
