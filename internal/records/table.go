// Package records provides typed access to collection tables in a core.Tx.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Table is a typed handle over one collection table.
type Table struct {
	name string
}

// NewTable returns a handle for the named collection.
func NewTable(name string) *Table {
	return &Table{name: name}
}

// Name returns the collection name.
func (t *Table) Name() string {
	return t.name
}

// Patch is a partial-field update. Nil fields are left untouched.
type Patch struct {
	RemoteID   *string
	SyncStatus *core.SyncStatus
	SyncError  *string
	UpdatedAt  *time.Time
	Version    *int64
	Deleted    *bool

	// Data is merged key by key into the record's data, or replaces it
	// entirely when ReplaceData is set.
	Data        map[string]interface{}
	ReplaceData bool
}

// Get loads a record by local id. Returns core.ErrNotFound when absent.
func (t *Table) Get(tx core.Tx, id string) (*core.Record, error) {
	raw, err := tx.Get(t.name, id)
	if err != nil {
		return nil, err
	}
	return decode(id, raw)
}

// Add inserts a new record. It fails when the id is already taken.
func (t *Table) Add(tx core.Tx, rec *core.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record id is required", core.ErrValidation)
	}
	if _, err := tx.Get(t.name, rec.ID); err == nil {
		return fmt.Errorf("%w: record %s already exists in %s", core.ErrValidation, rec.ID, t.name)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return t.Put(tx, rec)
}

// Put inserts or replaces a record.
func (t *Table) Put(tx core.Tx, rec *core.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	return tx.Put(t.name, rec.ID, raw)
}

// Update applies a partial-field patch and returns the updated record.
func (t *Table) Update(tx core.Tx, id string, p Patch) (*core.Record, error) {
	rec, err := t.Get(tx, id)
	if err != nil {
		return nil, err
	}
	p.apply(rec)
	if err := t.Put(tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record.
func (t *Table) Delete(tx core.Tx, id string) error {
	return tx.Delete(t.name, id)
}

// Find returns records matching pred in insertion order. A nil pred matches all.
func (t *Table) Find(tx core.Tx, pred func(*core.Record) bool) ([]*core.Record, error) {
	var out []*core.Record
	err := tx.Scan(t.name, func(id string, raw []byte) (bool, error) {
		rec, err := decode(id, raw)
		if err != nil {
			return false, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
		return true, nil
	})
	return out, err
}

// FindByRemoteID returns the record carrying remoteID, or core.ErrNotFound.
func (t *Table) FindByRemoteID(tx core.Tx, remoteID string) (*core.Record, error) {
	var found *core.Record
	err := tx.Scan(t.name, func(id string, raw []byte) (bool, error) {
		rec, err := decode(id, raw)
		if err != nil {
			return false, err
		}
		if rec.RemoteID == remoteID {
			found = rec
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: remote id %s in %s", core.ErrNotFound, remoteID, t.name)
	}
	return found, nil
}

func (p Patch) apply(rec *core.Record) {
	if p.RemoteID != nil {
		rec.RemoteID = *p.RemoteID
	}
	if p.SyncStatus != nil {
		rec.SyncStatus = *p.SyncStatus
	}
	if p.SyncError != nil {
		rec.SyncError = *p.SyncError
	}
	if p.UpdatedAt != nil {
		rec.UpdatedAt = *p.UpdatedAt
	}
	if p.Version != nil {
		rec.Version = *p.Version
	}
	if p.Deleted != nil {
		rec.Deleted = *p.Deleted
	}
	if p.ReplaceData {
		rec.Data = core.CopyData(p.Data)
	} else if p.Data != nil {
		rec.Data = core.MergeData(rec.Data, p.Data)
	}
}

func decode(id string, raw []byte) (*core.Record, error) {
	var rec core.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}

// Status returns a pointer for use in a Patch.
func Status(s core.SyncStatus) *core.SyncStatus { return &s }

// String returns a pointer for use in a Patch.
func String(s string) *string { return &s }

// Time returns a pointer for use in a Patch.
func Time(t time.Time) *time.Time { return &t }

// Int64 returns a pointer for use in a Patch.
func Int64(n int64) *int64 { return &n }

// Bool returns a pointer for use in a Patch.
func Bool(b bool) *bool { return &b }
