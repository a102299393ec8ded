package core

import (
	"time"
)

// SyncStatus is the per-record synchronization lifecycle tag.
type SyncStatus string

const (
	// StatusPending marks a record with a local edit not yet confirmed remotely.
	StatusPending SyncStatus = "pending"

	// StatusSynced marks a record that matches the remote store.
	StatusSynced SyncStatus = "synced"

	// StatusFailed marks a record whose last remote write failed.
	StatusFailed SyncStatus = "failed"

	// StatusError marks a pending record flagged by the pruning service after
	// a storage constraint violation.
	StatusError SyncStatus = "error"
)

// Default domain collections.
const (
	CollectionSales      = "sales"
	CollectionInventory  = "inventory"
	CollectionCategories = "categories"
	CollectionFinancial  = "financial"
)

// DefaultCollections lists the collections registered when configuration
// does not name any.
func DefaultCollections() []string {
	return []string{CollectionSales, CollectionInventory, CollectionCategories, CollectionFinancial}
}

// Record is an application row plus its sync metadata.
type Record struct {
	// ID is the local primary key.
	ID string `json:"id"`

	// RemoteID is assigned by the remote store on the first successful add.
	RemoteID string `json:"remoteId,omitempty"`

	SyncStatus SyncStatus `json:"syncStatus"`
	SyncError  string     `json:"syncError,omitempty"`

	// UpdatedAt is the last modification instant, compared during conflict
	// resolution. Zero means unknown.
	UpdatedAt time.Time `json:"updatedAt"`

	// Version mirrors the remote document version last seen by this client.
	Version int64 `json:"version,omitempty"`

	// Deleted marks a record whose delete is queued but not yet confirmed.
	Deleted bool `json:"deleted,omitempty"`

	Data map[string]interface{} `json:"data"`
}

// Clone returns a deep-enough copy: the metadata and a fresh top-level data map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = CopyData(r.Data)
	return &out
}

// Lock is the queue-processor mutual-exclusion marker.
type Lock struct {
	LockID    string    `json:"lockId"`
	Owner     string    `json:"owner"`
	Timestamp time.Time `json:"timestamp"`
}

// CopyData returns a shallow copy of a payload map. Nil stays nil.
func CopyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// MergeData overlays patch onto base and returns the result as a new map.
func MergeData(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
