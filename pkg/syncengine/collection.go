package syncengine

import (
	"context"

	"github.com/rzpsarthak13/syncengine/internal/client"
)

// Collection provides local-first CRUD on one collection. Writes land in
// the local store immediately and reach the remote store through the
// operation queue.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Create stores a new record marked pending and queues its upload.
	// The record id is the payload's "id" field, or a generated UUID.
	Create(ctx context.Context, data map[string]interface{}) (*Record, error)

	// Update merges changes into an existing record, marks it pending and
	// queues the merged document.
	Update(ctx context.Context, id string, changes map[string]interface{}) (*Record, error)

	// Delete hides the record immediately and queues the remote delete.
	// The local row is removed once the remote delete succeeds.
	Delete(ctx context.Context, id string) error

	// Get returns a record by local id.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns every visible record.
	List(ctx context.Context) ([]*Record, error)

	// Sync fetches the most recent remote documents, merges them and
	// (re)subscribes to remote changes.
	Sync(ctx context.Context) error

	// Status returns the status of the collection's last merge pass.
	Status() SyncStatus
}

type collectionWrapper struct {
	col *client.Collection
}

func (cw *collectionWrapper) Name() string {
	return cw.col.Name()
}

func (cw *collectionWrapper) Create(ctx context.Context, data map[string]interface{}) (*Record, error) {
	return cw.col.Create(ctx, data)
}

func (cw *collectionWrapper) Update(ctx context.Context, id string, changes map[string]interface{}) (*Record, error) {
	return cw.col.Update(ctx, id, changes)
}

func (cw *collectionWrapper) Delete(ctx context.Context, id string) error {
	return cw.col.Delete(ctx, id)
}

func (cw *collectionWrapper) Get(ctx context.Context, id string) (*Record, error) {
	return cw.col.Get(ctx, id)
}

func (cw *collectionWrapper) List(ctx context.Context) ([]*Record, error) {
	return cw.col.List(ctx)
}

func (cw *collectionWrapper) Sync(ctx context.Context) error {
	return cw.col.Sync(ctx)
}

func (cw *collectionWrapper) Status() SyncStatus {
	return cw.col.Status()
}
