package core

import (
	"context"
	"time"
)

// Document is a remote document as seen by the engine.
type Document struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`

	// UpdatedAt is the writer's modification instant. Zero means missing.
	UpdatedAt time.Time `json:"updatedAt"`

	// Version is incremented by the remote store on every write.
	Version int64 `json:"version"`
}

// ChangeType is the kind of a remote change notification.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is a single per-document change notification.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  Document   `json:"doc"`

	// PendingWrite is set when the change echoes a write made by this same
	// client, so local state already reflects it.
	PendingWrite bool `json:"pendingWrite"`
}

// Query selects the most recent documents of a collection, ordered by
// UpdatedAt descending.
type Query struct {
	Limit int
}

// ChangeHandler receives batches of remote changes.
type ChangeHandler func(changes []Change)

// Subscription is an open change subscription.
type Subscription interface {
	Close() error
}

// WriteBatch accumulates remote writes and commits them together.
type WriteBatch interface {
	Set(collection string, doc Document)
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// RemoteStore defines the document-oriented remote authoritative store.
type RemoteStore interface {
	// Create stores a new document and returns it with its assigned ID and version.
	Create(ctx context.Context, collection string, doc Document) (Document, error)

	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Set overwrites an existing document and returns it with its new version.
	// Returns ErrNotFound when the document does not exist.
	Set(ctx context.Context, collection string, doc Document) (Document, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents ordered by UpdatedAt descending.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Subscribe delivers change notifications for the collection until the
	// subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, collection string, q Query, handler ChangeHandler) (Subscription, error)

	// Batch starts a new write batch.
	Batch() WriteBatch

	// Ping checks that the remote store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ChangeEvent is a change notification carried over a ChangeFeed.
type ChangeEvent struct {
	Collection string     `json:"collection"`
	Type       ChangeType `json:"type"`
	Doc        Document   `json:"doc"`

	// Origin identifies the client that made the write.
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// ChangeFeed broadcasts change events for remote stores without a native
// subscription primitive.
type ChangeFeed interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, collection string, fn func(ChangeEvent)) (Subscription, error)
	Close() error
}
