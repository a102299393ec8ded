// Package syncengine is an offline-first sync engine. Applications write to
// a local store; the engine queues every change, uploads it when the remote
// store is reachable and merges remote changes back with last-write-wins.
package syncengine

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rzpsarthak13/syncengine/internal/client"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// Record is a local record with its sync metadata.
type Record = core.Record

// Operation is a queued remote mutation.
type Operation = core.Operation

// SyncStatus reports progress of a queue or merge pass.
type SyncStatus = status.SyncStatus

// FailedItem is one item that failed during a pass.
type FailedItem = status.FailedItem

// Record sync states.
const (
	StatusPending = core.StatusPending
	StatusSynced  = core.StatusSynced
	StatusFailed  = core.StatusFailed
	StatusError   = core.StatusError
)

// Errors reported by the client. Use errors.Is to match them.
var (
	ErrNotFound      = core.ErrNotFound
	ErrValidation    = core.ErrValidation
	ErrConstraint    = core.ErrConstraint
	ErrUnknownTable  = core.ErrUnknownTable
	ErrClientClosed  = client.ErrClientClosed
	ErrUnavailable   = core.ErrUnavailable
	ErrPermission    = core.ErrPermissionDenied
	ErrNoRemoteID    = core.ErrMissingRemoteID
	ErrInvalidOpType = core.ErrInvalidOperation
)

// Client is the main interface for interacting with the sync engine.
//
// Typical usage:
//
//	client, _ := syncengine.NewClient(config)
//	defer client.Close()
//
//	client.Start(ctx) // background queue drain, pruning and listeners
//
//	sales, _ := client.Collection("sales")
//	sales.Create(ctx, map[string]interface{}{"total": 12.5})
type Client interface {
	// Collection returns a declared collection.
	Collection(name string) (Collection, error)

	// Collections returns the declared collection names.
	Collections() []string

	// EnableSync starts the remote listener for a collection.
	EnableSync(ctx context.Context, name string) error

	// DisableSync stops the remote listener for a collection. Local writes
	// are still queued and uploaded.
	DisableSync(ctx context.Context, name string) error

	// Start starts the background queue processor, the pruner and the
	// connectivity prober, and enables sync for collections configured with
	// sync: true. It is non-blocking.
	Start(ctx context.Context) error

	// ProcessQueue runs one queue pass now. It is a no-op while offline or
	// while another pass holds the processing lock.
	ProcessQueue(ctx context.Context) error

	// SyncAll resyncs every collection with sync enabled.
	SyncAll(ctx context.Context) error

	// RetryFailed resets failed operations to pending and reports how many.
	RetryFailed(ctx context.Context) (int, error)

	// FailedOperations returns operations that gave up.
	FailedOperations(ctx context.Context) ([]*Operation, error)

	// PendingOperations returns operations awaiting upload.
	PendingOperations(ctx context.Context) ([]*Operation, error)

	// PruneOldData deletes synced records past retention.
	PruneOldData(ctx context.Context) (int, error)

	// CheckStorageQuota prunes when local usage exceeds the quota and
	// reports whether it did.
	CheckStorageQuota(ctx context.Context) (bool, error)

	// QueueStatus returns the status of the last queue pass.
	QueueStatus() SyncStatus

	// CollectionStatus returns the status of the last merge pass of a collection.
	CollectionStatus(name string) SyncStatus

	// SubscribeStatus calls fn on every status change. name is "queue" or
	// a collection name. The returned func unsubscribes.
	SubscribeStatus(fn func(name string, st SyncStatus)) func()

	// SetOnline reports a connectivity change detected by the host platform.
	SetOnline(online bool)

	// Online reports whether the remote store is considered reachable.
	Online() bool

	// ClientID returns the id tagging this client's remote writes.
	ClientID() string

	// Close stops background work and closes connections.
	Close() error
}

// configProvider implements client.ConfigProvider to provide config as YAML without import cycles.
type configProvider struct {
	config *Config
}

func (cp *configProvider) GetYAML() ([]byte, error) {
	return yaml.Marshal(cp.config)
}

// clientWrapper wraps the internal client implementation to provide the public Client interface.
type clientWrapper struct {
	impl *client.ClientImpl
}

// NewClient creates a sync engine client with the provided configuration.
// Connections to the local store, the change feed and the remote store are
// opened here; Start begins background processing.
func NewClient(config *Config) (Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	impl, err := client.NewClientImpl(&configProvider{config: config})
	if err != nil {
		return nil, err
	}
	return &clientWrapper{impl: impl}, nil
}

func (cw *clientWrapper) Collection(name string) (Collection, error) {
	col, err := cw.impl.Collection(name)
	if err != nil {
		return nil, err
	}
	return &collectionWrapper{col: col}, nil
}

func (cw *clientWrapper) Collections() []string {
	return cw.impl.Collections()
}

func (cw *clientWrapper) EnableSync(ctx context.Context, name string) error {
	return cw.impl.EnableSync(ctx, name)
}

func (cw *clientWrapper) DisableSync(ctx context.Context, name string) error {
	return cw.impl.DisableSync(ctx, name)
}

func (cw *clientWrapper) Start(ctx context.Context) error {
	return cw.impl.Start(ctx)
}

func (cw *clientWrapper) ProcessQueue(ctx context.Context) error {
	return cw.impl.ProcessQueue(ctx)
}

func (cw *clientWrapper) SyncAll(ctx context.Context) error {
	return cw.impl.SyncAll(ctx)
}

func (cw *clientWrapper) RetryFailed(ctx context.Context) (int, error) {
	return cw.impl.RetryFailed(ctx)
}

func (cw *clientWrapper) FailedOperations(ctx context.Context) ([]*Operation, error) {
	return cw.impl.FailedOperations(ctx)
}

func (cw *clientWrapper) PendingOperations(ctx context.Context) ([]*Operation, error) {
	return cw.impl.PendingOperations(ctx)
}

func (cw *clientWrapper) PruneOldData(ctx context.Context) (int, error) {
	return cw.impl.PruneOldData(ctx)
}

func (cw *clientWrapper) CheckStorageQuota(ctx context.Context) (bool, error) {
	return cw.impl.CheckStorageQuota(ctx)
}

func (cw *clientWrapper) QueueStatus() SyncStatus {
	return cw.impl.QueueStatus()
}

func (cw *clientWrapper) CollectionStatus(name string) SyncStatus {
	return cw.impl.CollectionStatus(name)
}

func (cw *clientWrapper) SubscribeStatus(fn func(name string, st SyncStatus)) func() {
	return cw.impl.SubscribeStatus(fn)
}

func (cw *clientWrapper) SetOnline(online bool) {
	cw.impl.SetOnline(online)
}

func (cw *clientWrapper) Online() bool {
	return cw.impl.Online()
}

func (cw *clientWrapper) ClientID() string {
	return cw.impl.ClientID()
}

func (cw *clientWrapper) Close() error {
	return cw.impl.Close()
}
