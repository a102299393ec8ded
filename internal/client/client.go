package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/changefeed"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/listener"
	"github.com/rzpsarthak13/syncengine/internal/localstore"
	"github.com/rzpsarthak13/syncengine/internal/lock"
	"github.com/rzpsarthak13/syncengine/internal/netmon"
	"github.com/rzpsarthak13/syncengine/internal/processor"
	"github.com/rzpsarthak13/syncengine/internal/prune"
	"github.com/rzpsarthak13/syncengine/internal/queue"
	"github.com/rzpsarthak13/syncengine/internal/registry"
	"github.com/rzpsarthak13/syncengine/internal/remote"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// ErrClientClosed is returned by every method after Close.
var ErrClientClosed = errors.New("client is closed")

// ConfigProvider is an interface to provide configuration as YAML without importing the public package.
type ConfigProvider interface {
	GetYAML() ([]byte, error)
}

// Deps are externally owned collaborators. Nil fields are built from
// configuration and owned by the client.
type Deps struct {
	Store  core.LocalStore
	Remote core.RemoteStore
	Feed   core.ChangeFeed

	// Monitor replaces the configured network monitor. When set, the caller
	// drives connectivity and no reachability prober runs.
	Monitor *netmon.Monitor

	// Sleep replaces the processor's backoff sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now replaces time.Now for record timestamps.
	Now func() time.Time
}

// ClientImpl is the default implementation of the sync engine client.
type ClientImpl struct {
	config *registry.InternalConfig

	store  core.LocalStore
	remote core.RemoteStore
	feed   core.ChangeFeed

	// owned lists the closers this client created and must close.
	owned []func() error

	collections *registry.CollectionRegistry
	lifecycle   *registry.LifecycleManager
	monitor     *netmon.Monitor
	prober      *netmon.Prober
	queue       *queue.Queue
	lock        *lock.Manager
	processor   *processor.Processor
	listener    *listener.Listener
	pruner      *prune.Service
	now         func() time.Time

	// bgCtx scopes work started by connectivity changes and mutations.
	bgCtx    context.Context
	cancelBg context.CancelFunc
	bg       sync.WaitGroup

	mu        sync.RWMutex
	started   bool
	closed    bool
	unwatchFn func()
}

// NewClientImpl creates a client whose stores are built from configuration.
func NewClientImpl(configProvider ConfigProvider) (*ClientImpl, error) {
	return NewClientImplWithDeps(configProvider, Deps{})
}

// NewClientImplWithDeps creates a client around injected collaborators.
func NewClientImplWithDeps(configProvider ConfigProvider, deps Deps) (*ClientImpl, error) {
	if configProvider == nil {
		return nil, fmt.Errorf("config provider cannot be nil")
	}

	configMgr := registry.NewConfigManager()
	yamlData, err := configProvider.GetYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to get config YAML: %w", err)
	}
	if err := configMgr.LoadFromYAML(yamlData); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	config := configMgr.GetConfig()
	if config.ClientID == "" {
		config.ClientID = uuid.NewString()
	}

	c := &ClientImpl{config: config, now: time.Now}
	if deps.Now != nil {
		c.now = deps.Now
	}
	c.bgCtx, c.cancelBg = context.WithCancel(context.Background())

	if err := c.initializeConnections(deps); err != nil {
		c.closeOwned()
		return nil, fmt.Errorf("failed to initialize connections: %w", err)
	}
	if err := c.initializeServices(deps); err != nil {
		c.closeOwned()
		return nil, err
	}

	log.Printf("[CLIENT] Initialized client %s (local: %s, remote: %s, collections: %v)",
		config.ClientID, config.LocalStore.Type, config.Remote.Type, c.collections.List())
	return c, nil
}

// initializeConnections opens the local store, the change feed and the
// remote store, in that order.
func (c *ClientImpl) initializeConnections(deps Deps) error {
	config := c.config

	c.store = deps.Store
	if c.store == nil {
		store, err := localstore.Create(localstore.Config{
			Type:        config.LocalStore.Type,
			Path:        config.LocalStore.Path,
			BusyTimeout: config.LocalStore.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create local store: %w", err)
		}
		c.store = store
		c.owned = append(c.owned, store.Close)
	}

	c.feed = deps.Feed
	if c.feed == nil && deps.Remote == nil {
		feedCfg := config.ChangeFeed
		feed, err := changefeed.Create(changefeed.Config{
			Type:          feedCfg.Type,
			ClientID:      config.ClientID,
			Endpoints:     feedCfg.RedisConfig.Endpoints,
			Password:      feedCfg.RedisConfig.Password,
			DB:            feedCfg.RedisConfig.DB,
			PoolSize:      feedCfg.RedisConfig.PoolSize,
			ChannelPrefix: feedCfg.RedisConfig.ChannelPrefix,
			DialTimeout:   feedCfg.RedisConfig.DialTimeout,
			Brokers:       feedCfg.KafkaConfig.Brokers,
			Topic:         feedCfg.KafkaConfig.Topic,
			GroupPrefix:   feedCfg.KafkaConfig.GroupPrefix,
			BatchTimeout:  feedCfg.KafkaConfig.BatchTimeout,
			WriteTimeout:  feedCfg.KafkaConfig.WriteTimeout,
			RequiredAcks:  feedCfg.KafkaConfig.RequiredAcks,
			MinBytes:      feedCfg.KafkaConfig.MinBytes,
			MaxBytes:      feedCfg.KafkaConfig.MaxBytes,
			MaxWait:       feedCfg.KafkaConfig.MaxWait,
		})
		if err != nil {
			return fmt.Errorf("failed to create change feed: %w", err)
		}
		if feed != nil {
			c.feed = feed
			c.owned = append(c.owned, feed.Close)
		}
	}

	c.remote = deps.Remote
	if c.remote == nil {
		remoteCfg := config.Remote
		store, err := remote.Create(remote.Config{
			Type:              remoteCfg.Type,
			ClientID:          config.ClientID,
			Feed:              c.feed,
			RequestTimeout:    remoteCfg.RequestTimeout,
			Host:              remoteCfg.MySQLConfig.Host,
			Port:              remoteCfg.MySQLConfig.Port,
			Database:          remoteCfg.MySQLConfig.Database,
			Username:          remoteCfg.MySQLConfig.Username,
			Password:          remoteCfg.MySQLConfig.Password,
			MaxOpenConns:      remoteCfg.MySQLConfig.MaxOpenConns,
			MaxIdleConns:      remoteCfg.MySQLConfig.MaxIdleConns,
			ConnMaxLifetime:   remoteCfg.MySQLConfig.ConnMaxLifetime,
			ConnMaxIdleTime:   remoteCfg.MySQLConfig.ConnMaxIdleTime,
			ConnectionTimeout: remoteCfg.MySQLConfig.ConnectionTimeout,
			Region:            remoteCfg.DynamoDBConfig.Region,
			TableName:         remoteCfg.DynamoDBConfig.TableName,
			Endpoint:          remoteCfg.DynamoDBConfig.Endpoint,
			AccessKeyID:       remoteCfg.DynamoDBConfig.AccessKeyID,
			SecretAccessKey:   remoteCfg.DynamoDBConfig.SecretAccessKey,
			StreamPoll:        remoteCfg.DynamoDBConfig.StreamPoll,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote store: %w", err)
		}
		c.remote = store
		c.owned = append(c.owned, store.Close)
	}
	return nil
}

func (c *ClientImpl) initializeServices(deps Deps) error {
	config := c.config
	ctx := context.Background()

	c.lifecycle = registry.NewLifecycleManager()
	collections, err := registry.NewCollectionRegistryFromConfig(config, c.lifecycle)
	if err != nil {
		return fmt.Errorf("failed to register collections: %w", err)
	}
	if err := collections.Validate(ctx, c.store); err != nil {
		return fmt.Errorf("failed to validate collections: %w", err)
	}
	c.collections = collections

	// A zero probe interval leaves connectivity to SetOnline.
	c.monitor = deps.Monitor
	if c.monitor == nil {
		c.monitor = netmon.New(config.Network.InitialOnline)
		if config.Network.ProbeInterval > 0 {
			c.prober = netmon.NewProber(c.monitor, c.remote.Ping, config.Network.ProbeInterval, config.Network.ProbeTimeout)
		}
	}

	c.queue = queue.New(c.store)
	c.lock = lock.NewManager(c.store, lock.WithTimeout(config.Processor.LockTimeout))

	var procOpts []processor.Option
	if deps.Sleep != nil {
		procOpts = append(procOpts, processor.WithSleep(deps.Sleep))
	}
	c.processor = processor.New(c.store, c.remote, c.queue, c.lock, collections, c.monitor, processor.Config{
		MaxRetries:  config.Processor.MaxRetries,
		RetryDelays: config.Processor.RetryDelays,
		DrainRate:   config.Processor.DrainRate,
		Interval:    config.Processor.Interval,
	}, procOpts...)

	c.listener = listener.New(c.store, c.remote, c.queue, collections, c.monitor, listener.Config{
		Limit:           config.Listener.Limit,
		LocalBatchSize:  config.Listener.BatchSize,
		RemoteBatchSize: config.Listener.RemoteBatchSize,
		Debounce:        config.Listener.Debounce,
		StaleAfter:      config.Listener.StaleAfter,
	})

	c.pruner = prune.New(c.store, collections, prune.Config{
		Retention:  config.Pruner.Retention,
		QuotaBytes: config.Pruner.QuotaBytes,
		Interval:   config.Pruner.Interval,
	})

	// Enabling sync for a collection starts its listener; disabling stops it.
	c.lifecycle.RegisterHook(registry.LifecycleHookFunc{
		OnEnableFunc: func(ctx context.Context, collection string) error {
			return c.listener.Sync(ctx, collection, c.syncOptions(collection))
		},
		OnDisableFunc: func(ctx context.Context, collection string) error {
			c.listener.Stop(collection)
			return nil
		},
	})
	return nil
}

// syncOptions builds the listener options of a collection from its schema
// and the listener configuration.
func (c *ClientImpl) syncOptions(collection string) listener.Options {
	opts := listener.Options{RepairStaleRemote: c.config.Listener.RepairStaleRemote}
	if v, err := c.collections.Validator(collection); err == nil && v != nil {
		opts.Validate = v.Predicate()
	}
	return opts
}

// Start starts the processor, pruner and prober, enables sync for the
// configured collections and watches connectivity.
func (c *ClientImpl) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.unwatchFn = c.monitor.Subscribe(c.onConnectivity)
	c.mu.Unlock()

	if err := c.processor.Start(c.bgCtx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}
	if err := c.pruner.Start(c.bgCtx); err != nil {
		return fmt.Errorf("failed to start pruner: %w", err)
	}
	if c.prober != nil {
		c.prober.Start(c.bgCtx)
	}

	var errs []error
	for _, col := range c.config.Collections {
		if !col.Sync {
			continue
		}
		if err := c.collections.EnableSync(ctx, col.Name); err != nil {
			errs = append(errs, err)
		}
	}

	c.kick()
	log.Printf("[CLIENT] Started (online: %v)", c.monitor.Online())
	return errors.Join(errs...)
}

// onConnectivity runs on monitor transitions. Coming online drains the
// queue and resyncs every enabled collection.
func (c *ClientImpl) onConnectivity(online bool) {
	if !online {
		log.Printf("[CLIENT] Went offline, queued changes are kept")
		return
	}
	log.Printf("[CLIENT] Back online, draining queue and resyncing")
	c.background(func(ctx context.Context) {
		if err := c.processor.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[CLIENT] ERROR: Queue pass failed: %v", err)
		}
		if err := c.SyncAll(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[CLIENT] ERROR: Resync failed: %v", err)
		}
	})
}

// kick starts a background queue pass when running and online.
func (c *ClientImpl) kick() {
	if !c.monitor.Online() {
		return
	}
	c.background(func(ctx context.Context) {
		if err := c.processor.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[CLIENT] ERROR: Queue pass failed: %v", err)
		}
	})
}

func (c *ClientImpl) background(fn func(ctx context.Context)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started || c.closed {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.bgCtx)
	}()
}

func (c *ClientImpl) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Collection returns the handle of a registered collection.
func (c *ClientImpl) Collection(name string) (*Collection, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	table, err := c.collections.Table(name)
	if err != nil {
		return nil, err
	}
	validator, _ := c.collections.Validator(name)
	return &Collection{client: c, name: name, table: table, validator: validator}, nil
}

// Collections returns the registered collection names.
func (c *ClientImpl) Collections() []string {
	return c.collections.List()
}

// EnableSync starts remote sync for a collection.
func (c *ClientImpl) EnableSync(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.collections.EnableSync(ctx, name)
}

// DisableSync stops remote sync for a collection.
func (c *ClientImpl) DisableSync(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.collections.DisableSync(ctx, name)
}

// ProcessQueue runs one queue pass now.
func (c *ClientImpl) ProcessQueue(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.processor.ProcessQueue(ctx)
}

// SyncAll resyncs every collection with sync enabled.
func (c *ClientImpl) SyncAll(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	var errs []error
	for _, name := range c.collections.ListSyncEnabled() {
		if err := c.listener.Sync(ctx, name, c.syncOptions(name)); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// RetryFailed resets every failed operation to pending, flags its record
// pending again and triggers a queue pass. It returns the number reset.
func (c *ClientImpl) RetryFailed(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	failed, err := c.queue.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	for _, op := range failed {
		table, err := c.collections.Table(op.Collection)
		if err != nil {
			continue
		}
		err = c.store.Update(ctx, func(tx core.Tx) error {
			_, err := table.Update(tx, op.LocalID(), pendingPatch())
			return err
		})
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return 0, fmt.Errorf("failed to reset record %s/%s: %w", op.Collection, op.LocalID(), err)
		}
	}

	n, err := c.queue.RetryAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	c.kick()
	return n, nil
}

// FailedOperations returns the operations that exhausted their retries or
// failed terminally.
func (c *ClientImpl) FailedOperations(ctx context.Context) ([]*core.Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.ListFailed(ctx)
}

// PendingOperations returns the queued operations awaiting a pass.
func (c *ClientImpl) PendingOperations(ctx context.Context) ([]*core.Operation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.ListPending(ctx)
}

// PruneOldData deletes synced records past retention.
func (c *ClientImpl) PruneOldData(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.pruner.PruneOldData(ctx)
}

// CheckStorageQuota prunes when the local store exceeds its quota.
func (c *ClientImpl) CheckStorageQuota(ctx context.Context) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.pruner.CheckStorageQuota(ctx)
}

// QueueStatus returns the status of the last queue pass.
func (c *ClientImpl) QueueStatus() status.SyncStatus {
	return c.processor.Status().Snapshot()
}

// CollectionStatus returns the status of the last merge pass of a collection.
func (c *ClientImpl) CollectionStatus(name string) status.SyncStatus {
	return c.listener.Status(name)
}

// SubscribeStatus registers fn for queue and per-collection status changes.
// The session name is "queue" or the collection name.
func (c *ClientImpl) SubscribeStatus(fn func(name string, st status.SyncStatus)) func() {
	unsubs := []func(){c.processor.Status().Subscribe(fn)}
	for _, name := range c.collections.List() {
		unsubs = append(unsubs, c.listener.Tracker(name).Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// SetOnline reports a platform connectivity change.
func (c *ClientImpl) SetOnline(online bool) {
	c.monitor.Set(online)
}

// Online reports whether the remote store is considered reachable.
func (c *ClientImpl) Online() bool {
	return c.monitor.Online()
}

// ClientID returns the id tagging this client's remote writes.
func (c *ClientImpl) ClientID() string {
	return c.config.ClientID
}

// Close stops every background service and closes the stores the client
// created.
func (c *ClientImpl) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	unwatch := c.unwatchFn
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}

	var errs []error
	if started {
		if c.prober != nil {
			c.prober.Stop()
		}
		if err := c.processor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop processor: %w", err))
		}
		if err := c.pruner.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop pruner: %w", err))
		}
	}
	c.cancelBg()
	c.bg.Wait()

	if err := c.listener.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close listener: %w", err))
	}
	errs = append(errs, c.closeOwned()...)

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %w", errors.Join(errs...))
	}
	log.Printf("[CLIENT] Closed")
	return nil
}

// closeOwned closes owned connections in reverse creation order.
func (c *ClientImpl) closeOwned() []error {
	var errs []error
	for i := len(c.owned) - 1; i >= 0; i-- {
		if err := c.owned[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.owned = nil
	return errs
}
