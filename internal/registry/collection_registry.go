package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/schema"
)

// CollectionMetadata contains metadata about a registered collection.
type CollectionMetadata struct {
	// Name is the collection name.
	Name string

	// Table is the typed local table handle.
	Table *records.Table

	// Validator checks documents and local mutations.
	Validator *schema.Validator

	// SyncEnabled indicates whether the remote listener runs for this collection.
	SyncEnabled bool

	EnabledAt  *time.Time
	DisabledAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CollectionRegistry maps collection names to typed table handles.
// Lookups of unregistered names fail with core.ErrUnknownTable.
type CollectionRegistry struct {
	mu          sync.RWMutex
	collections map[string]*CollectionMetadata
	lifecycle   *LifecycleManager
}

// NewCollectionRegistry creates a registry with the given lifecycle manager.
func NewCollectionRegistry(lifecycle *LifecycleManager) *CollectionRegistry {
	if lifecycle == nil {
		lifecycle = NewLifecycleManager()
	}
	return &CollectionRegistry{
		collections: make(map[string]*CollectionMetadata),
		lifecycle:   lifecycle,
	}
}

// NewCollectionRegistryFromConfig registers every configured collection.
func NewCollectionRegistryFromConfig(cfg *InternalConfig, lifecycle *LifecycleManager) (*CollectionRegistry, error) {
	cr := NewCollectionRegistry(lifecycle)
	for _, col := range cfg.Collections {
		fields := make([]schema.FieldSpec, 0, len(col.Fields))
		for _, f := range col.Fields {
			fields = append(fields, schema.FieldSpec{Name: f.Name, Type: f.Type, Required: f.Required})
		}
		validator, err := schema.NewValidator(col.Name, fields)
		if err != nil {
			return nil, err
		}
		if err := cr.Register(col.Name, validator); err != nil {
			return nil, err
		}
	}
	return cr, nil
}

// Register registers a collection. Registering an existing name replaces its
// validator and keeps its sync state.
func (cr *CollectionRegistry) Register(name string, validator *schema.Validator) error {
	if name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if name == core.QueueTable || name == core.LockTable {
		return fmt.Errorf("collection name %q is reserved", name)
	}
	if validator == nil {
		var err error
		if validator, err = schema.NewValidator(name, nil); err != nil {
			return err
		}
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	now := time.Now()
	if existing, ok := cr.collections[name]; ok {
		existing.Validator = validator
		existing.UpdatedAt = now
		return nil
	}

	cr.collections[name] = &CollectionMetadata{
		Name:      name,
		Table:     records.NewTable(name),
		Validator: validator,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Validate declares the reserved tables and every registered collection in
// the local store. Run it once at startup.
func (cr *CollectionRegistry) Validate(ctx context.Context, store core.LocalStore) error {
	for _, name := range append([]string{core.QueueTable, core.LockTable}, cr.List()...) {
		if err := store.EnsureTable(ctx, name); err != nil {
			return fmt.Errorf("failed to prepare table %q: %w", name, err)
		}
	}
	return nil
}

// Table returns the typed handle for a collection.
func (cr *CollectionRegistry) Table(name string) (*records.Table, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	metadata, exists := cr.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	return metadata.Table, nil
}

// Validator returns the document validator for a collection.
func (cr *CollectionRegistry) Validator(name string) (*schema.Validator, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	metadata, exists := cr.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	return metadata.Validator, nil
}

// GetMetadata returns a copy of the metadata for a collection.
func (cr *CollectionRegistry) GetMetadata(name string) (*CollectionMetadata, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	metadata, exists := cr.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	copied := *metadata
	return &copied, nil
}

// EnableSync runs the enable hooks and marks the collection as synced remotely.
// Hooks run outside the registry lock so they may call back into the registry.
func (cr *CollectionRegistry) EnableSync(ctx context.Context, name string) error {
	cr.mu.RLock()
	metadata, exists := cr.collections[name]
	enabled := exists && metadata.SyncEnabled
	cr.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	if enabled {
		return nil
	}

	if err := cr.lifecycle.ExecuteEnableHooks(ctx, name); err != nil {
		return fmt.Errorf("enable hook failed for collection %q: %w", name, err)
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	now := time.Now()
	metadata.SyncEnabled = true
	metadata.EnabledAt = &now
	metadata.DisabledAt = nil
	metadata.UpdatedAt = now
	return nil
}

// DisableSync runs the disable hooks and stops remote sync for the collection.
func (cr *CollectionRegistry) DisableSync(ctx context.Context, name string) error {
	cr.mu.RLock()
	metadata, exists := cr.collections[name]
	enabled := exists && metadata.SyncEnabled
	cr.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	if !enabled {
		return nil
	}

	if err := cr.lifecycle.ExecuteDisableHooks(ctx, name); err != nil {
		return fmt.Errorf("disable hook failed for collection %q: %w", name, err)
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	now := time.Now()
	metadata.SyncEnabled = false
	metadata.DisabledAt = &now
	metadata.EnabledAt = nil
	metadata.UpdatedAt = now
	return nil
}

// IsSyncEnabled reports whether remote sync is enabled for a collection.
func (cr *CollectionRegistry) IsSyncEnabled(name string) (bool, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	metadata, exists := cr.collections[name]
	if !exists {
		return false, fmt.Errorf("%w: collection %q is not registered", core.ErrUnknownTable, name)
	}
	return metadata.SyncEnabled, nil
}

// List returns all registered collection names, sorted.
func (cr *CollectionRegistry) List() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	names := make([]string, 0, len(cr.collections))
	for name := range cr.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListSyncEnabled returns the sorted names of collections with remote sync enabled.
func (cr *CollectionRegistry) ListSyncEnabled() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	names := make([]string, 0)
	for name, metadata := range cr.collections {
		if metadata.SyncEnabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Tables returns handles for every registered collection, sorted by name.
func (cr *CollectionRegistry) Tables() []*records.Table {
	names := cr.List()

	cr.mu.RLock()
	defer cr.mu.RUnlock()
	tables := make([]*records.Table, 0, len(names))
	for _, name := range names {
		tables = append(tables, cr.collections[name].Table)
	}
	return tables
}

// GetLifecycleManager returns the lifecycle manager associated with this registry.
func (cr *CollectionRegistry) GetLifecycleManager() *LifecycleManager {
	return cr.lifecycle
}

// Count returns the number of registered collections.
func (cr *CollectionRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.collections)
}
