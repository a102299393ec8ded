package localstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Factory is the Strategy interface for creating local store implementations.
// Each backend (SQLite, memory) registers one from its init() function.
type Factory interface {
	// Create creates a new local store instance from the configuration.
	Create(config Config) (core.LocalStore, error)

	// Type returns the type identifier for this factory (e.g., "sqlite", "memory").
	Type() string

	// Validate validates the configuration specific to this store type.
	Validate(config Config) error
}

// Config represents the configuration needed to create a local store.
type Config struct {
	Type        string
	Path        string
	BusyTimeout time.Duration
}

var (
	factoryRegistry = make(map[string]Factory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a local store factory.
// This is called automatically by each implementation's init() function.
func RegisterFactory(factory Factory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
}

// Create creates a local store using the factory registered for config.Type.
func Create(config Config) (core.LocalStore, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("local store type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported local store type: %s", config.Type)
	}

	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}
	return factory.Create(config)
}

// GetRegisteredTypes returns the sorted list of registered store types.
func GetRegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
