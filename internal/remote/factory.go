// Package remote implements the remote authoritative document stores.
package remote

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Factory is the Strategy interface for creating remote store implementations.
// Each backend (MySQL, DynamoDB, memory) registers one from its init() function.
type Factory interface {
	// Create creates a new remote store instance based on the provided configuration.
	Create(config Config) (core.RemoteStore, error)

	// Type returns the type identifier for this factory (e.g., "mysql", "dynamodb").
	Type() string

	// Validate validates the configuration specific to this remote type.
	Validate(config Config) error
}

// Config represents the configuration needed to create a remote store.
type Config struct {
	Type string

	// ClientID tags writes so change notifications can flag this client's echoes.
	ClientID string

	// Feed carries change notifications for backends without a native stream.
	Feed core.ChangeFeed

	RequestTimeout time.Duration

	// MySQL-specific fields
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectionTimeout time.Duration

	// DynamoDB-specific fields
	Region          string
	TableName       string
	Endpoint        string // Optional, for LocalStack
	AccessKeyID     string // Optional, can use IAM role instead
	SecretAccessKey string // Optional, can use IAM role instead
	StreamPoll      time.Duration

	// Memory-specific fields
	Backend *MemoryBackend
}

var (
	factoryRegistry = make(map[string]Factory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a remote store factory.
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

// Create creates a remote store using the factory registered for config.Type.
func Create(config Config) (core.RemoteStore, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("remote store type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported remote store type: %s", config.Type)
	}

	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}
	return factory.Create(config)
}

// GetRegisteredTypes returns the sorted list of registered remote types.
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

// IsTypeRegistered checks if a remote type is registered.
func IsTypeRegistered(remoteType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[remoteType]
	return exists
}
