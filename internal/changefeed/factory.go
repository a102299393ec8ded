// Package changefeed broadcasts remote change events between clients for
// remote stores that have no native subscription primitive.
package changefeed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Factory is the Strategy interface for creating change feed implementations.
// Each backend registers one from its init() function.
type Factory interface {
	Create(config Config) (core.ChangeFeed, error)
	Type() string
	Validate(config Config) error
}

// Config represents the configuration needed to create a change feed.
type Config struct {
	Type string

	// ClientID names this client's consumer group on Kafka.
	ClientID string

	// Redis-specific fields
	Endpoints     []string
	Password      string
	DB            int
	PoolSize      int
	ChannelPrefix string
	DialTimeout   time.Duration

	// Kafka-specific fields
	Brokers      []string
	Topic        string
	GroupPrefix  string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
}

// ErrFeedClosed is returned by a closed feed.
var ErrFeedClosed = fmt.Errorf("%w: change feed is closed", core.ErrUnavailable)

var (
	factoryRegistry = make(map[string]Factory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a change feed factory.
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

// Create creates a change feed using the factory registered for config.Type.
// An empty type or "none" returns a nil feed.
func Create(config Config) (core.ChangeFeed, error) {
	if config.Type == "" || config.Type == "none" {
		return nil, nil
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported change feed type: %s", config.Type)
	}
	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}
	return factory.Create(config)
}

// GetRegisteredTypes returns the sorted list of registered change feed types.
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
