package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigValidator is the Strategy interface for validating configuration.
// Each remote backend (MySQL, DynamoDB, memory) provides its own validator,
// registered from the backend's init().
type ConfigValidator interface {
	// Validate validates the remote-specific part of the configuration.
	Validate(config *InternalConfig) error

	// Type returns the type identifier for this validator (e.g., "mysql", "dynamodb").
	Type() string
}

var (
	// validatorRegistry stores all registered config validators.
	validatorRegistry = make(map[string]ConfigValidator)

	// validatorRegistryMutex protects the validator registry from concurrent access.
	validatorRegistryMutex sync.RWMutex
)

// ValidationStrategyRegistry provides methods to register and retrieve config validators.
type ValidationStrategyRegistry struct{}

// Register registers a config validator.
// Panics if validator is nil, type is empty, or type is already registered.
func (r *ValidationStrategyRegistry) Register(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[validator.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", validator.Type()))
	}

	validatorRegistry[validator.Type()] = validator
}

// Get retrieves a validator by type.
func (r *ValidationStrategyRegistry) Get(validatorType string) (ConfigValidator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	validator, exists := validatorRegistry[validatorType]
	return validator, exists
}

// RegisterValidator registers a validator with the default registry.
// This is the preferred way to register validators from init() functions.
func RegisterValidator(validator ConfigValidator) {
	defaultValidationRegistry.Register(validator)
}

// GetValidator retrieves a validator by type from the default registry.
func GetValidator(validatorType string) (ConfigValidator, bool) {
	return defaultValidationRegistry.Get(validatorType)
}

var defaultValidationRegistry = &ValidationStrategyRegistry{}

// envPrefix is the prefix of every environment override.
const envPrefix = "SYNCENGINE_"

// ConfigManager handles loading and managing configuration from various sources.
type ConfigManager struct {
	config *InternalConfig
}

// NewConfigManager creates a new configuration manager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config: DefaultInternalConfig(),
	}
}

// DefaultRetryDelays is the fixed backoff table applied between attempts.
func DefaultRetryDelays() []time.Duration {
	return []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
}

// DefaultInternalConfig returns a configuration with sensible defaults.
func DefaultInternalConfig() *InternalConfig {
	collections := make([]InternalCollectionConfig, 0, 4)
	for _, name := range []string{"sales", "inventory", "categories", "financial"} {
		collections = append(collections, InternalCollectionConfig{Name: name, Sync: true})
	}

	return &InternalConfig{
		Collections: collections,
		LocalStore: InternalLocalStoreConfig{
			Type:        "sqlite",
			Path:        "syncengine.db",
			BusyTimeout: 5 * time.Second,
		},
		Remote: InternalRemoteConfig{
			Type: "memory",
			MySQLConfig: InternalMySQLConfig{
				Host:              "localhost",
				Port:              3306,
				MaxOpenConns:      10,
				MaxIdleConns:      5,
				ConnMaxLifetime:   5 * time.Minute,
				ConnMaxIdleTime:   10 * time.Minute,
				ConnectionTimeout: 10 * time.Second,
			},
			DynamoDBConfig: InternalDynamoDBConfig{
				StreamPoll: 1 * time.Second,
			},
			RequestTimeout: 10 * time.Second,
		},
		ChangeFeed: InternalChangeFeedConfig{
			RedisConfig: InternalRedisConfig{
				Endpoints:     []string{"localhost:6379"},
				PoolSize:      10,
				ChannelPrefix: "syncengine",
				DialTimeout:   5 * time.Second,
			},
			KafkaConfig: InternalKafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "syncengine-changes",
				GroupPrefix:  "syncengine",
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1, // All replicas
				MinBytes:     1,
				MaxBytes:     10 * 1024 * 1024, // 10MB
				MaxWait:      500 * time.Millisecond,
			},
		},
		Processor: InternalProcessorConfig{
			MaxRetries:  5,
			RetryDelays: DefaultRetryDelays(),
			LockTimeout: 5 * time.Second,
			DrainRate:   50,
			Interval:    30 * time.Second,
		},
		Listener: InternalListenerConfig{
			Limit:           100,
			BatchSize:       50,
			RemoteBatchSize: 500,
			Debounce:        1 * time.Second,
			StaleAfter:      30 * time.Second,
		},
		Pruner: InternalPrunerConfig{
			Retention:  30 * 24 * time.Hour,
			QuotaBytes: 50 * 1024 * 1024,
			Interval:   24 * time.Hour,
		},
		Network: InternalNetworkConfig{
			InitialOnline: true,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Logging: InternalLoggingConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (cm *ConfigManager) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return cm.LoadFromYAML(data)
	case ".json":
		return cm.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := DefaultInternalConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := cm.validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromJSON loads configuration from JSON data.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := DefaultInternalConfig()
	if len(data) > 0 {
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	if err := cm.validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromEnv applies environment overrides on top of the current configuration.
// Environment variables follow the pattern: SYNCENGINE_<SECTION>_<KEY>
// Examples:
//   - SYNCENGINE_LOCAL_STORE_PATH=/var/lib/syncengine/sync.db
//   - SYNCENGINE_REMOTE_TYPE=mysql
//   - SYNCENGINE_MYSQL_HOST=db.internal
//   - SYNCENGINE_CHANGE_FEED_TYPE=redis
//   - SYNCENGINE_PROCESSOR_DRAIN_RATE=20
func (cm *ConfigManager) LoadFromEnv() error {
	config := *cm.config

	setString := func(key string, dst *string) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(envPrefix + key); val != "" {
			var n int
			if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(envPrefix + key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = strings.Split(val, ",")
		}
	}

	setString("CLIENT_ID", &config.ClientID)

	// Local store
	setString("LOCAL_STORE_TYPE", &config.LocalStore.Type)
	setString("LOCAL_STORE_PATH", &config.LocalStore.Path)
	setDuration("LOCAL_STORE_BUSY_TIMEOUT", &config.LocalStore.BusyTimeout)

	// Remote store
	setString("REMOTE_TYPE", &config.Remote.Type)
	setDuration("REMOTE_REQUEST_TIMEOUT", &config.Remote.RequestTimeout)
	setString("MYSQL_HOST", &config.Remote.MySQLConfig.Host)
	setInt("MYSQL_PORT", &config.Remote.MySQLConfig.Port)
	setString("MYSQL_DATABASE", &config.Remote.MySQLConfig.Database)
	setString("MYSQL_USERNAME", &config.Remote.MySQLConfig.Username)
	setString("MYSQL_PASSWORD", &config.Remote.MySQLConfig.Password)
	setInt("MYSQL_MAX_OPEN_CONNS", &config.Remote.MySQLConfig.MaxOpenConns)
	setString("DYNAMODB_REGION", &config.Remote.DynamoDBConfig.Region)
	setString("DYNAMODB_TABLE_NAME", &config.Remote.DynamoDBConfig.TableName)
	setString("DYNAMODB_ENDPOINT", &config.Remote.DynamoDBConfig.Endpoint)
	setString("DYNAMODB_ACCESS_KEY_ID", &config.Remote.DynamoDBConfig.AccessKeyID)
	setString("DYNAMODB_SECRET_ACCESS_KEY", &config.Remote.DynamoDBConfig.SecretAccessKey)

	// Change feed
	setString("CHANGE_FEED_TYPE", &config.ChangeFeed.Type)
	setList("REDIS_ENDPOINTS", &config.ChangeFeed.RedisConfig.Endpoints)
	setString("REDIS_PASSWORD", &config.ChangeFeed.RedisConfig.Password)
	setInt("REDIS_DB", &config.ChangeFeed.RedisConfig.DB)
	setList("KAFKA_BROKERS", &config.ChangeFeed.KafkaConfig.Brokers)
	setString("KAFKA_TOPIC", &config.ChangeFeed.KafkaConfig.Topic)

	// Processor
	setInt("PROCESSOR_MAX_RETRIES", &config.Processor.MaxRetries)
	setInt("PROCESSOR_DRAIN_RATE", &config.Processor.DrainRate)
	setDuration("PROCESSOR_LOCK_TIMEOUT", &config.Processor.LockTimeout)
	setDuration("PROCESSOR_INTERVAL", &config.Processor.Interval)

	// Listener
	setInt("LISTENER_LIMIT", &config.Listener.Limit)
	setInt("LISTENER_BATCH_SIZE", &config.Listener.BatchSize)
	setDuration("LISTENER_DEBOUNCE", &config.Listener.Debounce)

	// Pruner
	setDuration("PRUNER_RETENTION", &config.Pruner.Retention)
	setDuration("PRUNER_INTERVAL", &config.Pruner.Interval)
	if val := os.Getenv(envPrefix + "PRUNER_QUOTA_BYTES"); val != "" {
		var quota int64
		if _, err := fmt.Sscanf(val, "%d", &quota); err == nil {
			config.Pruner.QuotaBytes = quota
		}
	}

	// Network
	if val := os.Getenv(envPrefix + "NETWORK_INITIAL_ONLINE"); val != "" {
		config.Network.InitialOnline = (val == "true" || val == "1")
	}
	setDuration("NETWORK_PROBE_INTERVAL", &config.Network.ProbeInterval)

	setString("LOGGING_FILE", &config.Logging.File)

	if err := cm.validateConfig(&config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = &config
	return nil
}

// GetConfig returns the current internal configuration.
func (cm *ConfigManager) GetConfig() *InternalConfig {
	return cm.config
}

// validateConfig validates the configuration and returns an error if invalid.
// Remote validation uses the Strategy pattern.
func (cm *ConfigManager) validateConfig(config *InternalConfig) error {
	if len(config.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	seen := make(map[string]bool, len(config.Collections))
	for _, col := range config.Collections {
		if col.Name == "" {
			return fmt.Errorf("collections[].name is required")
		}
		if seen[col.Name] {
			return fmt.Errorf("collection %q is declared twice", col.Name)
		}
		seen[col.Name] = true
		for _, f := range col.Fields {
			if f.Name == "" {
				return fmt.Errorf("collection %q: field name is required", col.Name)
			}
		}
	}

	switch config.LocalStore.Type {
	case "sqlite":
		if config.LocalStore.Path == "" {
			return fmt.Errorf("local_store.path is required for sqlite")
		}
	case "memory":
	case "":
		return fmt.Errorf("local_store.type is required")
	default:
		return fmt.Errorf("local_store.type must be 'sqlite' or 'memory'")
	}

	if config.Remote.Type == "" {
		return fmt.Errorf("remote.type is required")
	}

	// Get validator from registry based on config type (Strategy pattern)
	validator, exists := GetValidator(config.Remote.Type)
	if !exists {
		return fmt.Errorf("unsupported remote store type: %s", config.Remote.Type)
	}
	if err := validator.Validate(config); err != nil {
		return fmt.Errorf("remote validation failed: %w", err)
	}

	switch config.ChangeFeed.Type {
	case "", "none", "memory":
	case "redis":
		if len(config.ChangeFeed.RedisConfig.Endpoints) == 0 {
			return fmt.Errorf("change_feed.redis_config.endpoints is required when type is 'redis'")
		}
	case "kafka":
		if len(config.ChangeFeed.KafkaConfig.Brokers) == 0 {
			return fmt.Errorf("change_feed.kafka_config.brokers is required when type is 'kafka'")
		}
		if config.ChangeFeed.KafkaConfig.Topic == "" {
			return fmt.Errorf("change_feed.kafka_config.topic is required when type is 'kafka'")
		}
	default:
		return fmt.Errorf("change_feed.type must be 'none', 'memory', 'redis' or 'kafka'")
	}

	if config.Processor.MaxRetries <= 0 {
		return fmt.Errorf("processor.max_retries must be greater than 0")
	}
	if len(config.Processor.RetryDelays) == 0 {
		return fmt.Errorf("processor.retry_delays must not be empty")
	}
	if config.Processor.LockTimeout <= 0 {
		return fmt.Errorf("processor.lock_timeout must be greater than 0")
	}
	if config.Processor.DrainRate <= 0 {
		return fmt.Errorf("processor.drain_rate must be greater than 0")
	}

	if config.Listener.Limit <= 0 {
		return fmt.Errorf("listener.limit must be greater than 0")
	}
	if config.Listener.BatchSize <= 0 {
		return fmt.Errorf("listener.batch_size must be greater than 0")
	}
	if config.Listener.RemoteBatchSize <= 0 {
		return fmt.Errorf("listener.remote_batch_size must be greater than 0")
	}
	if config.Listener.Debounce < 0 {
		return fmt.Errorf("listener.debounce must be non-negative")
	}

	if config.Pruner.Retention <= 0 {
		return fmt.Errorf("pruner.retention must be greater than 0")
	}
	if config.Pruner.QuotaBytes <= 0 {
		return fmt.Errorf("pruner.quota_bytes must be greater than 0")
	}

	return nil
}
