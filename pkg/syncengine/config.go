package syncengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the root configuration for the sync engine client.
type Config struct {
	// ClientID tags this client's remote writes so their echoes can be
	// recognized. A random id is generated when empty.
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty"`

	// Collections declares the synchronized collections. Every collection
	// the application touches must be declared here.
	Collections []CollectionConfig `yaml:"collections,omitempty" json:"collections,omitempty"`

	// LocalStore contains configuration for the on-device store.
	LocalStore LocalStoreConfig `yaml:"local_store" json:"local_store"`

	// Remote contains configuration for the shared remote document store.
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// ChangeFeed carries change notifications for remotes without native
	// subscriptions (MySQL).
	ChangeFeed ChangeFeedConfig `yaml:"change_feed,omitempty" json:"change_feed,omitempty"`

	// Processor contains queue processing configuration.
	Processor ProcessorConfig `yaml:"processor" json:"processor"`

	// Listener contains remote listener and merge configuration.
	Listener ListenerConfig `yaml:"listener" json:"listener"`

	// Pruner contains local data retention configuration.
	Pruner PrunerConfig `yaml:"pruner" json:"pruner"`

	// Network contains connectivity monitoring configuration.
	Network NetworkConfig `yaml:"network" json:"network"`

	// Logging controls log file rotation. Logs go to stderr when File is empty.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// CollectionConfig declares one collection.
type CollectionConfig struct {
	Name string `yaml:"name" json:"name"`

	// Sync starts the remote listener for this collection when the client starts.
	Sync bool `yaml:"sync" json:"sync"`

	// Fields is an optional document schema checked on local writes and on
	// incoming remote documents.
	Fields []FieldConfig `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldConfig describes one document field.
type FieldConfig struct {
	Name string `yaml:"name" json:"name"`

	// Type is one of "string", "number", "bool", "timestamp", "object",
	// "array" or "any".
	Type string `yaml:"type" json:"type"`

	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// LocalStoreConfig contains configuration for the local store.
type LocalStoreConfig struct {
	// Type is "sqlite" or "memory".
	Type string `yaml:"type" json:"type"`

	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// BusyTimeout bounds how long SQLite waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty" json:"busy_timeout,omitempty"`
}

// RemoteConfig contains configuration for the remote store.
type RemoteConfig struct {
	// Type is "mysql", "dynamodb" or "memory".
	Type string `yaml:"type" json:"type"`

	MySQLConfig    MySQLConfig    `yaml:"mysql_config,omitempty" json:"mysql_config,omitempty"`
	DynamoDBConfig DynamoDBConfig `yaml:"dynamodb_config,omitempty" json:"dynamodb_config,omitempty"`

	// RequestTimeout bounds every remote call.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
}

// MySQLConfig contains MySQL-specific configuration.
type MySQLConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Database          string        `yaml:"database" json:"database"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password,omitempty" json:"password,omitempty"`
	MaxOpenConns      int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns      int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time,omitempty" json:"conn_max_idle_time,omitempty"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
}

// DynamoDBConfig contains DynamoDB-specific configuration.
type DynamoDBConfig struct {
	Region    string `yaml:"region" json:"region"`
	TableName string `yaml:"table_name" json:"table_name"`

	// Endpoint overrides the AWS endpoint, e.g. for DynamoDB Local.
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`

	// StreamPoll is how often the table's stream shards are read.
	StreamPoll time.Duration `yaml:"stream_poll,omitempty" json:"stream_poll,omitempty"`
}

// ChangeFeedConfig contains configuration for the change feed.
type ChangeFeedConfig struct {
	// Type is "none", "memory", "redis" or "kafka".
	Type        string      `yaml:"type,omitempty" json:"type,omitempty"`
	RedisConfig RedisConfig `yaml:"redis_config,omitempty" json:"redis_config,omitempty"`
	KafkaConfig KafkaConfig `yaml:"kafka_config,omitempty" json:"kafka_config,omitempty"`
}

// RedisConfig contains Redis pub/sub configuration.
type RedisConfig struct {
	Endpoints     []string      `yaml:"endpoints" json:"endpoints"`
	Password      string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB            int           `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize      int           `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	ChannelPrefix string        `yaml:"channel_prefix,omitempty" json:"channel_prefix,omitempty"`
	DialTimeout   time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// KafkaConfig contains Kafka topic configuration.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`

	// GroupPrefix prefixes the per-client consumer group id.
	GroupPrefix  string        `yaml:"group_prefix,omitempty" json:"group_prefix,omitempty"`
	BatchTimeout time.Duration `yaml:"batch_timeout,omitempty" json:"batch_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// RequiredAcks is the number of acknowledgments required (0, 1, or -1 for all).
	RequiredAcks int           `yaml:"required_acks,omitempty" json:"required_acks,omitempty"`
	MinBytes     int           `yaml:"min_bytes,omitempty" json:"min_bytes,omitempty"`
	MaxBytes     int           `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	MaxWait      time.Duration `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
}

// ProcessorConfig contains queue processor configuration.
type ProcessorConfig struct {
	// MaxRetries is the number of attempts after which an operation is
	// marked failed.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryDelays is the backoff table. Attempt n waits RetryDelays[n-1];
	// attempts past the end reuse the last entry.
	RetryDelays []time.Duration `yaml:"retry_delays,omitempty" json:"retry_delays,omitempty"`

	// LockTimeout is the age after which a processing lock is considered stale.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// DrainRate is the maximum number of remote writes per second.
	DrainRate int `yaml:"drain_rate" json:"drain_rate"`

	// Interval is how often the queue is drained in the background.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// ListenerConfig contains remote listener configuration.
type ListenerConfig struct {
	// Limit is the number of most recent documents fetched and watched.
	Limit int `yaml:"limit" json:"limit"`

	// BatchSize is the number of local writes per transaction.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// RemoteBatchSize is the number of remote repair writes per commit.
	RemoteBatchSize int `yaml:"remote_batch_size" json:"remote_batch_size"`

	// Debounce is the quiet period before buffered changes are merged.
	Debounce time.Duration `yaml:"debounce" json:"debounce"`

	// StaleAfter is the age after which an in-progress sync is abandoned.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// RepairStaleRemote writes newer synced local records back over older
	// remote documents.
	RepairStaleRemote bool `yaml:"repair_stale_remote,omitempty" json:"repair_stale_remote,omitempty"`
}

// PrunerConfig contains local data retention configuration.
type PrunerConfig struct {
	Retention  time.Duration `yaml:"retention" json:"retention"`
	QuotaBytes int64         `yaml:"quota_bytes" json:"quota_bytes"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
}

// NetworkConfig contains connectivity monitoring configuration.
type NetworkConfig struct {
	// InitialOnline is the connectivity assumed before the first probe.
	InitialOnline bool `yaml:"initial_online" json:"initial_online"`

	// ProbeInterval is how often the remote store is pinged. Zero disables
	// probing, leaving connectivity to SetOnline.
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// LoggingConfig controls log output rotation.
type LoggingConfig struct {
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults: the four
// standard collections synced, a SQLite local store and an in-memory remote.
func DefaultConfig() *Config {
	collections := make([]CollectionConfig, 0, 4)
	for _, name := range []string{"sales", "inventory", "categories", "financial"} {
		collections = append(collections, CollectionConfig{Name: name, Sync: true})
	}

	return &Config{
		Collections: collections,
		LocalStore: LocalStoreConfig{
			Type:        "sqlite",
			Path:        "syncengine.db",
			BusyTimeout: 5 * time.Second,
		},
		Remote: RemoteConfig{
			Type: "memory",
			MySQLConfig: MySQLConfig{
				Host:              "localhost",
				Port:              3306,
				MaxOpenConns:      10,
				MaxIdleConns:      5,
				ConnMaxLifetime:   5 * time.Minute,
				ConnMaxIdleTime:   10 * time.Minute,
				ConnectionTimeout: 10 * time.Second,
			},
			DynamoDBConfig: DynamoDBConfig{
				StreamPoll: 1 * time.Second,
			},
			RequestTimeout: 10 * time.Second,
		},
		ChangeFeed: ChangeFeedConfig{
			RedisConfig: RedisConfig{
				Endpoints:     []string{"localhost:6379"},
				PoolSize:      10,
				ChannelPrefix: "syncengine",
				DialTimeout:   5 * time.Second,
			},
			KafkaConfig: KafkaConfig{
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
		Processor: ProcessorConfig{
			MaxRetries:  5,
			RetryDelays: []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
			LockTimeout: 5 * time.Second,
			DrainRate:   50,
			Interval:    30 * time.Second,
		},
		Listener: ListenerConfig{
			Limit:           100,
			BatchSize:       50,
			RemoteBatchSize: 500,
			Debounce:        1 * time.Second,
			StaleAfter:      30 * time.Second,
		},
		Pruner: PrunerConfig{
			Retention:  30 * 24 * time.Hour,
			QuotaBytes: 50 * 1024 * 1024,
			Interval:   24 * time.Hour,
		},
		Network: NetworkConfig{
			InitialOnline: true,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads a YAML or JSON file on top of DefaultConfig.
// The format is determined by the file extension (.yaml, .yml, or .json).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}
