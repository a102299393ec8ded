package registry

import (
	"time"
)

// InternalConfig represents the internal configuration structure.
// This is a copy of the public Config type to avoid import cycles.
type InternalConfig struct {
	// ClientID identifies this client in remote change events. Generated
	// when empty.
	ClientID    string                        `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Collections []InternalCollectionConfig    `yaml:"collections,omitempty" json:"collections,omitempty"`
	LocalStore  InternalLocalStoreConfig      `yaml:"local_store" json:"local_store"`
	Remote      InternalRemoteConfig          `yaml:"remote" json:"remote"`
	ChangeFeed  InternalChangeFeedConfig      `yaml:"change_feed,omitempty" json:"change_feed,omitempty"`
	Processor   InternalProcessorConfig       `yaml:"processor" json:"processor"`
	Listener    InternalListenerConfig        `yaml:"listener" json:"listener"`
	Pruner      InternalPrunerConfig          `yaml:"pruner" json:"pruner"`
	Network     InternalNetworkConfig         `yaml:"network" json:"network"`
	Logging     InternalLoggingConfig         `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// InternalCollectionConfig declares one synchronized collection.
type InternalCollectionConfig struct {
	Name string `yaml:"name" json:"name"`

	// Sync enables the remote listener for this collection at startup.
	Sync bool `yaml:"sync" json:"sync"`

	// Fields is an optional document schema.
	Fields []InternalFieldConfig `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// InternalFieldConfig describes one document field.
type InternalFieldConfig struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// InternalLocalStoreConfig contains configuration for the local store.
type InternalLocalStoreConfig struct {
	Type        string        `yaml:"type" json:"type"`
	Path        string        `yaml:"path,omitempty" json:"path,omitempty"`
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty" json:"busy_timeout,omitempty"`
}

// InternalRemoteConfig contains configuration for the remote store.
// Supports multiple backends through the validator and factory registries.
type InternalRemoteConfig struct {
	Type           string                 `yaml:"type" json:"type"`
	MySQLConfig    InternalMySQLConfig    `yaml:"mysql_config,omitempty" json:"mysql_config,omitempty"`
	DynamoDBConfig InternalDynamoDBConfig `yaml:"dynamodb_config,omitempty" json:"dynamodb_config,omitempty"`
	RequestTimeout time.Duration          `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
}

// InternalMySQLConfig contains MySQL-specific configuration.
type InternalMySQLConfig struct {
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

// InternalDynamoDBConfig contains DynamoDB-specific configuration.
type InternalDynamoDBConfig struct {
	Region          string        `yaml:"region" json:"region"`
	TableName       string        `yaml:"table_name" json:"table_name"`
	Endpoint        string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	StreamPoll      time.Duration `yaml:"stream_poll,omitempty" json:"stream_poll,omitempty"`
}

// InternalChangeFeedConfig contains configuration for the change feed used
// by remotes without native subscriptions.
type InternalChangeFeedConfig struct {
	Type        string              `yaml:"type,omitempty" json:"type,omitempty"`
	RedisConfig InternalRedisConfig `yaml:"redis_config,omitempty" json:"redis_config,omitempty"`
	KafkaConfig InternalKafkaConfig `yaml:"kafka_config,omitempty" json:"kafka_config,omitempty"`
}

// InternalRedisConfig contains Redis-specific configuration.
type InternalRedisConfig struct {
	Endpoints     []string      `yaml:"endpoints" json:"endpoints"`
	Password      string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB            int           `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize      int           `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	ChannelPrefix string        `yaml:"channel_prefix,omitempty" json:"channel_prefix,omitempty"`
	DialTimeout   time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// InternalKafkaConfig contains Kafka-specific configuration.
type InternalKafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	GroupPrefix  string        `yaml:"group_prefix,omitempty" json:"group_prefix,omitempty"`
	BatchTimeout time.Duration `yaml:"batch_timeout,omitempty" json:"batch_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
	RequiredAcks int           `yaml:"required_acks,omitempty" json:"required_acks,omitempty"`
	MinBytes     int           `yaml:"min_bytes,omitempty" json:"min_bytes,omitempty"`
	MaxBytes     int           `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	MaxWait      time.Duration `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
}

// InternalProcessorConfig contains queue processor configuration.
type InternalProcessorConfig struct {
	MaxRetries  int             `yaml:"max_retries" json:"max_retries"`
	RetryDelays []time.Duration `yaml:"retry_delays,omitempty" json:"retry_delays,omitempty"`
	LockTimeout time.Duration   `yaml:"lock_timeout" json:"lock_timeout"`
	DrainRate   int             `yaml:"drain_rate" json:"drain_rate"`
	Interval    time.Duration   `yaml:"interval" json:"interval"`
}

// InternalListenerConfig contains remote listener configuration.
type InternalListenerConfig struct {
	Limit             int           `yaml:"limit" json:"limit"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	RemoteBatchSize   int           `yaml:"remote_batch_size" json:"remote_batch_size"`
	Debounce          time.Duration `yaml:"debounce" json:"debounce"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
	RepairStaleRemote bool          `yaml:"repair_stale_remote,omitempty" json:"repair_stale_remote,omitempty"`
}

// InternalPrunerConfig contains pruning service configuration.
type InternalPrunerConfig struct {
	Retention  time.Duration `yaml:"retention" json:"retention"`
	QuotaBytes int64         `yaml:"quota_bytes" json:"quota_bytes"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
}

// InternalNetworkConfig contains network monitor configuration.
type InternalNetworkConfig struct {
	InitialOnline bool          `yaml:"initial_online" json:"initial_online"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// InternalLoggingConfig controls log output rotation.
type InternalLoggingConfig struct {
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// CollectionNames returns the configured collection names in order.
func (c *InternalConfig) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for _, col := range c.Collections {
		names = append(names, col.Name)
	}
	return names
}
