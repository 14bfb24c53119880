// Package config loads and validates the orchestration core's YAML
// configuration file, expanding environment variables and applying
// built-in defaults before the result is handed to the rest of the
// process.
package config

import "time"

// Config is the fully resolved, validated configuration for one
// process instance. It is built by Initialize and passed by reference
// to every component main.go wires up.
type Config struct {
	configPath string

	// ID identifies this instance on the message broker (client id and
	// inbound topic), in published NATS events, and as the metrics
	// namespace.
	ID       string
	HTTPAddr string

	MQTT       MQTTConfig
	NATS       NATSConfig
	BrokerID   string
	Backend    BackendConfig
	Waitlist   WaitlistConfig
	Outbox     OutboxConfig
	Room       RoomConfig
	JanusGroup string
	JanusReg   JanusRegistryConfig
	ServiceJWT ServiceJWTConfig
	Upload     UploadConfig
	Metrics    MetricsConfig
	Database   DatabaseConfig
	SentryDSN  string
}

// MQTTConfig holds the message broker connection.
type MQTTConfig struct {
	URI string `yaml:"uri"`
}

// NATSConfig holds the durable event bus connection.
type NATSConfig struct {
	URI string `yaml:"uri"`
}

// BackendConfig tunes the Janus client pool's request timeouts.
type BackendConfig struct {
	DefaultTimeout                 time.Duration `yaml:"default_timeout"`
	StreamUploadTimeout            time.Duration `yaml:"stream_upload_timeout"`
	TransactionWatchdogCheckPeriod time.Duration `yaml:"transaction_watchdog_check_period"`
}

// WaitlistConfig tunes the suspended-request correlation table.
type WaitlistConfig struct {
	EpochDuration time.Duration `yaml:"epoch_duration"`
	Timeout       time.Duration `yaml:"timeout"`
}

// OutboxConfig tunes the outbox delivery worker.
type OutboxConfig struct {
	MessagesPerTry      int64         `yaml:"messages_per_try"`
	TryWakeInterval     time.Duration `yaml:"try_wake_interval"`
	MaxDeliveryInterval time.Duration `yaml:"max_delivery_interval"`
}

// RoomConfig holds the room lifecycle limits. They are loaded and
// validated; no component of this process reads them.
type RoomConfig struct {
	OrphanedRoomTimeout time.Duration `yaml:"orphaned_room_timeout"`
	MaxRoomDuration     time.Duration `yaml:"max_room_duration"`
}

// JanusRegistryConfig is the internal HTTP listener backends announce
// themselves on.
type JanusRegistryConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Token    string `yaml:"token"`
}

// ServiceJWTConfig is the HMAC secret used to verify and sign the
// bearer JWTs service accounts (the external stream callback) present.
type ServiceJWTConfig struct {
	Secret string `yaml:"secret"`
}

// UploadConfig names the object storage buckets recorded streams are
// uploaded into.
type UploadConfig struct {
	Shared string `yaml:"shared"`
	Owned  string `yaml:"owned"`
}

// MetricsConfig is the Prometheus scrape listener.
type MetricsConfig struct {
	HTTP struct {
		BindAddress string `yaml:"bind_address"`
	} `yaml:"http"`
}

// DatabaseConfig is the Postgres connection the rest of the process
// shares through a single pool.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int32         `yaml:"max_open_conns"`
	MinOpenConns    int32         `yaml:"min_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ConfigPath returns the file this Config was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}
