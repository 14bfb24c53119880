package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk file shape. A zero value for any field
// means "use the default", so a user's file only needs to name the
// knobs it wants to override.
type yamlConfig struct {
	ID       string `yaml:"id"`
	HTTPAddr string `yaml:"http_addr"`

	MQTT       MQTTConfig          `yaml:"mqtt"`
	NATS       NATSConfig          `yaml:"nats"`
	BrokerID   string              `yaml:"broker_id"`
	Backend    BackendConfig       `yaml:"backend"`
	Outbox     OutboxConfig        `yaml:"outbox"`
	JanusGroup string              `yaml:"janus_group"`
	JanusReg   JanusRegistryConfig `yaml:"janus_registry"`
	ServiceJWT ServiceJWTConfig    `yaml:"service_jwt"`
	Upload     UploadConfig        `yaml:"upload"`
	Metrics    MetricsConfig       `yaml:"metrics"`
	Database   DatabaseConfig      `yaml:"database"`
	SentryDSN  string              `yaml:"sentry_dsn"`

	WaitlistEpochDuration time.Duration `yaml:"waitlist_epoch_duration"`
	WaitlistTimeout       time.Duration `yaml:"waitlist_timeout"`
	OrphanedRoomTimeout   time.Duration `yaml:"orphaned_room_timeout"`
	MaxRoomDuration       time.Duration `yaml:"max_room_duration"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr: ":8080",
		NATS:     NATSConfig{URI: "nats://localhost:4222"},
		Backend: BackendConfig{
			DefaultTimeout:                 5 * time.Second,
			StreamUploadTimeout:            60 * time.Second,
			TransactionWatchdogCheckPeriod: time.Second,
		},
		Waitlist: WaitlistConfig{
			EpochDuration: 5 * time.Second,
			Timeout:       5 * time.Second,
		},
		Outbox: OutboxConfig{
			MessagesPerTry:      20,
			TryWakeInterval:     time.Second,
			MaxDeliveryInterval: time.Hour,
		},
		Room: RoomConfig{
			OrphanedRoomTimeout: 10 * time.Minute,
			MaxRoomDuration:     8 * time.Hour,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MinOpenConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			HTTP: struct {
				BindAddress string `yaml:"bind_address"`
			}{BindAddress: ":9090"},
		},
	}
}

// Initialize loads configPath, expands environment variables, merges
// the result over built-in defaults, validates, and returns a ready
// Config.
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("loading configuration")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(configPath, ErrConfigNotFound)
		}
		return nil, NewLoadError(configPath, err)
	}
	data = ExpandEnv(data)

	var parsed yamlConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, NewLoadError(configPath, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := defaultConfig()
	user := Config{
		ID:         parsed.ID,
		HTTPAddr:   parsed.HTTPAddr,
		MQTT:       parsed.MQTT,
		NATS:       parsed.NATS,
		BrokerID:   parsed.BrokerID,
		Backend:    parsed.Backend,
		JanusGroup: parsed.JanusGroup,
		JanusReg:   parsed.JanusReg,
		ServiceJWT: parsed.ServiceJWT,
		Upload:     parsed.Upload,
		Metrics:    parsed.Metrics,
		Database:   parsed.Database,
		SentryDSN:  parsed.SentryDSN,
		Outbox:     parsed.Outbox,
		Waitlist: WaitlistConfig{
			EpochDuration: parsed.WaitlistEpochDuration,
			Timeout:       parsed.WaitlistTimeout,
		},
		Room: RoomConfig{
			OrphanedRoomTimeout: parsed.OrphanedRoomTimeout,
			MaxRoomDuration:     parsed.MaxRoomDuration,
		},
	}

	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configPath = configPath

	if err := NewValidator(&cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded", "id", cfg.ID, "http_addr", cfg.HTTPAddr)
	return &cfg, nil
}
