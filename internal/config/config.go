// Package config loads runtime configuration for the relay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the relay process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the public HTTP/WS listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig controls the embedded relational store.
type StoreConfig struct {
	DatabaseFile   string `mapstructure:"database_file"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// BrokerConfig controls broker-internal tunables: batching, retention, cache.
type BrokerConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchInterval    time.Duration `mapstructure:"batch_interval"`
	RetentionPeriod  time.Duration `mapstructure:"retention_period"`
	MaxMessages      int           `mapstructure:"max_messages"`
	MaxConsumptions  int           `mapstructure:"max_consumptions"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	EventBusCapacity int           `mapstructure:"event_bus_capacity"`
	RoomCapacity     int           `mapstructure:"room_capacity"`
	DashboardDefault bool          `mapstructure:"dashboard_default"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("store.database_file", ":memory:")
	v.SetDefault("store.max_connections", 10)

	v.SetDefault("broker.batch_size", 500)
	v.SetDefault("broker.batch_interval", 20*time.Millisecond)
	v.SetDefault("broker.retention_period", 30*time.Minute)
	v.SetDefault("broker.max_messages", 10_000)
	v.SetDefault("broker.max_consumptions", 10_000)
	v.SetDefault("broker.max_age", 24*time.Hour)
	v.SetDefault("broker.cache_ttl", 2*time.Second)
	v.SetDefault("broker.event_bus_capacity", 1000)
	v.SetDefault("broker.room_capacity", 1000)
	v.SetDefault("broker.dashboard_default", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("pubsub")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("PUBSUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Attempt to read an optional config file; absence is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	// DATABASE_FILE is the spec's documented override and is read directly
	// (unprefixed), independent of the PUBSUB_ prefix the rest of config uses.
	if env, ok := os.LookupEnv("DATABASE_FILE"); ok {
		cfg.Store.DatabaseFile = env
	}

	if cfg.Broker.BatchSize <= 0 {
		cfg.Broker.BatchSize = 500
	}

	return cfg, nil
}
