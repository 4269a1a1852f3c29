// Package config provides configuration management for Herald.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, REDIS_ADDR)
// 3. Default values
//
// Import Path: herald.io/herald/internal/config
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Preference PreferenceConfig `mapstructure:"preference"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pgxpool is shared by the store, the dedupe guard and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains Redis settings. An empty Addr disables Redis; the
// dedupe guard then falls back to PostgreSQL and rate limiting to memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	DispatchMaxAttempts         int           `mapstructure:"dispatch_max_attempts"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize  int `mapstructure:"general_pool_size"`
	DeliveryPoolSize int `mapstructure:"delivery_pool_size"`
	// SessionPoolSize caps concurrent websockets per instance.
	SessionPoolSize  int `mapstructure:"session_pool_size"`
}

// DispatchConfig tunes the fan-out engine.
type DispatchConfig struct {
	// RealtimeTimeout bounds the synchronous socket delivery attempt.
	RealtimeTimeout time.Duration `mapstructure:"realtime_timeout"`
	// CatalogFile optionally extends the built-in category catalog.
	CatalogFile string `mapstructure:"catalog_file"`
}

// DedupeConfig configures the deduplication guard.
type DedupeConfig struct {
	Window  time.Duration `mapstructure:"window"`
	Backend string        `mapstructure:"backend"` // redis, postgres or memory
}

// PreferenceConfig configures preference resolution.
type PreferenceConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	DefaultTimezone string        `mapstructure:"default_timezone"`
	// SMSPerHour caps SMS deliveries per recipient; 0 disables the limit.
	SMSPerHour  int `mapstructure:"sms_per_hour"`
	PushPerHour int `mapstructure:"push_per_hour"`
}

// PresenceConfig configures the presence tracker.
type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ReconcileConfig configures the stale-pending sweep.
type ReconcileConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxPendingAge time.Duration `mapstructure:"max_pending_age"`
	AbandonAfter  time.Duration `mapstructure:"abandon_after"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// RetentionConfig configures notification cleanup.
type RetentionConfig struct {
	Notifications time.Duration `mapstructure:"notifications"`
}

// IngestConfig configures the Kafka request consumer.
type IngestConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	// MaxAttempts bounds how often one message is handed to the event bus
	// before it is logged and committed.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ProvidersConfig configures outbound delivery backends.
type ProvidersConfig struct {
	Push  HTTPProviderConfig  `mapstructure:"push"`
	SMS   HTTPProviderConfig  `mapstructure:"sms"`
	Email EmailProviderConfig `mapstructure:"email"`
	// MaxAttempts is the adapter-owned retry budget per delivery.
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// HTTPProviderConfig describes a JSON-over-HTTP gateway.
type HTTPProviderConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether the gateway URL is set.
func (c HTTPProviderConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// EmailProviderConfig describes the AMQP mail handoff.
type EmailProviderConfig struct {
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Enabled reports whether the AMQP URL is set.
func (c EmailProviderConfig) Enabled() bool {
	return strings.TrimSpace(c.AMQPURL) != ""
}

// Load reads configuration from file and environment variables.
// Environment names carry no prefix: dispatch.realtime_timeout maps to
// DISPATCH_REALTIME_TIMEOUT.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/herald")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Dedupe.Window <= 0 {
		return fmt.Errorf("dedupe.window must be positive")
	}
	switch c.Dedupe.Backend {
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("dedupe.backend=redis requires redis.addr")
		}
	case "postgres", "memory":
	default:
		return fmt.Errorf("dedupe.backend must be one of redis, postgres, memory; got %q", c.Dedupe.Backend)
	}
	if c.Dispatch.RealtimeTimeout <= 0 {
		return fmt.Errorf("dispatch.realtime_timeout must be positive")
	}
	if c.Providers.MaxAttempts < 1 {
		return fmt.Errorf("providers.max_attempts must be at least 1")
	}
	if c.Reconcile.AbandonAfter <= c.Reconcile.MaxPendingAge {
		return fmt.Errorf("reconcile.abandon_after must exceed reconcile.max_pending_age")
	}
	if c.Ingest.Enabled {
		if len(c.Ingest.Brokers) == 0 || c.Ingest.Topic == "" {
			return fmt.Errorf("ingest requires brokers and topic when enabled")
		}
	}
	if _, err := time.LoadLocation(c.Preference.DefaultTimezone); err != nil {
		return fmt.Errorf("preference.default_timezone: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "herald")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "herald")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 20)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.dispatch_max_attempts", 8)

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.delivery_pool_size", 200)
	v.SetDefault("worker.session_pool_size", 10000)

	// Dispatch
	v.SetDefault("dispatch.realtime_timeout", "3s")
	v.SetDefault("dispatch.catalog_file", "")

	// Dedupe
	v.SetDefault("dedupe.window", "5m")
	v.SetDefault("dedupe.backend", "postgres")

	// Preferences
	v.SetDefault("preference.cache_ttl", "30s")
	v.SetDefault("preference.default_timezone", "UTC")
	v.SetDefault("preference.sms_per_hour", 10)
	v.SetDefault("preference.push_per_hour", 0)

	// Presence
	v.SetDefault("presence.ttl", "90s")
	v.SetDefault("presence.sweep_interval", "30s")

	// Reconcile
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.max_pending_age", "2m")
	v.SetDefault("reconcile.abandon_after", "1h")
	v.SetDefault("reconcile.batch_size", 200)
	v.SetDefault("reconcile.concurrency", 8)

	// Retention
	v.SetDefault("retention.notifications", "2160h")

	// Ingest
	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.brokers", []string{})
	v.SetDefault("ingest.topic", "notification.requests")
	v.SetDefault("ingest.group_id", "herald-dispatch")
	v.SetDefault("ingest.max_attempts", 5)

	// Providers
	v.SetDefault("providers.push.timeout", "5s")
	v.SetDefault("providers.sms.timeout", "5s")
	v.SetDefault("providers.email.exchange", "mail")
	v.SetDefault("providers.email.routing_key", "mail.outbound")
	v.SetDefault("providers.max_attempts", 3)
	v.SetDefault("providers.initial_backoff", "200ms")
}
