package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the realtime engine.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Events      EventsConfig      `mapstructure:"events"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Pagination  PaginationConfig  `mapstructure:"pagination"`
	Fanout      FanoutConfig      `mapstructure:"fanout"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// EventsConfig selects the event bus transport. Backend is "memory" or "redis";
// the redis backend reuses cache.redis connection settings.
type EventsConfig struct {
	Backend      string        `mapstructure:"backend"`
	BufferSize   int64         `mapstructure:"buffer_size"`
	StreamPrefix string        `mapstructure:"stream_prefix"`
	BlockTime    time.Duration `mapstructure:"block_time"`
}

// RealtimeConfig tunes signaling and presence timings.
type RealtimeConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	TypingTTL      time.Duration `mapstructure:"typing_ttl"`
	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
	UploadClaimTTL time.Duration `mapstructure:"upload_claim_ttl"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// PaginationConfig holds the page size shared by paginated reads and fan-out pages.
type PaginationConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// FanoutConfig paces broadcast publishing.
type FanoutConfig struct {
	PaceInterval time.Duration `mapstructure:"pace_interval"`
	// DispatchLimit caps dispatch and reaction requests per user per minute. Zero disables it.
	DispatchLimit int `mapstructure:"dispatch_limit"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// MaintenanceConfig schedules background cleanup.
type MaintenanceConfig struct {
	CachePurgeSchedule    string        `mapstructure:"cache_purge_schedule"`
	NotificationSchedule  string        `mapstructure:"notification_schedule"`
	NotificationRetention time.Duration `mapstructure:"notification_retention"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("MEETUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Events.Backend)) {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: events.backend must be memory or redis (got %q)", c.Events.Backend)
	}
	if strings.EqualFold(c.Events.Backend, "redis") && !c.Cache.Redis.Enabled {
		return errors.New("config: events.backend=redis requires cache.redis.enabled")
	}
	if c.Realtime.CallTimeout <= 0 {
		return errors.New("config: realtime.call_timeout must be positive")
	}
	if c.Pagination.PageSize <= 0 {
		return errors.New("config: pagination.page_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/meetup.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "meetup:")

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.stream_prefix", "meetup.events.")
	v.SetDefault("events.block_time", "1s")

	v.SetDefault("realtime.call_timeout", "60s")
	v.SetDefault("realtime.typing_ttl", "3s")
	v.SetDefault("realtime.presence_ttl", "5m")
	v.SetDefault("realtime.upload_claim_ttl", "10m")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.allowed_origins", []string{})

	v.SetDefault("pagination.page_size", 20)
	v.SetDefault("fanout.pace_interval", "100ms")
	v.SetDefault("fanout.dispatch_limit", 120)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")

	v.SetDefault("maintenance.cache_purge_schedule", "@every 5m")
	v.SetDefault("maintenance.notification_schedule", "@daily")
	v.SetDefault("maintenance.notification_retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
