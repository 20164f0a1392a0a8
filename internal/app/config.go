package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the broker.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Broker     BrokerSettings   `mapstructure:"broker"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Tunnels    TunnelSettings   `mapstructure:"tunnels"`
	Gateways   []GatewayConfig  `mapstructure:"gateways"`
	Signaling  SignalingConfig  `mapstructure:"signaling"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds how often a user may request new sessions.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. URL takes precedence over Address.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures user token validation settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// BrokerSettings tunes session establishment and liveness.
type BrokerSettings struct {
	EstablishmentTimeout time.Duration `mapstructure:"establishment_timeout"`
	OverallTimeout       time.Duration `mapstructure:"overall_timeout"`
	DirectWindow         time.Duration `mapstructure:"direct_window"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	GraceMultiplier      int           `mapstructure:"grace_multiplier"`
	MaxSessionDuration   time.Duration `mapstructure:"max_session_duration"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

// PoolConfig describes the overlay address pool.
type PoolConfig struct {
	CIDR      string `mapstructure:"cidr"`
	BlockSize int    `mapstructure:"block_size"`
}

// TunnelSettings configures relay credential issuance.
type TunnelSettings struct {
	SigningSecret string        `mapstructure:"signing_secret"`
	Issuer        string        `mapstructure:"issuer"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	Protocols     []string      `mapstructure:"protocols"`
}

// GatewayConfig declares one relay gateway. Order determines its address block.
type GatewayConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	Endpoint  string `mapstructure:"endpoint"`
	PublicKey string `mapstructure:"public_key"`
	Token     string `mapstructure:"token"`
}

// SignalingConfig tunes the websocket hub.
type SignalingConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
}

// AuditConfig controls periodic chain verification.
type AuditConfig struct {
	VerifySchedule string `mapstructure:"verify_schedule"`
	BatchSize      int    `mapstructure:"batch_size"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
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

	v.SetEnvPrefix("GPUBROKER")
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

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.rate_limit.requests", 30)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/gpubroker.sqlite")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.url", "")
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.issuer", "gpubroker")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("broker.establishment_timeout", "15s")
	v.SetDefault("broker.overall_timeout", "35s")
	v.SetDefault("broker.direct_window", "3s")
	v.SetDefault("broker.keepalive_interval", "25s")
	v.SetDefault("broker.grace_multiplier", 3)
	v.SetDefault("broker.max_session_duration", "12h")
	v.SetDefault("broker.sweep_interval", "30s")

	v.SetDefault("pool.cidr", "100.64.0.0/16")
	v.SetDefault("pool.block_size", 256)

	v.SetDefault("tunnels.issuer", "gpubroker")
	v.SetDefault("tunnels.default_ttl", "15m")
	v.SetDefault("tunnels.max_ttl", "24h")
	v.SetDefault("tunnels.protocols", []string{"wireguard", "udp", "tcp"})

	v.SetDefault("signaling.send_timeout", "5s")
	v.SetDefault("signaling.send_buffer", 64)
	v.SetDefault("signaling.pong_wait", "60s")

	v.SetDefault("audit.verify_schedule", "@every 1h")
	v.SetDefault("audit.batch_size", 500)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
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
