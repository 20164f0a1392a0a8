package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/auth"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/internal/signaling"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "console", cfg.Server.LogFormat)
	require.Equal(t, 5, cfg.Server.RateLimit.Requests)
	require.Equal(t, 30*time.Second, cfg.Server.RateLimit.Window)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "redis://cache.example.com:6379/2", cfg.Cache.Redis.URL)
	require.Equal(t, 5*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.TTL)

	require.Equal(t, 10*time.Second, cfg.Broker.EstablishmentTimeout)
	require.Equal(t, 20*time.Second, cfg.Broker.OverallTimeout)
	require.Equal(t, 2*time.Second, cfg.Broker.DirectWindow)
	require.Equal(t, 4, cfg.Broker.GraceMultiplier)
	require.Equal(t, 8*time.Hour, cfg.Broker.MaxSessionDuration)
	require.Equal(t, 10*time.Second, cfg.Broker.Sweep())

	require.Equal(t, "10.200.0.0/16:128", cfg.Pool.Layout())

	require.Equal(t, "tunnel-secret", cfg.Tunnels.SigningSecret)
	require.Equal(t, []string{"wireguard", "udp"}, cfg.Tunnels.Protocols)

	require.Len(t, cfg.Gateways, 2)
	require.Equal(t, "gw-eu", cfg.Gateways[0].ID)
	require.Equal(t, "Frankfurt", cfg.Gateways[0].Name)
	require.Equal(t, "us-token", cfg.Gateways[1].Token)

	require.Equal(t, signaling.Options{SendTimeout: 2 * time.Second, SendBuffer: 32, PongWait: 45 * time.Second}, cfg.Signaling.HubOptions())
	require.Equal(t, "@every 30m", cfg.Audit.VerifySchedule)
	require.Equal(t, 200, cfg.Audit.BatchSize)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "json", cfg.Server.LogFormat)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 20, cfg.Database.MaxOpenConns)
	require.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, 15*time.Second, cfg.Broker.EstablishmentTimeout)
	require.Equal(t, 35*time.Second, cfg.Broker.OverallTimeout)
	require.Equal(t, 3*time.Second, cfg.Broker.DirectWindow)
	require.Equal(t, 25*time.Second, cfg.Broker.KeepaliveInterval)
	require.Equal(t, 3, cfg.Broker.GraceMultiplier)
	require.Equal(t, "100.64.0.0/16:256", cfg.Pool.Layout())
	require.Equal(t, []string{"wireguard", "udp", "tcp"}, cfg.Tunnels.Protocols)
	require.Empty(t, cfg.Gateways)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GPUBROKER_SERVER_PORT", "7070")
	t.Setenv("GPUBROKER_BROKER_DIRECT_WINDOW", "5s")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Broker.DirectWindow)
}

func TestAuthConfigAdapters(t *testing.T) {
	cfg := AuthConfig{JWT: JWTSettings{Secret: "secret", Issuer: "issuer", TTL: 30 * time.Minute}}
	require.Equal(t, auth.JWTConfig{
		Secret:         "secret",
		Issuer:         "issuer",
		AccessTokenTTL: 30 * time.Minute,
	}, cfg.JWTServiceConfig())

	var empty AuthConfig
	require.Equal(t, auth.DefaultAccessTokenTTL, empty.JWTServiceConfig().AccessTokenTTL)
}

func TestServiceConfigAdapters(t *testing.T) {
	broker := BrokerSettings{EstablishmentTimeout: 5 * time.Second, GraceMultiplier: 2, KeepaliveInterval: 10 * time.Second}
	require.Equal(t, 20*time.Second, broker.BrokerConfig().HeartbeatGrace())
	require.Equal(t, defaultSweepInterval, broker.Sweep())

	tunnels := TunnelSettings{SigningSecret: "s", Issuer: " broker ", Protocols: []string{" UDP ", "", "tcp"}}
	issuerCfg := tunnels.TunnelIssuerConfig()
	require.Equal(t, "broker", issuerCfg.Issuer)
	require.Equal(t, []string{"udp", "tcp"}, issuerCfg.Protocols)

	cfg := Config{Gateways: []GatewayConfig{{ID: "gw-a", Endpoint: " a:1 ", PublicKey: "k", Token: "t"}}}
	require.Equal(t, []services.GatewaySpec{{ID: "gw-a", Endpoint: "a:1", PublicKey: "k", Token: "t"}}, cfg.GatewaySpecs())

	require.Equal(t, "100.64.0.0/16:256", PoolConfig{}.Layout())
}

func TestRedisClientConfig(t *testing.T) {
	cfg := CacheConfig{Redis: RedisCacheConfig{URL: " redis://r:6379/0 ", Address: "ignored:6379", Password: "pw"}}
	redisCfg := cfg.RedisClientConfig()
	require.Equal(t, "redis://r:6379/0", redisCfg.URL)
	require.Equal(t, "pw", redisCfg.Password)
	require.Equal(t, "url", cfg.RedisTarget())

	cfg.Redis.URL = ""
	require.Equal(t, "ignored:6379", cfg.RedisTarget())
}
