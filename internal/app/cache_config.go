package app

import (
	"strings"

	"github.com/charlesng35/gpubroker/internal/cache"
)

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		URL:      strings.TrimSpace(c.Redis.URL),
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: strings.TrimSpace(c.Redis.Username),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
	}
}

// RedisTarget describes the configured endpoint for logs without exposing credentials.
func (c CacheConfig) RedisTarget() string {
	if strings.TrimSpace(c.Redis.URL) != "" {
		return "url"
	}
	return strings.TrimSpace(c.Redis.Address)
}
