package checks

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/monitoring"
)

const defaultPingTimeout = 2 * time.Second

// RedisPinger is the subset of the Redis client the readiness probe needs.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Database probes the session store and reports connection pool pressure.
// A store with every connection busy and callers waiting is degraded.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "session store not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.ResultFromError("database", err, 0)
		}

		result := ping(ctx, "database", timeout, sqlDB.PingContext)
		if result.Status != monitoring.StatusUp {
			return result
		}

		stats := sqlDB.Stats()
		result.Details = fmt.Sprintf("open=%d in_use=%d idle=%d", stats.OpenConnections, stats.InUse, stats.Idle)
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections && stats.WaitCount > 0 {
			result.Status = monitoring.StatusDegraded
			result.Details += fmt.Sprintf(" wait_count=%d", stats.WaitCount)
		}
		return result
	})
}

// Redis probes the shared store behind rate limits and the cross-replica
// signaling bus. A disabled store is up; an enabled but unreachable one is
// degraded since the broker falls back to the database.
func Redis(client RedisPinger, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		switch {
		case !enabled:
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		case client == nil:
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "redis unavailable; using database fallback"}
		}
		return ping(ctx, "redis", timeout, client.Ping)
	})
}

func ping(ctx context.Context, component string, timeout time.Duration, fn func(context.Context) error) monitoring.ProbeResult {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := fn(probeCtx); err != nil {
		return monitoring.ResultFromError(component, err, time.Since(start))
	}
	return monitoring.ProbeResult{Status: monitoring.StatusUp, Duration: time.Since(start)}
}
