package config

import (
	"net"
	"strings"

	"github.com/teranos/pulsed/auth"
	"github.com/teranos/pulsed/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Workers: 0 = submit-only process, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}

	positive := map[string]int{
		"pulse.tick_interval_ms":              c.Pulse.TickIntervalMS,
		"pulse.default_batch":                 c.Pulse.DefaultBatch,
		"pulse.heartbeat_ttl_seconds":         c.Pulse.HeartbeatTTLSeconds,
		"pulse.materializer_horizon_seconds":  c.Pulse.MaterializerHorizonSeconds,
		"pulse.materializer_interval_seconds": c.Pulse.MaterializerIntervalSeconds,
		"pulse.reclaim_interval_seconds":      c.Pulse.ReclaimIntervalSeconds,
		"pulse.bulk_chunk":                    c.Pulse.BulkChunk,
		"pulse.bulk_interval_seconds":         c.Pulse.BulkIntervalSeconds,
		"pulse.metrics_flush_seconds":         c.Pulse.MetricsFlushSeconds,
	}
	for key, value := range positive {
		if value <= 0 {
			return errors.Newf("%s must be > 0, got %d", key, value)
		}
	}

	if c.Pulse.GracePeriodSeconds < 0 {
		return errors.Newf("pulse.grace_period_seconds must be >= 0, got %d", c.Pulse.GracePeriodSeconds)
	}
	if c.Pulse.CircuitBreakerThreshold < 0 {
		return errors.Newf("pulse.circuit_breaker_threshold must be >= 0, got %d", c.Pulse.CircuitBreakerThreshold)
	}

	for name, q := range c.Queues {
		if strings.TrimSpace(name) == "" {
			return errors.New("queue names cannot be empty")
		}
		if q.MaxConcurrentJobs < 1 {
			return errors.Newf("queues.%s.max_concurrent_jobs must be >= 1, got %d", name, q.MaxConcurrentJobs)
		}
	}

	if c.Redis.Addr != "" && c.Redis.MaxWakesPerSecond <= 0 {
		return errors.Newf("redis.max_wakes_per_second must be > 0, got %g", c.Redis.MaxWakesPerSecond)
	}

	if c.Server.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
			return errors.Wrapf(err, "server.addr %q must be host:port", c.Server.Addr)
		}
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < auth.MinSecretLength {
		return errors.Newf("server.jwt_secret must be at least %d characters", auth.MinSecretLength)
	}

	return nil
}
