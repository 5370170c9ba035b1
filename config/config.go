package config

import (
	"fmt"
	"time"
)

// Config represents the pulsed configuration
type Config struct {
	Database  DatabaseConfig         `mapstructure:"database"`
	Pulse     PulseConfig            `mapstructure:"pulse"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
	Log       LogConfig              `mapstructure:"log"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
	Server    ServerConfig           `mapstructure:"server"`
}

// DatabaseConfig configures the job store
type DatabaseConfig struct {
	// DSN is a SQLite path or a postgres:// URL
	DSN string `mapstructure:"dsn"`
}

// PulseConfig configures the scheduler runtime
type PulseConfig struct {
	Workers  int      `mapstructure:"workers"`   // Max in-flight handlers in this process (default: 16)
	Services []string `mapstructure:"services"`  // Queues this process dispatches; empty = every queue
	WorkerID string   `mapstructure:"worker_id"` // Override the host+pid+nonce worker id

	TickIntervalMS              int `mapstructure:"tick_interval_ms"`              // default 500
	DefaultBatch                int `mapstructure:"default_batch"`                 // default 32
	HeartbeatTTLSeconds         int `mapstructure:"heartbeat_ttl_seconds"`         // default 30
	MaterializerHorizonSeconds  int `mapstructure:"materializer_horizon_seconds"`  // default 300
	MaterializerIntervalSeconds int `mapstructure:"materializer_interval_seconds"` // default 60
	ReclaimIntervalSeconds      int `mapstructure:"reclaim_interval_seconds"`      // default 15
	BulkChunk                   int `mapstructure:"bulk_chunk"`                    // default 500
	BulkIntervalSeconds         int `mapstructure:"bulk_interval_seconds"`         // default 5
	MetricsFlushSeconds         int `mapstructure:"metrics_flush_seconds"`         // default 60
	GracePeriodSeconds          int `mapstructure:"grace_period_seconds"`          // default 30

	// Consecutive failures before a recurring job is paused. 0 = never.
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
}

// QueueConfig declares a queue that is synced into the store at startup and on reload
type QueueConfig struct {
	Description       string `mapstructure:"description"`
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
}

// LogConfig configures zap output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// RedisConfig enables cross-process wake-ups over redis pub/sub
type RedisConfig struct {
	Addr              string  `mapstructure:"addr"` // empty = disabled
	Password          string  `mapstructure:"password"`
	DB                int     `mapstructure:"db"`
	Channel           string  `mapstructure:"channel"`
	MaxWakesPerSecond float64 `mapstructure:"max_wakes_per_second"`
}

// TelemetryConfig toggles OpenTelemetry instruments
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// ServerConfig enables the HTTP admin API
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`            // empty = disabled, e.g. "127.0.0.1:8420"
	AllowedOrigins []string `mapstructure:"allowed_origins"` // browser origins granted CORS (prefix match)
	JWTSecret      string   `mapstructure:"jwt_secret"`      // when set, /api routes require a bearer token
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TickInterval is the dispatcher's idle poll period
func (p PulseConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMS) * time.Millisecond
}

func (p PulseConfig) HeartbeatTTL() time.Duration        { return seconds(p.HeartbeatTTLSeconds) }
func (p PulseConfig) MaterializerHorizon() time.Duration { return seconds(p.MaterializerHorizonSeconds) }
func (p PulseConfig) MaterializerInterval() time.Duration {
	return seconds(p.MaterializerIntervalSeconds)
}
func (p PulseConfig) ReclaimInterval() time.Duration { return seconds(p.ReclaimIntervalSeconds) }
func (p PulseConfig) BulkInterval() time.Duration    { return seconds(p.BulkIntervalSeconds) }
func (p PulseConfig) MetricsFlush() time.Duration    { return seconds(p.MetricsFlushSeconds) }
func (p PulseConfig) GracePeriod() time.Duration     { return seconds(p.GracePeriodSeconds) }

// GetDatabaseDSN returns the configured DSN
func (c *Config) GetDatabaseDSN() string {
	if c.Database.DSN == "" {
		return "pulsed.db"
	}
	return c.Database.DSN
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, Tick: %s}, Queues: %d}",
		c.GetDatabaseDSN(), c.Pulse.Workers, c.Pulse.TickInterval(), len(c.Queues))
}
