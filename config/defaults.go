package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "pulsed.db")

	v.SetDefault("pulse.workers", 16)
	v.SetDefault("pulse.tick_interval_ms", 500)
	v.SetDefault("pulse.default_batch", 32)
	v.SetDefault("pulse.heartbeat_ttl_seconds", 30)
	v.SetDefault("pulse.materializer_horizon_seconds", 300)
	v.SetDefault("pulse.materializer_interval_seconds", 60)
	v.SetDefault("pulse.reclaim_interval_seconds", 15)
	v.SetDefault("pulse.bulk_chunk", 500)
	v.SetDefault("pulse.bulk_interval_seconds", 5)
	v.SetDefault("pulse.metrics_flush_seconds", 60)
	v.SetDefault("pulse.grace_period_seconds", 30)
	v.SetDefault("pulse.circuit_breaker_threshold", 0)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.channel", "pulsed:wake")
	v.SetDefault("redis.max_wakes_per_second", 20.0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "pulsed")

	v.SetDefault("server.allowed_origins", []string{"http://localhost", "http://127.0.0.1"})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.dsn", "PULSED_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("redis.addr", "PULSED_REDIS_ADDR")
	v.BindEnv("redis.password", "PULSED_REDIS_PASSWORD")
	v.BindEnv("server.jwt_secret", "PULSED_SERVER_JWT_SECRET")
}
