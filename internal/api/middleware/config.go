package middleware

import (
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits are requests per second for three tiers: global, per authenticated client
// and anonymous. A zero burst is computed as 2 × rate.
type Config struct {
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads rate limiter config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("AQUIFER_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("AQUIFER_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("AQUIFER_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("AQUIFER_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("AQUIFER_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("AQUIFER_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("AQUIFER_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("AQUIFER_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("AQUIFER_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}

// Enabled reports whether rate limiting is switched on (AQUIFER_RATE_LIMIT_ENABLED, default true).
func Enabled() bool {
	return config.GetEnvBool("AQUIFER_RATE_LIMIT_ENABLED", true)
}
