package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
)

const (
	defaultWorkers          = 4
	defaultQueueSize        = 64
	defaultWatchdogInterval = time.Minute
	defaultStaleAfter       = 2 * time.Hour
	defaultListLimit        = 50
	maxListLimit            = 500
)

var (
	// ErrInvalidWorkers indicates a non-positive worker count.
	ErrInvalidWorkers = errors.New("worker count must be positive")

	// ErrInvalidQueueSize indicates a non-positive queue size.
	ErrInvalidQueueSize = errors.New("queue size must be positive")

	// ErrInvalidWatchdogInterval indicates a non-positive watchdog interval while the watchdog is enabled.
	ErrInvalidWatchdogInterval = errors.New("watchdog interval must be positive")
)

// Config holds orchestrator sizing and watchdog settings.
type Config struct {
	Workers          int
	QueueSize        int
	WatchdogInterval time.Duration
	StaleAfter       time.Duration // 0 disables the watchdog
}

// LoadConfig loads orchestrator configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Workers:          config.GetEnvInt("AQUIFER_JOB_WORKERS", defaultWorkers),
		QueueSize:        config.GetEnvInt("AQUIFER_JOB_QUEUE_SIZE", defaultQueueSize),
		WatchdogInterval: config.GetEnvDuration("AQUIFER_JOB_WATCHDOG_INTERVAL", defaultWatchdogInterval),
		StaleAfter:       config.GetEnvDuration("AQUIFER_JOB_STALE_AFTER", defaultStaleAfter),
	}
}

// Validate checks the orchestrator configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQueueSize, c.QueueSize)
	}

	if c.StaleAfter > 0 && c.WatchdogInterval <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWatchdogInterval, c.WatchdogInterval)
	}

	return nil
}

// WatchdogEnabled reports whether stale jobs are swept.
func (c *Config) WatchdogEnabled() bool {
	return c.StaleAfter > 0
}
