package admission

import (
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
)

const defaultCommitWindow = 7 * 24 * time.Hour

// Config holds admission control policy settings.
type Config struct {
	// FailOpen admits extractions without a bound when the forecast service is down.
	FailOpen bool

	// SerializeRegion evaluates submissions for one region one at a time in this process.
	SerializeRegion bool

	// CommitWindow is how far back admitted volume counts against the baseline when
	// SerializeRegion is on. It matches the forecast horizon.
	CommitWindow time.Duration
}

// LoadConfig loads admission policy from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		FailOpen:        config.GetEnvBool("AQUIFER_FORECAST_FAIL_OPEN", true),
		SerializeRegion: config.GetEnvBool("AQUIFER_EXTRACTION_SERIALIZE_REGION", false),
		CommitWindow:    config.GetEnvDuration("AQUIFER_EXTRACTION_COMMIT_WINDOW", defaultCommitWindow),
	}
}
