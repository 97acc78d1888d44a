package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultQueryTimeout    = 30 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when DATABASE_URL is unset or blank.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned when the pool limits cannot be applied to database/sql.
	ErrInvalidPoolSize = errors.New("invalid connection pool size")

	// ErrInvalidQueryTimeout is returned when the history query timeout is not positive.
	ErrInvalidQueryTimeout = errors.New("query timeout must be positive")
)

// Config is the PostgreSQL pool configuration shared by the reference, history and job stores.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int // at most MaxOpenConns
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration // bound for one history query, not for ingestion COPY
}

// LoadConfig reads DATABASE_URL and the AQUIFER_DATABASE_* pool settings.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("AQUIFER_DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("AQUIFER_DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("AQUIFER_DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("AQUIFER_DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		QueryTimeout:    config.GetEnvDuration("AQUIFER_DATABASE_QUERY_TIMEOUT", defaultQueryTimeout),
	}
}

// NewConfig builds a Config for an explicit database URL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		QueryTimeout:    defaultQueryTimeout,
	}
}

// Validate reports the first setting NewConnection could not honor.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("%w: max open connections %d", ErrInvalidPoolSize, c.MaxOpenConns)
	}

	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: max idle connections %d with max open %d",
			ErrInvalidPoolSize, c.MaxIdleConns, c.MaxOpenConns)
	}

	if c.QueryTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidQueryTimeout, c.QueryTimeout)
	}

	return nil
}

// MaskDatabaseURL hides the password of the database URL for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Passwords may contain '@'; the last one ends the userinfo.
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	username, password, found := strings.Cut(afterScheme[:lastAtIndex], ":")
	if !found || password == "" {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}
