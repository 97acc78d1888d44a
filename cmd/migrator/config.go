package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aquifer-io/aquifer/internal/config"
	"github.com/aquifer-io/aquifer/internal/storage"
)

// ErrMigrationTableEmpty is returned when the migration tracking table name is blank.
var ErrMigrationTableEmpty = errors.New("AQUIFER_MIGRATION_TABLE cannot be empty")

// Config holds all configuration for the migration tool.
type Config struct {
	// Storage carries DATABASE_URL and pool settings.
	Storage *storage.Config

	// MigrationTable is the name of the table golang-migrate tracks versions in.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage:        storage.LoadConfig(),
		MigrationTable: config.GetEnvStr("AQUIFER_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String is safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		c.Storage.MaskDatabaseURL(), c.MigrationTable)
}
