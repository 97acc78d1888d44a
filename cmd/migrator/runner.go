package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aquifer-io/aquifer/internal/storage"
	"github.com/aquifer-io/aquifer/migrations"
)

type (
	// MigrationRunner defines the commands the CLI exposes.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	// Runner implements MigrationRunner with golang-migrate over an embedded source.
	Runner struct {
		source  fs.FS
		conn    *storage.Connection
		migrate *migrate.Migrate
		logger  *slog.Logger
	}

	// migrateLogger routes golang-migrate output through slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner validates source, connects and prepares golang-migrate.
// Pass nil source to use the embedded migrations.
func NewMigrationRunner(cfg *Config, source fs.FS, logger *slog.Logger) (*Runner, error) {
	if source == nil {
		source = migrations.FS
	}

	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	if err := migrations.Validate(source); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	conn, err := storage.NewConnection(cfg.Storage)
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(conn.DB, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{source: source, conn: conn, migrate: m, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := migrations.Validate(r.source); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("All migrations applied", slog.Int("schema_version", migrations.Latest(r.source)))
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	if err := migrations.Validate(r.source); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, fs.ErrNotExist):
		r.logger.Info("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Last migration rolled back")
	}

	return nil
}

// Status reports the applied version against the newest embedded one.
func (r *Runner) Status() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	latest := migrations.Latest(r.source)

	state := "up to date"

	switch {
	case dirty:
		state = "dirty (needs manual intervention)"
	case current < latest:
		state = fmt.Sprintf("%d migration(s) pending", latest-current)
	case current > latest:
		state = "database schema newer than this migrator"
	}

	r.logger.Info("Migration status",
		slog.Int("database_version", current),
		slog.Int("embedded_version", latest),
		slog.String("state", state),
	)

	return nil
}

// Version reports the applied version.
func (r *Runner) Version() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	r.logger.Info("Current schema version", slog.Int("version", current), slog.Bool("dirty", dirty))

	return nil
}

// Drop drops every table in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the migrate instance and the connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if err := r.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

func (r *Runner) currentVersion() (int, bool, error) {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return int(ver), dirty, nil // #nosec G115 -- sequence numbers are three digits
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
