package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aquifer-io/aquifer/migrations"
)

const (
	testPostgresImage = "postgres:16-alpine"
	readyLogCount     = 2
	containerStartup  = 2 * time.Minute
)

// TestDatabase is a migrated PostgreSQL instance owned by one test.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
}

// SetupTestDatabase starts a disposable PostgreSQL container and migrates it to the latest schema.
// The caller closes Connection and terminates Container:
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx, testPostgresImage,
		postgres.WithDatabase("aquifer_test"),
		postgres.WithUsername("aquifer"),
		postgres.WithPassword("aquifer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogCount).
				WithStartupTimeout(containerStartup),
		),
	)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "postgres connection string")

	conn, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "open postgres")

	if err := MigrateTestDatabase(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("migrate test database: %v", err)
	}

	return &TestDatabase{Container: container, Connection: conn}
}

// MigrateTestDatabase applies the embedded schema migrations to db.
func MigrateTestDatabase(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
