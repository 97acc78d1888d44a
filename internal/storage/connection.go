// Package storage implements the Aquifer reference and history stores on PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const healthCheckTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// Connection wraps the shared *sql.DB pool. Stores borrow it; the owner closes it.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens and pings a PostgreSQL pool configured from cfg.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{DB: db}

	if err := conn.HealthCheck(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return conn, nil
}

// HealthCheck pings the database with a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return c.DB.PingContext(ctx)
}

// Close closes the pool.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// PostgreSQL class 08 codes and database/sql connection errors both count.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// pqCode returns the SQLSTATE of a lib/pq error, or "" for other errors.
func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}

	return ""
}

const (
	codeUniqueViolation     pq.ErrorCode = "23505"
	codeForeignKeyViolation pq.ErrorCode = "23503"
)
