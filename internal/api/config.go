package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultCORSMaxAge     int    = 86400
	defaultTimeout               = 30 * time.Second
	defaultUploadTimeout         = 10 * time.Minute
	defaultLogLevel              = slog.LevelInfo
	defaultMaxRequestSize int64  = 1 << 20  // 1 MiB JSON bodies
	defaultMaxUploadSize  int64  = 50 << 20 // 50 MiB CSV uploads
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidUploadTimeout indicates the CSV upload deadline is shorter than the write timeout.
	ErrInvalidUploadTimeout = errors.New("upload timeout must be at least the write timeout")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")

	// ErrInvalidMaxUploadSize indicates the CSV upload limit is below the JSON body limit.
	ErrInvalidMaxUploadSize = errors.New("max upload size must be at least the max request size")
)

type (
	// ServerConfig holds HTTP server configuration. Runtime dependencies are passed to
	// NewServer separately.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		UploadTimeout      time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		MaxUploadSize      int64
		Version            string
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration options.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig reads the AQUIFER_SERVER_*, AQUIFER_MAX_* and AQUIFER_CORS_* variables.
//
// WriteTimeout bounds ordinary requests. CSV upload routes extend their own deadlines to UploadTimeout.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("AQUIFER_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("AQUIFER_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("AQUIFER_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("AQUIFER_SERVER_WRITE_TIMEOUT", defaultTimeout),
		UploadTimeout:   config.GetEnvDuration("AQUIFER_SERVER_UPLOAD_TIMEOUT", defaultUploadTimeout),
		ShutdownTimeout: config.GetEnvDuration("AQUIFER_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("AQUIFER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("AQUIFER_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		MaxUploadSize:   config.GetEnvInt64("AQUIFER_MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		Version:         "dev",
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("AQUIFER_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("AQUIFER_CORS_ALLOWED_METHODS", "GET,POST,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"AQUIFER_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("AQUIFER_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS settings for the middleware.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate reports the first invalid server setting.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.UploadTimeout < c.WriteTimeout {
		return fmt.Errorf("%w: upload %v, write %v", ErrInvalidUploadTimeout, c.UploadTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	if c.MaxUploadSize < c.MaxRequestSize {
		return fmt.Errorf("%w: upload %d bytes, request %d bytes",
			ErrInvalidMaxUploadSize, c.MaxUploadSize, c.MaxRequestSize)
	}

	return nil
}
