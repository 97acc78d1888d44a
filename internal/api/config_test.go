package api

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := LoadServerConfig()

		assert.Equal(t, "0.0.0.0:8080", cfg.Address())
		assert.Equal(t, 10*time.Minute, cfg.UploadTimeout)
		assert.Equal(t, int64(50<<20), cfg.MaxUploadSize)
		assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
		assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
		require.NoError(t, cfg.Validate())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("AQUIFER_SERVER_PORT", "9090")
		t.Setenv("AQUIFER_SERVER_UPLOAD_TIMEOUT", "30m")
		t.Setenv("AQUIFER_MAX_UPLOAD_SIZE", "1048576")
		t.Setenv("AQUIFER_LOG_LEVEL", "debug")
		t.Setenv("AQUIFER_CORS_ALLOWED_ORIGINS", "https://dash.example, https://ops.example")

		cfg := LoadServerConfig()

		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 30*time.Minute, cfg.UploadTimeout)
		assert.Equal(t, int64(1<<20), cfg.MaxUploadSize)
		assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
		assert.Equal(t, []string{"https://dash.example", "https://ops.example"}, cfg.ToCORSConfig().GetAllowedOrigins())
		require.NoError(t, cfg.Validate())
	})
}

func TestServerConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		modify func(*ServerConfig)
		want   error
	}{
		{"port out of range", func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		{"empty host", func(c *ServerConfig) { c.Host = "" }, ErrEmptyHost},
		{"zero read timeout", func(c *ServerConfig) { c.ReadTimeout = 0 }, ErrInvalidReadTimeout},
		{"zero write timeout", func(c *ServerConfig) { c.WriteTimeout = 0 }, ErrInvalidWriteTimeout},
		{"upload shorter than write", func(c *ServerConfig) { c.UploadTimeout = time.Millisecond }, ErrInvalidUploadTimeout},
		{"zero shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }, ErrInvalidShutdownTimeout},
		{"zero request size", func(c *ServerConfig) { c.MaxRequestSize = 0 }, ErrInvalidMaxRequestSize},
		{"upload below request size", func(c *ServerConfig) { c.MaxUploadSize = 1024 }, ErrInvalidMaxUploadSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestEnv().config
			tt.modify(cfg)

			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
