// Package api provides the HTTP surface of the Aquifer service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/ingestion"
	"github.com/aquifer-io/aquifer/internal/jobs"
	"github.com/aquifer-io/aquifer/internal/observability"
)

type (
	// ReferenceStore manages regions and wells.
	ReferenceStore interface {
		HealthCheck(ctx context.Context) error
		CreateRegion(ctx context.Context, region *hydrology.Region) error
		GetRegion(ctx context.Context, regionID string) (*hydrology.Region, error)
		ListRegions(ctx context.Context, includeInactive bool) ([]*hydrology.Region, error)
		SetRegionActive(ctx context.Context, regionID string, active bool) (*hydrology.Region, error)
		CreateWell(ctx context.Context, well *hydrology.Well) error
		GetWell(ctx context.Context, wellID string) (*hydrology.Well, error)
		DeleteWell(ctx context.Context, wellID string) (int64, error)
	}

	// HistoryStore reads and appends history records.
	HistoryStore interface {
		InsertRainfallRecord(ctx context.Context, record *hydrology.RainfallRecord) error
		QueryReadings(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.WaterReading, error)
		QueryRainfall(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.RainfallRecord, error)
		RainfallWindow(ctx context.Context, regionID string, from, to time.Time) ([]hydrology.RainfallRecord, error)
		ListExtractions(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.ExtractionLog, error)
	}

	// Ingester runs one CSV ingestion.
	Ingester interface {
		Run(ctx context.Context, kind ingestion.Kind, r io.Reader) (*ingestion.Summary, error)
	}

	// Admitter gates extraction requests.
	Admitter interface {
		Submit(ctx context.Context, req admission.ExtractionRequest) (*admission.Outcome, error)
		SafeYield(ctx context.Context, regionID string) (admission.SafeYield, error)
	}

	// JobOrchestrator accepts and reports pipeline jobs.
	JobOrchestrator interface {
		Trigger(ctx context.Context, req jobs.TriggerRequest) (*jobs.Job, error)
		Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
		List(ctx context.Context, limit int) ([]*jobs.Job, error)
	}

	// Dependencies are the runtime collaborators of the server. KeyStore and RateLimiter are
	// optional: nil disables authentication or rate limiting respectively.
	Dependencies struct {
		Reference   ReferenceStore
		History     HistoryStore
		Ingester    Ingester
		Admission   Admitter
		Jobs        JobOrchestrator
		Forecasts   forecast.Source
		KeyStore    middleware.APIKeyStore
		RateLimiter middleware.RateLimiter
		Metrics     *observability.Metrics
		Logger      *slog.Logger
		Clock       clockwork.Clock
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		handler    http.Handler
		logger     *slog.Logger
		config     *ServerConfig
		clock      clockwork.Clock
		startTime  time.Time

		reference   ReferenceStore
		history     HistoryStore
		ingester    Ingester
		admission   Admitter
		jobs        JobOrchestrator
		forecasts   forecast.Source
		keyStore    middleware.APIKeyStore
		rateLimiter middleware.RateLimiter
		metrics     *observability.Metrics
	}
)

// NewServer creates a new HTTP server with structured logging and the middleware stack.
//
// Configuration (what) is kept apart from dependencies (how). When deps.Logger is nil a JSON
// logger on stdout is built from cfg.LogLevel.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	server := &Server{
		logger:      logger,
		config:      cfg,
		clock:       clock,
		reference:   deps.Reference,
		history:     deps.History,
		ingester:    deps.Ingester,
		admission:   deps.Admission,
		jobs:        deps.Jobs,
		forecasts:   deps.Forecasts,
		keyStore:    deps.KeyStore,
		rateLimiter: deps.RateLimiter,
		metrics:     deps.Metrics,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.KeyStore != nil {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key store not configured - authentication disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed:
	//   1. CorrelationID - every response carries an id
	//   2. Recovery - catch panics in everything below
	//   3. Auth - identify the client (optional)
	//   4. RateLimit - reject before expensive work (optional)
	//   5. RequestLogger - log and measure admitted requests
	//   6. CORS
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.KeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger, deps.Metrics),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = s.clock.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Aquifer API server",
			slog.String("address", s.config.Address()),
			slog.String("version", s.config.Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("upload_timeout", s.config.UploadTimeout),
			slog.Int64("max_upload_size", s.config.MaxUploadSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown stops accepting requests, waits for in-flight ones and releases the rate limiter.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if limiter, ok := s.rateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
