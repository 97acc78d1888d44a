// Package main provides the Aquifer groundwater monitoring service.
//
// It serves CSV ingestion, extraction admission control, history queries and the
// asynchronous pipeline job API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/api"
	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/archive"
	"github.com/aquifer-io/aquifer/internal/config"
	"github.com/aquifer-io/aquifer/internal/events"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/ingestion"
	"github.com/aquifer-io/aquifer/internal/jobs"
	"github.com/aquifer-io/aquifer/internal/observability"
	"github.com/aquifer-io/aquifer/internal/pipeline"
	"github.com/aquifer-io/aquifer/internal/storage"
)

// Version information, overridden with -ldflags at build time.
var (
	Version = "1.0.0-dev"
	name    = "aquifer"
)

const drainTimeout = 30 * time.Second

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		hashKey     = flag.String("hash-key", "", "print the bcrypt hash of an API key secret for AQUIFER_API_KEYS and exit")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, Version)
		os.Exit(0)
	}

	if *hashKey != "" {
		hash, err := middleware.HashAPIKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash API key: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(hash)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	serverConfig.Version = Version

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Aquifer service",
		slog.String("service", name),
		slog.String("version", Version),
	)

	if err := run(serverConfig, logger); err != nil {
		logger.Error("Aquifer service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Aquifer service stopped")
}

// run wires every component, serves until a shutdown signal and then drains the job pool.
func run(serverConfig *api.ServerConfig, logger *slog.Logger) error {
	ctx := context.Background()

	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Int64("max_upload_size", serverConfig.MaxUploadSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	metrics := observability.NewMetrics()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	reference, err := storage.NewReferenceStore(dbConn, logger)
	if err != nil {
		return fmt.Errorf("create reference store: %w", err)
	}

	history, err := storage.NewHistoryStore(dbConn, logger, storageConfig)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}

	jobStore, err := storage.NewJobStore(dbConn, logger)
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}

	publisher := newPublisher(logger)

	defer func() {
		_ = publisher.Close()
	}()

	forecasts, err := newForecastSource(metrics, logger)
	if err != nil {
		return err
	}

	ingester, err := newIngester(ctx, reference, history, publisher, metrics, logger)
	if err != nil {
		return err
	}

	admissionConfig := admission.LoadConfig()
	admissionService := admission.NewService(
		admission.NewEngine(reference, forecasts, logger,
			admission.WithFailOpen(admissionConfig.FailOpen),
			admission.WithEngineMetrics(metrics),
		),
		history,
		logger,
		admission.WithPublisher(publisher),
		admission.WithRegionSerialization(admissionConfig.SerializeRegion, admissionConfig.CommitWindow),
	)

	logger.Info("Admission control initialized",
		slog.Bool("fail_open", admissionConfig.FailOpen),
		slog.Bool("serialize_region", admissionConfig.SerializeRegion),
		slog.Duration("commit_window", admissionConfig.CommitWindow),
	)

	orchestrator, err := newOrchestrator(jobStore, publisher, metrics, logger)
	if err != nil {
		return err
	}

	orchestrator.Start()

	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := orchestrator.Close(drainCtx); err != nil {
			logger.Warn("Job orchestrator did not drain in time", slog.String("error", err.Error()))
		}
	}()

	keyStore, err := newKeyStore(logger)
	if err != nil {
		return err
	}

	var rateLimiter middleware.RateLimiter

	if middleware.Enabled() {
		middlewareConfig := middleware.LoadConfig()
		rateLimiter = middleware.NewInMemoryRateLimiter(middlewareConfig, middleware.WithLimiterLogger(logger))

		logger.Info("Rate limiter initialized",
			slog.Int("global_rps", middlewareConfig.GlobalRPS),
			slog.Int("client_rps", middlewareConfig.ClientRPS),
			slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		)
	}

	deps := api.Dependencies{
		Reference:   reference,
		History:     history,
		Ingester:    ingester,
		Admission:   admissionService,
		Jobs:        orchestrator,
		Forecasts:   forecasts,
		RateLimiter: rateLimiter,
		Metrics:     metrics,
		Logger:      logger,
	}

	// A nil *StaticKeyStore must not become a non-nil interface.
	if keyStore != nil {
		deps.KeyStore = keyStore
	}

	return api.NewServer(serverConfig, deps).Start()
}

func newPublisher(logger *slog.Logger) events.Publisher {
	kafkaConfig := events.LoadKafkaConfig()
	if !kafkaConfig.Enabled() {
		logger.Info("Kafka brokers not configured - domain events disabled")

		return events.NopPublisher{}
	}

	logger.Info("Kafka publisher initialized",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
	)

	return events.NewKafkaPublisher(kafkaConfig, logger)
}

func newForecastSource(metrics *observability.Metrics, logger *slog.Logger) (forecast.Source, error) {
	forecastConfig := forecast.LoadConfig()
	if err := forecastConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forecast configuration: %w", err)
	}

	var source forecast.Source = forecast.NewClient(forecastConfig, logger, metrics)

	if forecastConfig.CacheTTL > 0 {
		source = forecast.NewCachedSource(source, forecastConfig.CacheEntries, forecastConfig.CacheTTL, nil, metrics)
	}

	logger.Info("Forecast client initialized",
		slog.String("url", forecastConfig.BaseURL),
		slog.Duration("timeout", forecastConfig.Timeout),
		slog.Duration("cache_ttl", forecastConfig.CacheTTL),
	)

	return source, nil
}

func newIngester(
	ctx context.Context,
	reference *storage.ReferenceStore,
	history *storage.HistoryStore,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*ingestion.Engine, error) {
	opts := []ingestion.Option{
		ingestion.WithMetrics(metrics),
		ingestion.WithPublisher(publisher),
		ingestion.WithBatchSize(config.GetEnvInt("AQUIFER_INGEST_BATCH_SIZE", ingestion.DefaultBatchSize)),
		ingestion.WithSampleLimit(config.GetEnvInt("AQUIFER_INGEST_SAMPLE_LIMIT", ingestion.DefaultSampleLimit)),
	}

	archiveConfig := archive.LoadConfig()
	if archiveConfig.Enabled() {
		reports, err := archive.NewS3Archive(ctx, archiveConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("create rejection archive: %w", err)
		}

		opts = append(opts, ingestion.WithRejectionArchive(reports))

		logger.Info("Rejection report archive enabled",
			slog.String("bucket", archiveConfig.Bucket),
			slog.String("prefix", archiveConfig.Prefix),
		)
	}

	return ingestion.NewEngine(reference, history, logger, opts...), nil
}

func newOrchestrator(
	jobStore *storage.JobStore,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*jobs.Orchestrator, error) {
	pipelineConfig := pipeline.LoadConfig()
	if err := pipelineConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	mapping, err := pipelineConfig.Mapping()
	if err != nil {
		return nil, fmt.Errorf("load pipeline steps: %w", err)
	}

	jobsConfig := jobs.LoadConfig()
	if err := jobsConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job configuration: %w", err)
	}

	logger.Info("Job orchestrator initialized",
		slog.Int("workers", jobsConfig.Workers),
		slog.Int("queue_size", jobsConfig.QueueSize),
		slog.Duration("stale_after", jobsConfig.StaleAfter),
	)

	return jobs.New(jobStore, pipeline.NewRunner(pipelineConfig, mapping, logger), logger, *jobsConfig,
		jobs.WithMetrics(metrics),
		jobs.WithPublisher(publisher),
	), nil
}

// newKeyStore parses AQUIFER_API_KEYS. An empty value disables authentication.
func newKeyStore(logger *slog.Logger) (*middleware.StaticKeyStore, error) {
	entries := config.ParseCommaSeparatedList(config.GetEnvStr("AQUIFER_API_KEYS", ""))

	store, err := middleware.ParseKeyEntries(entries)
	if errors.Is(err, middleware.ErrNoKeys) {
		logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set AQUIFER_API_KEYS to client_id:bcrypt_hash entries to enable it"),
		)

		return nil, nil //nolint:nilnil // nil store disables authentication
	}

	if err != nil {
		return nil, fmt.Errorf("invalid AQUIFER_API_KEYS: %w", err)
	}

	logger.Info("API key authentication enabled", slog.Int("clients", store.Len()))

	return store, nil
}
