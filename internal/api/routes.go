package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aquifer-io/aquifer/internal/api/middleware"
)

const (
	serviceName            = "aquifer"
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeJSON        = "application/json"
	contentTypeProblemJSON = "application/problem+json"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route with a pattern and handler.
	Route struct {
		Path    string       // Mux pattern, optionally method-prefixed ("GET /ping")
		Handler http.Handler // The HTTP handler for this route
	}
)

// setupRoutes registers every route of the API.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", http.HandlerFunc(s.handlePing)},   // liveness check
		Route{"GET /ready", http.HandlerFunc(s.handleReady)}, // readiness check
		Route{"GET /health", http.HandlerFunc(s.handleHealth)},
		Route{"GET /metrics", promhttp.Handler()},
		Route{"/", http.HandlerFunc(s.handleNotFound)},
	)

	// Batch ingestion
	mux.HandleFunc("POST /water-readings/ingest/csv", s.handleIngestReadings)
	mux.HandleFunc("POST /rainfall/ingest/csv", s.handleIngestRainfall)

	// History
	mux.HandleFunc("GET /water-readings", s.handleListReadings)
	mux.HandleFunc("GET /rainfall", s.handleListRainfall)
	mux.HandleFunc("POST /rainfall", s.handleCreateRainfall)

	// Admission control
	mux.HandleFunc("POST /extraction", s.handleSubmitExtraction)
	mux.HandleFunc("GET /extraction", s.handleListExtractions)

	// Forecasts and derived hydrology
	mux.HandleFunc("GET /forecasts/{region_id}", s.handleGetForecast)
	mux.HandleFunc("GET /regions/{region_id}/safe-yield", s.handleSafeYield)
	mux.HandleFunc("GET /regions/{region_id}/recharge", s.handleRecharge)

	// Pipeline jobs
	mux.HandleFunc("POST /pipeline/trigger", s.handleTriggerPipeline)
	mux.HandleFunc("GET /pipeline/status/{id}", s.handlePipelineStatus)
	mux.HandleFunc("GET /pipeline/jobs", s.handleListJobs)

	// Reference data
	mux.HandleFunc("GET /regions", s.handleListRegions)
	mux.HandleFunc("POST /regions", s.handleCreateRegion)
	mux.HandleFunc("GET /regions/{region_id}", s.handleGetRegion)
	mux.HandleFunc("DELETE /regions/{region_id}", s.handleDeactivateRegion)
	mux.HandleFunc("POST /regions/{region_id}/activate", s.handleActivateRegion)
	mux.HandleFunc("POST /wells", s.handleCreateWell)
	mux.HandleFunc("GET /wells/{well_id}", s.handleGetWell)
	mux.HandleFunc("DELETE /wells/{well_id}", s.handleDeleteWell)
}

// registerPublicRoutes registers routes that bypass authentication and rate limiting.
//
// Only health checks and monitoring endpoints belong here, never business routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		http.MethodGet:    true,
		http.MethodPost:   true,
		http.MethodPut:    true,
		http.MethodPatch:  true,
		http.MethodDelete: true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// r.URL.Path carries no method prefix, so "GET /ping" is registered as "/ping".
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to liveness checks.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Aquifer-Version", s.config.Version)
	s.writeText(w, r, http.StatusOK, "pong")
}

// handleReady responds to readiness checks.
//
// Response codes:
//   - 200 OK: the reference store answered within the health check timeout
//   - 503 Service Unavailable: the database is unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.reference == nil {
		s.writeText(w, r, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.reference.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		s.writeText(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writeText(w, r, http.StatusOK, "ready")
}

// handleHealth returns service status, version and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = s.clock.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set("X-Aquifer-Version", s.config.Version)
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.config.Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}
