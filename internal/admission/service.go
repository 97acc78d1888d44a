package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/events"
	"github.com/aquifer-io/aquifer/internal/hydrology"
)

type (
	// ExtractionRequest is a proposed extraction.
	ExtractionRequest struct {
		RegionID     string     `json:"region_id"`
		VolumeLiters float64    `json:"volume_liters"`
		UsageType    string     `json:"usage_type"`
		Timestamp    *time.Time `json:"timestamp,omitempty"`
	}

	// ExtractionWriter persists approved extractions.
	ExtractionWriter interface {
		InsertExtraction(ctx context.Context, log *hydrology.ExtractionLog) error
	}

	// VolumeTotaler reports extraction volume already admitted for a region.
	VolumeTotaler interface {
		AdmittedVolumeSince(ctx context.Context, regionID string, since time.Time) (float64, error)
	}

	// Outcome pairs a decision with the stored log. Log is nil unless the extraction was admitted.
	Outcome struct {
		Decision Decision
		Log      *hydrology.ExtractionLog
	}

	// Service evaluates extraction requests and records the admitted ones.
	Service struct {
		engine    *Engine
		writer    ExtractionWriter
		publisher events.Publisher
		clock     clockwork.Clock
		logger    *slog.Logger
		locks     *regionLocks
		window    time.Duration
	}

	// ServiceOption configures a Service.
	ServiceOption func(*Service)

	// regionLocks serializes submissions per region inside one process.
	regionLocks struct {
		mu    sync.Mutex
		locks map[string]*regionLock
	}

	regionLock struct {
		mu   sync.Mutex
		refs int
	}
)

// WithClock sets the clock used for default timestamps.
func WithClock(clock clockwork.Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPublisher publishes extraction.approved and extraction.denied events.
func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithRegionSerialization makes submissions for the same region evaluate and write one at a
// time. Volume admitted within window is counted against the baseline when the writer is a
// VolumeTotaler, so two approvals cannot both pass against the same forecast. It only
// coordinates requests within this process.
func WithRegionSerialization(enabled bool, window time.Duration) ServiceOption {
	return func(s *Service) {
		if !enabled {
			s.locks = nil

			return
		}

		s.locks = &regionLocks{locks: make(map[string]*regionLock)}
		s.window = window
	}
}

// NewService creates an extraction admission service.
func NewService(engine *Engine, writer ExtractionWriter, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		engine:    engine,
		writer:    writer,
		publisher: events.NopPublisher{},
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Validate checks required fields of the request.
func (r *ExtractionRequest) Validate() error {
	r.RegionID = strings.TrimSpace(r.RegionID)
	r.UsageType = strings.TrimSpace(r.UsageType)

	if r.RegionID == "" {
		return fmt.Errorf("%w: region_id is required", ErrInvalidRequest)
	}

	if math.IsNaN(r.VolumeLiters) || math.IsInf(r.VolumeLiters, 0) || r.VolumeLiters < 0 {
		return fmt.Errorf("%w: volume_liters must be >= 0, got %v", ErrInvalidRequest, r.VolumeLiters)
	}

	if r.UsageType == "" {
		return fmt.Errorf("%w: usage_type is required", ErrInvalidRequest)
	}

	return nil
}

// Submit evaluates the request and, when admitted, stores an ExtractionLog.
//
// A denial returns the outcome together with ErrExtractionDenied so callers can report the
// rationale. Nothing is written for denied or failed evaluations.
func (s *Service) Submit(ctx context.Context, req ExtractionRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var committed float64

	if s.locks != nil {
		unlock := s.locks.lock(req.RegionID)
		defer unlock()

		total, err := s.committedVolume(ctx, req.RegionID)
		if err != nil {
			return nil, err
		}

		committed = total
	}

	decision, err := s.engine.EvaluateCumulative(ctx, req.RegionID, req.VolumeLiters, committed)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Decision: decision}

	if !decision.Approved {
		s.logger.InfoContext(ctx, "Extraction denied",
			slog.String("region_id", req.RegionID),
			slog.Float64("volume_liters", req.VolumeLiters),
			slog.String("reason", decision.Rationale.Reason),
		)

		s.publish(ctx, events.TypeExtractionDenied, req.RegionID, map[string]any{
			"region_id":     req.RegionID,
			"volume_liters": req.VolumeLiters,
			"usage_type":    req.UsageType,
			"rationale":     decision.Rationale,
		})

		return outcome, ErrExtractionDenied
	}

	ts := s.clock.Now().UTC()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
	}

	log := &hydrology.ExtractionLog{
		RegionID:      req.RegionID,
		VolumeLiters:  req.VolumeLiters,
		UsageType:     req.UsageType,
		Timestamp:     ts,
		AdmissionMode: string(decision.Mode),
	}

	if err := s.writer.InsertExtraction(ctx, log); err != nil {
		return nil, fmt.Errorf("store extraction: %w", err)
	}

	outcome.Log = log

	if decision.Mode == ModeDegraded {
		s.logger.WarnContext(ctx, "Extraction admitted without forecast bound",
			slog.String("region_id", req.RegionID),
			slog.Float64("volume_liters", req.VolumeLiters),
			slog.Int64("extraction_id", log.ID),
		)
	}

	s.publish(ctx, events.TypeExtractionApproved, req.RegionID, log)

	return outcome, nil
}

func (s *Service) committedVolume(ctx context.Context, regionID string) (float64, error) {
	totaler, ok := s.writer.(VolumeTotaler)
	if !ok || s.window <= 0 {
		return 0, nil
	}

	total, err := totaler.AdmittedVolumeSince(ctx, regionID, s.clock.Now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("sum admitted extractions: %w", err)
	}

	return total, nil
}

// SafeYield delegates to the engine.
func (s *Service) SafeYield(ctx context.Context, regionID string) (SafeYield, error) {
	return s.engine.SafeYield(ctx, regionID)
}

func (s *Service) publish(ctx context.Context, eventType, key string, payload any) {
	event := events.Event{Type: eventType, Key: key, OccurredAt: s.clock.Now().UTC(), Payload: payload}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish extraction event",
			slog.String("type", eventType),
			slog.String("region_id", key),
			slog.String("error", err.Error()),
		)
	}
}

// lock acquires the region's mutex and returns its release function.
func (l *regionLocks) lock(regionID string) func() {
	l.mu.Lock()

	rl, ok := l.locks[regionID]
	if !ok {
		rl = &regionLock{}
		l.locks[regionID] = rl
	}

	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--

		if rl.refs == 0 {
			delete(l.locks, regionID)
		}
		l.mu.Unlock()
	}
}
