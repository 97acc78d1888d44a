package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/events"
	"github.com/aquifer-io/aquifer/internal/observability"
)

const (
	errQueueFull  = "orchestrator queue is full"
	errStale      = "job exceeded stale threshold"
	errShutdown   = "orchestrator is shutting down"
	maxErrorBytes = 2048
)

var (
	// ErrQueueFull indicates the worker queue had no room for a new job.
	ErrQueueFull = errors.New(errQueueFull)

	// ErrClosed indicates the orchestrator no longer accepts jobs.
	ErrClosed = errors.New("orchestrator is closed")
)

type (
	// TriggerRequest asks for one pipeline job. Empty Type means TypeFullPipeline and
	// empty TargetDate means today (UTC).
	TriggerRequest struct {
		Type       Type   `json:"type,omitempty"`
		TargetDate string `json:"date,omitempty"`
	}

	// Orchestrator accepts pipeline triggers and runs them on a bounded worker pool.
	Orchestrator struct {
		store     Store
		runner    StepRunner
		publisher events.Publisher
		clock     clockwork.Clock
		logger    *slog.Logger
		metrics   *observability.Metrics
		cfg       Config

		queue chan uuid.UUID
		stop  chan struct{}
		wg    sync.WaitGroup

		mu      sync.RWMutex
		started bool
		closed  bool
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// WithClock sets the clock used for timestamps and the watchdog ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPublisher publishes a job.finished event for every terminal job.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// New creates an orchestrator. Call Start to launch workers and the watchdog.
func New(store Store, runner StepRunner, logger *slog.Logger, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		runner:    runner,
		publisher: events.NopPublisher{},
		clock:     clockwork.NewRealClock(),
		logger:    logger,
		cfg:       cfg,
		queue:     make(chan uuid.UUID, cfg.QueueSize),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start launches the worker pool and, if enabled, the stale-job watchdog. It is idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started || o.closed {
		return
	}

	o.started = true

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)

		go o.worker(i)
	}

	if o.cfg.WatchdogEnabled() {
		o.wg.Add(1)

		go o.watchdog()
	}

	o.logger.Info("Job orchestrator started",
		slog.Int("workers", o.cfg.Workers),
		slog.Int("queue_size", o.cfg.QueueSize),
		slog.Duration("stale_after", o.cfg.StaleAfter),
	)
}

// Trigger persists a pending job and hands it to the worker pool without waiting for it to run.
//
// When the queue is full the job is recorded as failed and ErrQueueFull is returned.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*Job, error) {
	job, err := o.newJob(req)
	if err != nil {
		return nil, err
	}

	if err := o.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	o.mu.RLock()
	closed := o.closed

	enqueued := false

	if !closed {
		select {
		case o.queue <- job.ID:
			enqueued = true
		default:
		}
	}
	o.mu.RUnlock()

	if o.metrics != nil {
		o.metrics.JobsTriggered.WithLabelValues(string(job.Type)).Inc()
		o.metrics.JobQueueDepth.Set(float64(len(o.queue)))
	}

	if enqueued {
		o.logger.InfoContext(ctx, "Pipeline job accepted",
			slog.String("job_id", job.ID.String()),
			slog.String("job_type", string(job.Type)),
			slog.String("target_date", job.TargetDate),
		)

		return job, nil
	}

	reason, sentinel := errQueueFull, ErrQueueFull
	if closed {
		reason, sentinel = errShutdown, ErrClosed
	}

	o.finish(ctx, job, Transition{From: StatusPending, To: StatusFailed, Error: reason})

	return nil, sentinel
}

// Get returns the current persisted state of a job.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return o.store.Get(ctx, id)
}

// List returns recent jobs, newest first. Non-positive limits use the default.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	return o.store.List(ctx, limit)
}

// Close stops accepting triggers and waits for in-flight jobs to finish or ctx to expire.
// Jobs still queued stay pending and are failed by the watchdog once stale.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return nil
	}

	o.closed = true
	close(o.stop)
	o.mu.Unlock()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Job orchestrator stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (o *Orchestrator) newJob(req TriggerRequest) (*Job, error) {
	jobType := Type(strings.TrimSpace(string(req.Type)))
	if jobType == "" {
		jobType = TypeFullPipeline
	}

	if !jobType.IsValid() {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrInvalidJobType, jobType, Types())
	}

	now := o.clock.Now().UTC()

	targetDate := strings.TrimSpace(req.TargetDate)
	if targetDate == "" {
		targetDate = now.Format(TargetDateLayout)
	}

	if _, err := ParseTargetDate(targetDate); err != nil {
		return nil, err
	}

	return &Job{
		ID:         uuid.New(),
		Type:       jobType,
		Status:     StatusPending,
		TargetDate: targetDate,
		CreatedAt:  now,
	}, nil
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stop:
			return
		case id := <-o.queue:
			if o.metrics != nil {
				o.metrics.JobQueueDepth.Set(float64(len(o.queue)))
			}

			o.process(id, n)
		}
	}
}

// process runs one job. The job context is detached from any request; the step runner's
// own timeout bounds how long a job stays processing.
func (o *Orchestrator) process(id uuid.UUID, worker int) {
	ctx := context.Background()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		o.logger.Error("Failed to load queued job",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	if job.Status != StatusPending {
		o.logger.Warn("Skipping queued job no longer pending",
			slog.String("job_id", id.String()),
			slog.String("status", string(job.Status)),
		)

		return
	}

	startedAt := o.clock.Now().UTC()

	err = o.store.Transition(ctx, id, Transition{From: StatusPending, To: StatusProcessing, At: startedAt})
	if err != nil {
		o.logger.Warn("Failed to start job",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Info("Pipeline job processing",
		slog.String("job_id", id.String()),
		slog.String("job_type", string(job.Type)),
		slog.Int("worker", worker),
	)

	processing := job.Apply(Transition{To: StatusProcessing, At: startedAt})

	result, runErr := o.runner.Run(ctx, job.Type, job.TargetDate)
	if runErr != nil {
		o.finish(ctx, &processing, Transition{
			From:  StatusProcessing,
			To:    StatusFailed,
			Error: normalizeError(runErr),
		})

		return
	}

	o.finish(ctx, &processing, Transition{From: StatusProcessing, To: StatusCompleted, Result: result})
}

// finish moves a job to a terminal state and records the outcome.
func (o *Orchestrator) finish(ctx context.Context, job *Job, t Transition) {
	t.At = o.clock.Now().UTC()

	if err := o.store.Transition(ctx, job.ID, t); err != nil {
		o.logger.Error("Failed to record job outcome",
			slog.String("job_id", job.ID.String()),
			slog.String("to", string(t.To)),
			slog.String("error", err.Error()),
		)

		return
	}

	final := job.Apply(t)

	attrs := []any{
		slog.String("job_id", final.ID.String()),
		slog.String("job_type", string(final.Type)),
		slog.String("status", string(final.Status)),
	}

	if final.Status == StatusFailed {
		o.logger.Warn("Pipeline job failed", append(attrs, slog.String("error", final.Error))...)
	} else {
		o.logger.Info("Pipeline job completed", attrs...)
	}

	if o.metrics != nil {
		o.metrics.JobsFinished.WithLabelValues(string(final.Type), string(final.Status)).Inc()

		if final.StartedAt != nil {
			o.metrics.JobDuration.WithLabelValues(string(final.Type)).Observe(t.At.Sub(*final.StartedAt).Seconds())
		}
	}

	o.publish(ctx, final)
}

func (o *Orchestrator) publish(ctx context.Context, job Job) {
	event := events.Event{
		Type:       events.TypeJobFinished,
		Key:        job.ID.String(),
		OccurredAt: o.clock.Now().UTC(),
		Payload: map[string]any{
			"job_id":      job.ID,
			"job_type":    job.Type,
			"status":      job.Status,
			"target_date": job.TargetDate,
			"error":       job.Error,
		},
	}

	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// normalizeError flattens an error chain into a bounded single-line message.
func normalizeError(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")

	if len(msg) > maxErrorBytes {
		msg = msg[:maxErrorBytes] + "..."
	}

	return msg
}

// watchdog periodically fails jobs that have not finished within StaleAfter.
func (o *Orchestrator) watchdog() {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	o.sweepAndLog()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.Chan():
			o.sweepAndLog()
		}
	}
}

func (o *Orchestrator) sweepAndLog() {
	n, err := o.Sweep(context.Background())
	if err != nil {
		o.logger.Error("Stale job sweep failed", slog.String("error", err.Error()))

		return
	}

	if n > 0 {
		o.logger.Warn("Failed stale jobs", slog.Int("count", n), slog.Duration("stale_after", o.cfg.StaleAfter))
	}
}

// Sweep fails every pending or processing job created more than StaleAfter ago and returns
// how many it failed. Jobs that move on concurrently are skipped.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if !o.cfg.WatchdogEnabled() {
		return 0, nil
	}

	cutoff := o.clock.Now().UTC().Add(-o.cfg.StaleAfter)

	stale, err := o.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	failed := 0

	for _, job := range stale {
		t := Transition{From: job.Status, To: StatusFailed, At: o.clock.Now().UTC(), Error: errStale}

		if err := o.store.Transition(ctx, job.ID, t); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue
			}

			return failed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}

		failed++

		if o.metrics != nil {
			o.metrics.JobsStaleFailed.Inc()
			o.metrics.JobsFinished.WithLabelValues(string(job.Type), string(StatusFailed)).Inc()
		}

		o.publish(ctx, job.Apply(t))
	}

	return failed, nil
}
