package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aquifer-io/aquifer/internal/jobs"
)

var _ jobs.Store = (*JobStore)(nil)

const jobColumns = `id, job_type, status, COALESCE(to_char(target_date, 'YYYY-MM-DD'), ''),
	result, COALESCE(error, ''), created_at, started_at, completed_at`

// JobStore persists pipeline jobs. Every status change is a compare-and-set on the current
// status, which makes the row the only coordination point between triggers, workers and
// the watchdog.
type JobStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewJobStore creates a PostgreSQL-backed job store.
func NewJobStore(conn *Connection, logger *slog.Logger) (*JobStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &JobStore{conn: conn, logger: logger}, nil
}

// Create inserts a new job. CreatedAt is kept when set so tests and callers control it.
func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, target_date, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::date, $5)
	`, job.ID, string(job.Type), string(job.Status), job.TargetDate, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

// Get reads a job from the database. Unknown ids return jobs.ErrJobNotFound.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.conn.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

// List returns up to limit jobs, newest first.
func (s *JobStore) List(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT $1`, limit)
}

// ListStale returns pending and processing jobs created before cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time) ([]*jobs.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at`, cutoff)
}

// Transition applies t only while the job's status still equals t.From.
//
// When no row matches, the job is re-read to tell jobs.ErrJobNotFound from
// jobs.ErrStatusConflict.
func (s *JobStore) Transition(ctx context.Context, id uuid.UUID, t jobs.Transition) error {
	if err := jobs.ValidateTransition(t.From, t.To); err != nil {
		return err
	}

	var (
		result sql.NullString
		errMsg sql.NullString
		query  string
	)

	if len(t.Result) > 0 {
		result = sql.NullString{String: string(t.Result), Valid: true}
	}

	if t.Error != "" {
		errMsg = sql.NullString{String: t.Error, Valid: true}
	}

	switch {
	case t.To == jobs.StatusProcessing:
		query = `UPDATE jobs SET status = $3, started_at = $4 WHERE id = $1 AND status = $2`
	default:
		query = `UPDATE jobs SET status = $3, completed_at = $4, result = $5::jsonb, error = $6
			WHERE id = $1 AND status = $2`
	}

	args := []any{id, string(t.From), string(t.To), t.At}
	if t.To != jobs.StatusProcessing {
		args = append(args, result, errMsg)
	}

	res, err := s.conn.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if affected == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Job transition lost compare-and-set",
		slog.String("job_id", id.String()),
		slog.String("expected", string(t.From)),
		slog.String("actual", string(current.Status)),
	)

	return fmt.Errorf("%w: %s is %s, expected %s", jobs.ErrStatusConflict, id, current.Status, t.From)
}

func (s *JobStore) query(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	out := make([]*jobs.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		out = append(out, job)
	}

	return out, rows.Err()
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job         jobs.Job
		jobType     string
		status      string
		result      []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.TargetDate,
		&result,
		&job.Error,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = jobs.Type(jobType)
	job.Status = jobs.Status(status)
	job.CreatedAt = job.CreatedAt.UTC()

	if len(result) > 0 {
		job.Result = result
	}

	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}

	return &job, nil
}
