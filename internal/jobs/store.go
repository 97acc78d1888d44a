package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Store persists job records. Implementations must re-read from durable storage on every
	// Get; the record is the coordination point between triggers, workers and the watchdog.
	Store interface {
		Create(ctx context.Context, job *Job) error

		// Get returns ErrJobNotFound for unknown ids.
		Get(ctx context.Context, id uuid.UUID) (*Job, error)

		// List returns up to limit jobs, newest first.
		List(ctx context.Context, limit int) ([]*Job, error)

		// Transition applies t only if the job is currently in t.From. It returns
		// ErrStatusConflict when the status has moved on and ErrJobNotFound for unknown ids.
		Transition(ctx context.Context, id uuid.UUID, t Transition) error

		// ListStale returns non-terminal jobs created before cutoff.
		ListStale(ctx context.Context, cutoff time.Time) ([]*Job, error)
	}

	// StepRunner executes the external pipeline step of a job type and returns its raw result.
	StepRunner interface {
		Run(ctx context.Context, jobType Type, targetDate string) (json.RawMessage, error)
	}
)
