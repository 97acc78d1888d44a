// Package jobs runs pipeline jobs asynchronously on a bounded worker pool.
//
// A trigger persists a pending Job and returns immediately. Workers pick the job id off a
// buffered channel and drive the record through pending → processing → {completed | failed}
// with compare-and-set updates. The persisted record is the only state shared between the
// request that triggered a job and the worker that runs it.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetDateLayout is the wire and storage format of a job's target date.
const TargetDateLayout = "2006-01-02"

var (
	// ErrJobNotFound indicates no job exists with the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJobType indicates a trigger named an unsupported job type.
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrInvalidTargetDate indicates a trigger date that is not YYYY-MM-DD.
	ErrInvalidTargetDate = errors.New("invalid target date")

	// ErrInvalidTransition indicates a status change outside the job lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalStateImmutable indicates an attempt to move a completed or failed job.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")

	// ErrBackwardTransition indicates an attempt to move a job back to pending.
	ErrBackwardTransition = errors.New("cannot transition backwards")

	// ErrStatusConflict indicates a compare-and-set update found the job in a different status
	// than expected, usually because another worker or the watchdog got there first.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// Type selects the external pipeline step a job runs.
type Type string

// Job types.
const (
	TypeDailySummary Type = "daily_summary"
	TypeTraining     Type = "training"
	TypeForecast     Type = "forecast"
	TypeFullPipeline Type = "full_pipeline"
)

// Types returns every supported job type.
func Types() []Type {
	return []Type{TypeDailySummary, TypeTraining, TypeForecast, TypeFullPipeline}
}

// IsValid reports whether t is a supported job type.
func (t Type) IsValid() bool {
	switch t {
	case TypeDailySummary, TypeTraining, TypeForecast, TypeFullPipeline:
		return true
	}

	return false
}

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the four lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}

	return false
}

type (
	// Job is the persisted record of one pipeline run.
	Job struct {
		ID          uuid.UUID       `json:"job_id"`
		Type        Type            `json:"job_type"`
		Status      Status          `json:"status"`
		TargetDate  string          `json:"target_date,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
		Error       string          `json:"error,omitempty"`
		CreatedAt   time.Time       `json:"created_at"`
		StartedAt   *time.Time      `json:"started_at,omitempty"`
		CompletedAt *time.Time      `json:"completed_at,omitempty"`
	}

	// Transition is a compare-and-set status update. It applies only while the job is in From.
	//
	// Entering processing sets started_at to At; entering a terminal state sets completed_at
	// to At together with Result or Error.
	Transition struct {
		From   Status
		To     Status
		At     time.Time
		Result json.RawMessage
		Error  string
	}
)

// ValidateTransition checks a status change against the job lifecycle.
//
// Valid transitions:
//   - pending → processing
//   - pending → failed (queue overflow, stale watchdog)
//   - processing → completed
//   - processing → failed
//
// Terminal states never change, and nothing returns to pending.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	if to == StatusPending {
		return fmt.Errorf("%w: %s → %s", ErrBackwardTransition, from, to)
	}

	switch {
	case from == StatusPending && (to == StatusProcessing || to == StatusFailed):
		return nil
	case from == StatusProcessing && to.IsTerminal():
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// Apply returns a copy of the job with the transition applied. It does not validate.
func (j Job) Apply(t Transition) Job {
	at := t.At

	j.Status = t.To

	switch {
	case t.To == StatusProcessing:
		j.StartedAt = &at
	case t.To.IsTerminal():
		j.CompletedAt = &at
		j.Result = t.Result
		j.Error = t.Error
	}

	return j
}

// ParseTargetDate validates a YYYY-MM-DD date string.
func ParseTargetDate(value string) (time.Time, error) {
	d, err := time.Parse(TargetDateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q must be YYYY-MM-DD", ErrInvalidTargetDate, value)
	}

	return d, nil
}
