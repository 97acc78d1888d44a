// Package events publishes domain events (ingestion runs, extraction decisions, job outcomes)
// to a message broker for downstream consumers such as the analytics service.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeIngestionCompleted = "ingestion.completed"
	TypeExtractionApproved = "extraction.approved"
	TypeExtractionDenied   = "extraction.denied"
	TypeJobFinished        = "job.finished"
)

type (
	// Event is one domain event. Key groups related events onto the same partition,
	// normally the region id or job id.
	Event struct {
		Type       string    `json:"type"`
		Key        string    `json:"key"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    any       `json:"payload"`
	}

	// Publisher delivers events. Publish failures never roll back the operation that
	// produced the event; callers log them.
	Publisher interface {
		Publish(ctx context.Context, events ...Event) error
		Close() error
	}

	// NopPublisher discards events. It is used when no broker is configured.
	NopPublisher struct{}
)

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, ...Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

func (e Event) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize %s event: %w", e.Type, err)
	}

	return data, nil
}
