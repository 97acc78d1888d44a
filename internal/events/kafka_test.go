package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestToMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	event := Event{
		Type:       TypeExtractionApproved,
		Key:        "R1",
		OccurredAt: now,
		Payload:    map[string]any{"volume_liters": 1000.0},
	}

	msg, err := toMessage(event)
	require.NoError(t, err)

	assert.Equal(t, []byte("R1"), msg.Key)
	assert.Equal(t, now, msg.Time)
	assert.JSONEq(t,
		`{"type":"extraction.approved","key":"R1","occurred_at":"2024-05-01T09:30:00Z","payload":{"volume_liters":1000}}`,
		string(msg.Value))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(TypeExtractionApproved), msg.Headers[0].Value)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[1].Value)
}

func TestToMessage_UnserializablePayload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := toMessage(Event{Type: TypeJobFinished, Payload: make(chan int)})
	require.Error(t, err)
}

func TestKafkaConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("AQUIFER_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AQUIFER_KAFKA_TOPIC", "")

	cfg := LoadKafkaConfig()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, defaultTopic, cfg.Topic)
	require.NoError(t, cfg.Validate())

	assert.ErrorIs(t, (&KafkaConfig{}).Validate(), ErrNoBrokers)
}

func TestNopPublisher(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var p Publisher = NopPublisher{}

	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeJobFinished}))
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0", kafka.WithClusterID("aquifer-test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	topic := fmt.Sprintf("aquifer-events-%d", time.Now().UnixNano())
	publisher := NewKafkaPublisher(&KafkaConfig{
		Brokers:      brokers,
		Topic:        topic,
		WriteTimeout: 10 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Cleanup(func() { _ = publisher.Close() })

	event := Event{
		Type:       TypeIngestionCompleted,
		Key:        "run-1",
		OccurredAt: time.Now().UTC().Truncate(time.Second),
		Payload:    map[string]any{"inserted": 10},
	}

	// Auto topic creation can race the first write.
	require.Eventually(t, func() bool {
		return publisher.Publish(ctx, event) == nil
	}, 30*time.Second, time.Second)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	msg, err := consumer.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "run-1", string(msg.Key))

	var got Event

	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, TypeIngestionCompleted, got.Type)
	assert.Equal(t, event.OccurredAt, got.OccurredAt)
}
