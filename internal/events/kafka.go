package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/aquifer-io/aquifer/internal/config"
)

const (
	defaultTopic        = "aquifer.events"
	defaultWriteTimeout = 10 * time.Second
)

// ErrNoBrokers indicates the Kafka publisher was enabled without brokers.
var ErrNoBrokers = errors.New("kafka brokers cannot be empty")

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadKafkaConfig loads Kafka publisher configuration from environment variables.
// An empty broker list means events are not published.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("AQUIFER_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("AQUIFER_KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("AQUIFER_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks an enabled Kafka configuration.
func (c *KafkaConfig) Validate() error {
	if !c.Enabled() {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return fmt.Errorf("%w: topic is empty", ErrNoBrokers)
	}

	return nil
}

// KafkaPublisher produces events to a single Kafka topic.
type KafkaPublisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a Kafka producer for the configured topic.
func NewKafkaPublisher(cfg *KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}

	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish serializes and writes events in a single WriteMessages call.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafkago.Message, len(events))

	for i := range events {
		msg, err := toMessage(events[i])
		if err != nil {
			return err
		}

		msgs[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d event(s): %w", len(msgs), err)
	}

	p.logger.Debug("Published events",
		slog.Int("count", len(msgs)),
		slog.String("topic", p.writer.Topic),
	)

	return nil
}

// Close flushes pending writes and releases the producer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(event Event) (kafkago.Message, error) {
	data, err := event.marshal()
	if err != nil {
		return kafkago.Message{}, err
	}

	return kafkago.Message{
		Key:   []byte(event.Key),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "occurred_at", Value: []byte(event.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}
