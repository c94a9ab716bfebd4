package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type (
	// KafkaSink publishes finalized-verification events to a Kafka topic.
	//
	// Events are keyed by transaction id so every update for one transaction
	// lands on the same partition and consumers observe them in order.
	KafkaSink struct {
		writer *kafka.Writer
		logger *slog.Logger
	}

	// KafkaSinkOption configures a KafkaSink.
	KafkaSinkOption func(*KafkaSink)
)

// WithKafkaLogger sets the structured logger used by the sink.
func WithKafkaLogger(logger *slog.Logger) KafkaSinkOption {
	return func(s *KafkaSink) {
		s.logger = logger
	}
}

// NewKafkaSink creates a Kafka-backed notification sink.
func NewKafkaSink(cfg *Config, opts ...KafkaSinkOption) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka sink config: %w", err)
	}

	sink := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: time.Second,
			RequiredAcks: kafka.RequireAll,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(sink)
	}

	return sink, nil
}

// Publish writes one event to the notification topic.
func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "status", Value: []byte(event.Status.String())},
		},
	}

	if err := s.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to publish notification event: %w", err)
	}

	s.logger.Debug("published finalized-verification event",
		slog.String("transaction_id", event.TransactionID),
		slog.String("status", event.Status.String()),
	)

	return nil
}

// Close flushes pending messages and releases the underlying writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}

	return nil
}
