// Package main provides the Casefile notification delivery worker.
//
// The worker consumes finalized-verification events from Kafka and delivers
// them to downstream channels. Delivery is at-least-once: events carry an
// event id and the worker skips ids it has already delivered in this run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/casefile-io/casefile/internal/config"
	"github.com/casefile-io/casefile/internal/notify"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "notifier"
)

// dedupeCapacity bounds the in-memory set of delivered event ids.
const dedupeCapacity = 10000

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("CASEFILE_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Casefile notification worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	notifyConfig := notify.LoadConfig()
	if err := notifyConfig.Validate(); err != nil {
		logger.Error("Invalid Kafka configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	groupID := config.GetEnvStr("CASEFILE_KAFKA_GROUP_ID", "casefile-notifier")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        notifyConfig.Brokers,
		GroupID:        groupID,
		Topic:          notifyConfig.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})

	logger.Info("Kafka consumer initialized",
		slog.String("topic", notifyConfig.Topic),
		slog.String("group_id", groupID),
		slog.Int("brokers", len(notifyConfig.Brokers)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consume(ctx, reader, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer loop failed", slog.String("error", err.Error()))

		_ = reader.Close()
		os.Exit(1)
	}

	if err := reader.Close(); err != nil {
		logger.Error("Failed to close Kafka reader", slog.String("error", err.Error()))
	}

	logger.Info("Casefile notification worker stopped")
}

// consume reads finalized-verification events until the context is cancelled.
func consume(ctx context.Context, reader *kafka.Reader, logger *slog.Logger) error {
	delivered := make(map[string]struct{}, dedupeCapacity)

	for {
		message, err := reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		var event notify.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Warn("Skipping undecodable notification event",
				slog.String("topic", message.Topic),
				slog.Int("partition", message.Partition),
				slog.Int64("offset", message.Offset),
				slog.String("error", err.Error()),
			)

			continue
		}

		if _, seen := delivered[event.EventID]; seen {
			logger.Debug("Skipping duplicate notification event",
				slog.String("event_id", event.EventID),
				slog.String("transaction_id", event.TransactionID),
			)

			continue
		}

		if len(delivered) >= dedupeCapacity {
			// Crude reset keeps memory bounded; re-delivery after a reset is
			// acceptable under at-least-once semantics.
			delivered = make(map[string]struct{}, dedupeCapacity)
		}

		delivered[event.EventID] = struct{}{}

		deliver(event, logger)
	}
}

// deliver hands one event to the downstream channel.
//
// The current channel is a structured log line consumed by the alerting
// pipeline. Caller webhooks plug in here.
func deliver(event notify.Event, logger *slog.Logger) {
	logger.Info("Verification finalized",
		slog.String("event_id", event.EventID),
		slog.String("transaction_id", event.TransactionID),
		slog.String("caller_id", event.CallerID),
		slog.String("caller_reference_id", event.CallerReferenceID),
		slog.String("status", event.Status.String()),
		slog.Int("case_count", event.CaseCount),
		slog.Time("finalized_at", event.FinalizedAt),
	)
}
