package notify

import (
	"fmt"
	"strings"

	"github.com/casefile-io/casefile/internal/config"
)

// Default Kafka settings for the notification stream.
const (
	DefaultTopic        = "casefile.verifications.finalized"
	DefaultBatchSize    = 100
	DefaultBatchTimeout = "1s"
)

type (
	// Config holds the Kafka notification sink settings.
	Config struct {
		// Brokers is the Kafka bootstrap broker list.
		Brokers []string

		// Topic is the topic finalized-verification events are written to.
		Topic string

		// BatchSize caps how many events a single produce batch carries.
		BatchSize int
	}
)

// LoadConfig reads the notification sink configuration from the environment.
//
// Environment variables:
//   - CASEFILE_KAFKA_BROKERS: comma-separated broker list (default "localhost:9092")
//   - CASEFILE_KAFKA_TOPIC: notification topic (default "casefile.verifications.finalized")
//   - CASEFILE_KAFKA_BATCH_SIZE: max events per produce batch (default 100)
func LoadConfig() *Config {
	return &Config{
		Brokers:   config.ParseCommaSeparatedList(config.GetEnvStr("CASEFILE_KAFKA_BROKERS", "localhost:9092")),
		Topic:     config.GetEnvStr("CASEFILE_KAFKA_TOPIC", DefaultTopic),
		BatchSize: config.GetEnvInt("CASEFILE_KAFKA_BATCH_SIZE", DefaultBatchSize),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	for _, broker := range c.Brokers {
		if strings.TrimSpace(broker) == "" {
			return fmt.Errorf("kafka broker address cannot be blank")
		}
	}

	if c.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("kafka batch size must be positive, got %d", c.BatchSize)
	}

	return nil
}
