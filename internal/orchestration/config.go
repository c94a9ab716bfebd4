package orchestration

import (
	"fmt"
	"time"

	"github.com/casefile-io/casefile/internal/config"
)

// Parking lot defaults. Twelve attempts at five-second spacing gives an
// out-of-order callback a one-minute window for its transaction to appear,
// which is far beyond the observed initiate→persist gap.
const (
	DefaultParkRetryInterval = 5 * time.Second
	DefaultParkMaxAttempts   = 12
	DefaultParkCapacity      = 1024
)

type (
	// Config holds orchestration settings.
	Config struct {
		// ParkRetryInterval is the spacing between retry sweeps over parked
		// callbacks.
		ParkRetryInterval time.Duration

		// ParkMaxAttempts is how many sweeps a parked callback survives
		// before it is abandoned as an anomaly.
		ParkMaxAttempts int

		// ParkCapacity bounds the parking lot. Arrivals beyond capacity are
		// recorded as anomalies immediately instead of parked.
		ParkCapacity int
	}
)

// LoadConfig reads orchestration configuration from the environment.
//
// Environment variables:
//   - CASEFILE_PARK_RETRY_INTERVAL: sweep spacing (default "5s")
//   - CASEFILE_PARK_MAX_ATTEMPTS: sweeps before abandonment (default 12)
//   - CASEFILE_PARK_CAPACITY: parked callback cap (default 1024)
func LoadConfig() *Config {
	return &Config{
		ParkRetryInterval: config.GetEnvDuration("CASEFILE_PARK_RETRY_INTERVAL", DefaultParkRetryInterval),
		ParkMaxAttempts:   config.GetEnvInt("CASEFILE_PARK_MAX_ATTEMPTS", DefaultParkMaxAttempts),
		ParkCapacity:      config.GetEnvInt("CASEFILE_PARK_CAPACITY", DefaultParkCapacity),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ParkRetryInterval <= 0 {
		return fmt.Errorf("park retry interval must be positive, got %v", c.ParkRetryInterval)
	}

	if c.ParkMaxAttempts <= 0 {
		return fmt.Errorf("park max attempts must be positive, got %d", c.ParkMaxAttempts)
	}

	if c.ParkCapacity <= 0 {
		return fmt.Errorf("park capacity must be positive, got %d", c.ParkCapacity)
	}

	return nil
}
