package orchestration

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := LoadConfig()

		if cfg.ParkRetryInterval != DefaultParkRetryInterval {
			t.Errorf("expected default interval %v, got %v", DefaultParkRetryInterval, cfg.ParkRetryInterval)
		}
		if cfg.ParkMaxAttempts != DefaultParkMaxAttempts {
			t.Errorf("expected default max attempts %d, got %d", DefaultParkMaxAttempts, cfg.ParkMaxAttempts)
		}
		if cfg.ParkCapacity != DefaultParkCapacity {
			t.Errorf("expected default capacity %d, got %d", DefaultParkCapacity, cfg.ParkCapacity)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("default config must validate, got %v", err)
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("CASEFILE_PARK_RETRY_INTERVAL", "250ms")
		t.Setenv("CASEFILE_PARK_MAX_ATTEMPTS", "3")
		t.Setenv("CASEFILE_PARK_CAPACITY", "64")

		cfg := LoadConfig()

		if cfg.ParkRetryInterval != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %v", cfg.ParkRetryInterval)
		}
		if cfg.ParkMaxAttempts != 3 {
			t.Errorf("expected 3, got %d", cfg.ParkMaxAttempts)
		}
		if cfg.ParkCapacity != 64 {
			t.Errorf("expected 64, got %d", cfg.ParkCapacity)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{ParkRetryInterval: time.Second, ParkMaxAttempts: 1, ParkCapacity: 1},
		},
		{
			name:    "zero interval",
			cfg:     Config{ParkMaxAttempts: 1, ParkCapacity: 1},
			wantErr: true,
		},
		{
			name:    "negative interval",
			cfg:     Config{ParkRetryInterval: -time.Second, ParkMaxAttempts: 1, ParkCapacity: 1},
			wantErr: true,
		},
		{
			name:    "zero attempts",
			cfg:     Config{ParkRetryInterval: time.Second, ParkCapacity: 1},
			wantErr: true,
		},
		{
			name:    "zero capacity",
			cfg:     Config{ParkRetryInterval: time.Second, ParkMaxAttempts: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
