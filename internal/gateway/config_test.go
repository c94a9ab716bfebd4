package gateway

import (
	"errors"
	"testing"
	"time"
)

func TestProviderConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("valid config", func(t *testing.T) {
		t.Setenv("CASEFILE_PROVIDER_BASE_URL", "https://api.gridlines.io")
		t.Setenv("CASEFILE_PROVIDER_API_KEY", "provider-key")

		if err := LoadConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("missing base url", func(t *testing.T) {
		t.Setenv("CASEFILE_PROVIDER_BASE_URL", "")
		t.Setenv("CASEFILE_PROVIDER_API_KEY", "provider-key")

		if err := LoadConfig().Validate(); !errors.Is(err, ErrBaseURLEmpty) {
			t.Errorf("Validate() error = %v, want ErrBaseURLEmpty", err)
		}
	})

	t.Run("missing api key", func(t *testing.T) {
		t.Setenv("CASEFILE_PROVIDER_BASE_URL", "https://api.gridlines.io")
		t.Setenv("CASEFILE_PROVIDER_API_KEY", "")

		if err := LoadConfig().Validate(); !errors.Is(err, ErrAPIKeyEmpty) {
			t.Errorf("Validate() error = %v, want ErrAPIKeyEmpty", err)
		}
	})

	t.Run("non-positive timeout", func(t *testing.T) {
		cfg := &Config{BaseURL: "https://api.gridlines.io", apiKey: "provider-key", RequestTimeout: 0}

		if err := cfg.Validate(); !errors.Is(err, ErrInvalidRequestTimeout) {
			t.Errorf("Validate() error = %v, want ErrInvalidRequestTimeout", err)
		}
	})

	t.Run("default timeout from environment", func(t *testing.T) {
		t.Setenv("CASEFILE_PROVIDER_BASE_URL", "https://api.gridlines.io")
		t.Setenv("CASEFILE_PROVIDER_API_KEY", "provider-key")

		if got := LoadConfig().RequestTimeout; got != defaultRequestTimeout {
			t.Errorf("RequestTimeout = %v, want %v", got, defaultRequestTimeout)
		}
	})

	t.Run("timeout override from environment", func(t *testing.T) {
		t.Setenv("CASEFILE_PROVIDER_BASE_URL", "https://api.gridlines.io")
		t.Setenv("CASEFILE_PROVIDER_API_KEY", "provider-key")
		t.Setenv("CASEFILE_PROVIDER_TIMEOUT", "5s")

		if got := LoadConfig().RequestTimeout; got != 5*time.Second {
			t.Errorf("RequestTimeout = %v, want 5s", got)
		}
	})
}

func TestMaskAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "standard key shows first four characters",
			apiKey:   "provider-key-12345",
			expected: "prov**************",
		},
		{
			name:     "short key is fully masked",
			apiKey:   "abcd",
			expected: "****",
		},
		{
			name:     "empty key",
			apiKey:   "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{apiKey: tt.apiKey}

			if got := cfg.MaskAPIKey(); got != tt.expected {
				t.Errorf("MaskAPIKey() = %q, want %q", got, tt.expected)
			}
		})
	}
}
