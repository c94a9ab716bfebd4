// Package gateway provides provider client configuration.
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casefile-io/casefile/internal/config"
)

const (
	defaultRequestTimeout = 30 * time.Second
	searchPath            = "/ccrv-api/rapid/search"
	resultPath            = "/ccrv-api/rapid/result"
)

var (
	// ErrBaseURLEmpty is returned when the provider base URL is an empty string.
	ErrBaseURLEmpty = errors.New("provider base URL cannot be empty")

	// ErrAPIKeyEmpty is returned when the provider API key is an empty string.
	ErrAPIKeyEmpty = errors.New("provider API key cannot be empty")

	// ErrInvalidRequestTimeout indicates the request timeout is zero or negative.
	ErrInvalidRequestTimeout = errors.New("request timeout must be positive")
)

// Config holds CCRV provider client configuration.
type Config struct {
	// BaseURL is the provider API root, e.g. "https://api.gridlines.io".
	BaseURL string

	apiKey string // private: never logged

	// CallbackURL is the publicly reachable webhook the provider pushes
	// completion callbacks to. Optional: without it the provider is polled
	// only.
	CallbackURL string

	// RequestTimeout bounds every provider call. A timed-out poll leaves the
	// transaction record unchanged and is safe to retry.
	RequestTimeout time.Duration
}

// LoadConfig loads provider configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BaseURL:        config.GetEnvStr("CASEFILE_PROVIDER_BASE_URL", ""),
		apiKey:         config.GetEnvStr("CASEFILE_PROVIDER_API_KEY", ""), // apiKey is private for obvious reasons.
		CallbackURL:    config.GetEnvStr("CASEFILE_PROVIDER_CALLBACK_URL", ""),
		RequestTimeout: config.GetEnvDuration("CASEFILE_PROVIDER_TIMEOUT", defaultRequestTimeout),
	}
}

// Validate checks if the provider configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	if strings.TrimSpace(c.apiKey) == "" {
		return ErrAPIKeyEmpty
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRequestTimeout, c.RequestTimeout)
	}

	return nil
}

// MaskAPIKey returns a masked API key safe for logging.
func (c *Config) MaskAPIKey() string {
	if c.apiKey == "" {
		return ""
	}

	const visible = 4
	if len(c.apiKey) <= visible {
		return "****"
	}

	return c.apiKey[:visible] + strings.Repeat("*", len(c.apiKey)-visible)
}
