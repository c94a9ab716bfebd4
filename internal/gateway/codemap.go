// Package gateway provides provider status-code mapping for callback payloads.
//
// Callback envelopes from older provider firmware omit the ccrv_status field
// and carry only a numeric code. The built-in map covers the documented codes;
// operators can extend or override it through .casefile.yaml when the provider
// ships a new code, without a redeploy.
package gateway

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/casefile-io/casefile/internal/config"
)

// CodeMap resolves raw provider status codes to observation kinds.
type CodeMap struct {
	codes map[string]ObservationKind
}

// codeMapFile is the YAML shape for provider code overrides.
type codeMapFile struct {
	// ProviderCodes maps raw provider codes to observation kinds.
	// Key is the code string ("1004"), value one of IN_PROGRESS, COMPLETED,
	// FAILED, MINOR, REGION_NOT_SUPPORTED.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ProviderCodes map[string]string `yaml:"provider_codes"`
}

// DefaultConfigPath is the default location for the casefile configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".casefile.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "CASEFILE_CONFIG_PATH"

// builtinCodes are the documented provider codes.
//
//	1004 → search concluded successfully (report attached)
//	1006, 1008, 1010 → failure family (unable to verify)
//	1016 → submission acknowledged
//	1017 → result ready
//	1019 → search still running
func builtinCodes() map[string]ObservationKind {
	return map[string]ObservationKind{
		"1004": ObservationCompleted,
		"1006": ObservationFailed,
		"1008": ObservationFailed,
		"1010": ObservationFailed,
		"1016": ObservationInProgress,
		"1017": ObservationCompleted,
		"1019": ObservationInProgress,
	}
}

// LoadCodeMap loads the code map, applying overrides from a YAML file at the
// given path.
//
// Behavior:
//   - Returns built-in map (not error) if file doesn't exist - overrides are optional
//   - Returns built-in map + logs warning if YAML is invalid (graceful degradation)
//   - Returns merged map on success (file entries win)
//
// This graceful degradation ensures the server can start even without the
// config file, as code overrides are an optional feature.
func LoadCodeMap(path string) (*CodeMap, error) {
	cm := &CodeMap{codes: builtinCodes()}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - overrides are optional
			slog.Debug("Config file not found, using built-in provider codes",
				slog.String("path", path))

			return cm, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, using built-in provider codes",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cm, nil
	}

	var file codeMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Invalid YAML in config file, using built-in provider codes",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cm, nil
	}

	applied := 0

	for code, kindName := range file.ProviderCodes {
		kind, ok := parseKind(kindName)
		if !ok {
			slog.Warn("Skipping provider code override with unknown kind",
				slog.String("code", code),
				slog.String("kind", kindName))

			continue
		}

		cm.codes[code] = kind
		applied++
	}

	if applied > 0 {
		slog.Info("Applied provider code overrides",
			slog.String("path", path),
			slog.Int("count", applied))
	}

	return cm, nil
}

// ConfigPath returns the code map config path from environment or default.
func ConfigPath() string {
	return config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)
}

// Resolve returns the observation kind for a raw provider code.
func (c *CodeMap) Resolve(code string) (ObservationKind, bool) {
	if c == nil || c.codes == nil {
		kind, ok := builtinCodes()[code]

		return kind, ok
	}

	kind, ok := c.codes[code]

	return kind, ok
}

// parseKind maps a YAML kind name to an ObservationKind.
func parseKind(name string) (ObservationKind, bool) {
	switch name {
	case "IN_PROGRESS":
		return ObservationInProgress, true
	case "COMPLETED":
		return ObservationCompleted, true
	case "FAILED":
		return ObservationFailed, true
	case "MINOR":
		return ObservationMinor, true
	case "REGION_NOT_SUPPORTED":
		return ObservationRegionUnsupported, true
	default:
		return "", false
	}
}
