// Package config provides unified configuration loading helpers for the
// pipeline orchestration core. It eliminates duplication across entry points
// by providing environment variable loading with fallbacks, byte-size
// parsing, duration parsing, and the small set of process-wide tuning knobs
// the core itself owns (worker pool size, default timeouts, metrics toggle).
//
// The pipeline configuration document itself (nodes, resources, edges) is
// parsed and validated by the pipeline validator package, not here; this
// package only covers host/process level configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Environment Loading Helpers
// =============================================================================

// GetEnv retrieves an environment variable with an optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with an optional
// default. Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	return ParseBoolOrDefault(val, defaultValue)
}

// GetEnvInt retrieves an integer environment variable with an optional
// default. Returns the default if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseEnvDuration parses a duration from the environment variable with the
// given key. Returns the parsed duration and true on success.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// Byte Size Parsing
// =============================================================================

// ParseByteSize parses a size string like "80KB", "512MB" into bytes.
// Supported suffixes: B, KB, MB, GB (and their lowercase/iB variants).
// Used to resolve the `<output_key>_size` byte-unit entries a pipeline
// config's node.config map may carry, before they are divided by element
// size and rounded up to the shared-region alignment.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}

	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024},
		{"mb", 1024 * 1024},
		{"m", 1024 * 1024},
		{"kib", 1024},
		{"kb", 1024},
		{"k", 1024},
		{"b", 1},
	}

	const maxInt64 = int64(^uint64(0) >> 1)

	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// =============================================================================
// Scalar Parsing With Defaults
// =============================================================================

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// ParseBoolOrDefault parses a boolean string or returns the default.
// Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// =============================================================================
// Core Process Configuration
// =============================================================================

// CoreConfig holds the process-wide tuning knobs the orchestration core
// owns directly, as opposed to pipeline-document-level settings.
type CoreConfig struct {
	// WorkerPoolSize is read from LIVECALC_WORKER_POOL_SIZE (default 0).
	// Nothing in this module reads it: the orchestrator's concurrency bound
	// is OrchestratorConfig.MaxConcurrency, which the entry point takes from
	// its -concurrency flag (0 there means unbounded).
	WorkerPoolSize int
	// DefaultNodeTimeout is read from LIVECALC_NODE_TIMEOUT (default 30s).
	// Nothing in this module reads it; no per-node timeout is applied.
	DefaultNodeTimeout time.Duration
	// WaitPollInterval is read from LIVECALC_WAIT_POLL_INTERVAL (default
	// 1ms). Nothing in this module reads it; SignalManager.WaitUntil waits
	// on a condition variable and does not poll.
	WaitPollInterval time.Duration
	// MetricsEnabled toggles Prometheus collector registration.
	MetricsEnabled bool
	// LogLevel and LogFormat mirror the logging package's own env-driven
	// defaults, surfaced here so a single CoreConfig value can be threaded
	// through an entry point instead of re-reading the environment twice.
	LogLevel  string
	LogFormat string
}

// LoadCoreConfig reads CoreConfig from the environment, applying the same
// defaults a freshly-started core uses when no override is present.
func LoadCoreConfig() CoreConfig {
	return CoreConfig{
		WorkerPoolSize:     GetEnvInt("LIVECALC_WORKER_POOL_SIZE", 0),
		DefaultNodeTimeout: ParseDurationOrDefault(GetEnv("LIVECALC_NODE_TIMEOUT", ""), 30*time.Second),
		WaitPollInterval:   ParseDurationOrDefault(GetEnv("LIVECALC_WAIT_POLL_INTERVAL", ""), time.Millisecond),
		MetricsEnabled:     GetEnvBool("LIVECALC_METRICS_ENABLED", true),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
	}
}
