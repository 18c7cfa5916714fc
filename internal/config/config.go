// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Default upstream settings. The ceiling matches the free-tier allowance of
// 15 requests in any trailing 60 second window.
const (
	DefaultEndpoint    = "https://api.coingecko.com/api/v3"
	DefaultRateCeiling = 15
	DefaultRateWindow  = time.Minute
	DefaultStaggerStep = 5 * time.Second
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Base URL of the upstream markets API
	Endpoint string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Per-request timeout for upstream fetches
	RequestTimeout time.Duration

	// Shared request ceiling and the window it applies to
	RateCeiling int
	RateWindow  time.Duration

	// Spacing between consecutive job start offsets
	StaggerStep time.Duration

	// Consecutive failed cycles before a job is reported degraded
	DegradeThreshold int

	// Polling job definitions
	Jobs []JobConfig
}

// JobConfig defines one polling job: a named group of assets fetched
// together in a single upstream request.
type JobConfig struct {
	// Name identifies the job in logs and the read API
	Name string `json:"name"`

	// AssetIDs is a comma-separated list of upstream asset ids
	AssetIDs string `json:"asset_ids"`

	// Currency is the fiat currency code for prices, e.g. "usd"
	Currency string `json:"currency"`

	// Unit is the display unit label attached to derived values
	Unit string `json:"unit,omitempty"`

	// Multipliers is a comma-separated list of display multipliers,
	// one per asset id
	Multipliers string `json:"multipliers"`

	// IntervalMinutes is the polling interval in minutes
	IntervalMinutes float64 `json:"interval_minutes"`

	// MinTimeBetweenRequests is an obsolete field from configurations
	// that predate the shared limiter. It is accepted and ignored.
	MinTimeBetweenRequests *float64 `json:"min_time_between_requests,omitempty"`
}

// ConfigError reports a job definition that cannot be used. Setup of the
// offending job aborts; other jobs are unaffected.
type ConfigError struct {
	Job    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in job %q: %s", e.Job, e.Reason)
}

// Validate checks the job definition and reports the first problem found.
func (j JobConfig) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return &ConfigError{Job: j.Name, Reason: "name must not be empty"}
	}
	assets := j.AssetList()
	if len(assets) == 0 {
		return &ConfigError{Job: j.Name, Reason: "asset_ids must not be empty"}
	}
	multipliers, err := j.MultiplierList()
	if err != nil {
		return err
	}
	if len(multipliers) != len(assets) {
		return &ConfigError{
			Job: j.Name,
			Reason: fmt.Sprintf("multipliers (%d) and asset ids (%d) must have the same length",
				len(multipliers), len(assets)),
		}
	}
	if strings.TrimSpace(j.Currency) == "" {
		return &ConfigError{Job: j.Name, Reason: "currency must not be empty"}
	}
	if j.IntervalMinutes <= 0 {
		return &ConfigError{Job: j.Name, Reason: "interval_minutes must be positive"}
	}
	return nil
}

// AssetList returns the trimmed, lower-cased asset ids.
func (j JobConfig) AssetList() []string {
	parts := strings.Split(strings.ToLower(j.AssetIDs), ",")
	assets := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			assets = append(assets, p)
		}
	}
	return assets
}

// MultiplierList parses the per-asset display multipliers.
func (j JobConfig) MultiplierList() ([]float64, error) {
	parts := strings.Split(j.Multipliers, ",")
	multipliers := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, &ConfigError{Job: j.Name, Reason: fmt.Sprintf("invalid multiplier %q", p)}
		}
		multipliers = append(multipliers, m)
	}
	return multipliers, nil
}

// Interval returns the polling interval as a duration.
func (j JobConfig) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes * float64(time.Minute))
}

// Load creates a new Config from environment variables. Job definitions are
// read from the CRYPTOINFO_JOBS JSON array, or from the file named by
// CRYPTOINFO_JOBS_FILE when set.
func Load() (Config, error) {
	jobs, err := loadJobs()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Port:             GetEnvOrDefault("PORT", "8080"),
		Endpoint:         strings.TrimRight(GetEnvOrDefault("API_ENDPOINT", DefaultEndpoint), "/"),
		OtelEndpoint:     GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RequestTimeout:   GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateCeiling:      GetEnvAsInt("RATE_CEILING", DefaultRateCeiling),
		RateWindow:       GetEnvAsDuration("RATE_WINDOW", DefaultRateWindow),
		StaggerStep:      GetEnvAsDuration("STAGGER_STEP", DefaultStaggerStep),
		DegradeThreshold: GetEnvAsInt("DEGRADE_THRESHOLD", 3),
		Jobs:             jobs,
	}, nil
}

// loadJobs reads and migrates the job definitions.
func loadJobs() ([]JobConfig, error) {
	raw := os.Getenv("CRYPTOINFO_JOBS")
	if path := os.Getenv("CRYPTOINFO_JOBS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading jobs file: %w", err)
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}

	var jobs []JobConfig
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, fmt.Errorf("parsing job definitions: %w", err)
	}
	return MigrateJobs(jobs), nil
}

// MigrateJobs upgrades job definitions written for older releases. The
// manual min_time_between_requests pacing field was superseded by the
// shared rate limiter and is dropped with a warning.
func MigrateJobs(jobs []JobConfig) []JobConfig {
	migrated := make([]JobConfig, len(jobs))
	for i, j := range jobs {
		if j.MinTimeBetweenRequests != nil {
			logrus.WithFields(logrus.Fields{
				"job":   j.Name,
				"field": "min_time_between_requests",
			}).Warn("Dropping obsolete job setting; request pacing is handled by the shared rate limiter")
			j.MinTimeBetweenRequests = nil
		}
		migrated[i] = j
	}
	return migrated
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
