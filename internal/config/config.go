// Package config provides configuration loading and validation for the
// beacon server. It uses koanf to merge environment variables with optional
// file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the beacon server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// JWT Authentication
	JWTSecret string `koanf:"jwt_secret"`

	// Redis (optional). When set, the rate limiter and the cross-node room
	// bridge use it; when empty both fall back to single-node in-memory mode.
	RedisAddr string `koanf:"redis_addr"`

	// Presence registry
	PresenceSweepInterval time.Duration `koanf:"presence_sweep_interval"`
	PresenceStaleAfter    time.Duration `koanf:"presence_stale_after"`

	// Idempotency key retention
	IdempotencyKeyExpiry time.Duration `koanf:"idempotency_key_expiry"`

	// CORS. Empty means CORS headers are not emitted (same-origin only).
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Pprof endpoints. Only honored outside production.
	ProfilingEnabled bool `koanf:"profiling_enabled"`

	// Distributed tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrInvalidPort        = errors.New("PORT must be a valid integer")
	ErrInvalidDuration    = errors.New("duration values must be positive")
	ErrInvalidSampling    = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                  = 8080
	DefaultEnv                   = "development"
	DefaultPresenceSweepInterval = time.Minute
	DefaultPresenceStaleAfter    = 5 * time.Minute
	DefaultIdempotencyKeyExpiry  = 24 * time.Hour
	DefaultTracingExporter       = "otlp-http"
	DefaultTracingSamplingRate   = 0.1
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error
// is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try BEACON_PORT first, then PORT for container platforms that inject it.
	port, portErr := getEnvIntOrDefaultMulti([]string{"BEACON_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	sweepInterval, err := getEnvDurationOrDefault("PRESENCE_SWEEP_INTERVAL", k.Duration("presence_sweep_interval"), DefaultPresenceSweepInterval)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	staleAfter, err := getEnvDurationOrDefault("PRESENCE_STALE_AFTER", k.Duration("presence_stale_after"), DefaultPresenceStaleAfter)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	keyExpiry, err := getEnvDurationOrDefault("IDEMPOTENCY_KEY_EXPIRY", k.Duration("idempotency_key_expiry"), DefaultIdempotencyKeyExpiry)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                  port,
		Env:                   getEnvOrDefaultMulti([]string{"BEACON_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:           getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:             getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		RedisAddr:             getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		PresenceSweepInterval: sweepInterval,
		PresenceStaleAfter:    staleAfter,
		IdempotencyKeyExpiry:  keyExpiry,
		CORSAllowedOrigins:    getEnvListOrDefault("CORS_ALLOWED_ORIGINS", k.Strings("cors_allowed_origins")),
		ProfilingEnabled:      getEnvBoolOrDefault("PROFILING_ENABLED", k.Bool("profiling_enabled")),
		TracingEnabled:        getEnvBoolOrDefault("TRACING_ENABLED", k.Bool("tracing_enabled")),
		TracingExporter:       getEnvOrDefaultMulti([]string{"TRACING_EXPORTER"}, k.String("tracing_exporter"), DefaultTracingExporter),
		TracingOTLPEndpoint:   getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSamplingRate:   samplingRate,
		TracingInsecure:       getEnvBoolOrDefault("TRACING_INSECURE", k.Bool("tracing_insecure")),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or
// default. Returns an error if an environment variable is set but cannot be
// parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable parsed as a
// time.Duration if set, otherwise the koanf value, or default. Returns an
// error if the value is set but cannot be parsed or is not positive.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration (e.g. 60s, 5m): %w", envKey, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal > 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvListOrDefault returns the environment variable split on commas if
// set, otherwise the koanf value. Entries are trimmed; empty entries dropped.
func getEnvListOrDefault(envKey string, koanfVal []string) []string {
	val := os.Getenv(envKey)
	if val == "" {
		return koanfVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvBoolOrDefault returns the environment variable parsed as a boolean if
// set, otherwise the koanf value. Unparseable values count as false.
func getEnvBoolOrDefault(envKey string, koanfVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false
		}
		return b
	}
	return koanfVal
}

// getEnvFloatOrDefault returns the environment variable parsed as a float if
// set, otherwise the koanf value, or default. Returns an error if the value
// is set but cannot be parsed.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.PresenceSweepInterval <= 0 || c.PresenceStaleAfter <= 0 || c.IdempotencyKeyExpiry <= 0 {
		errs = append(errs, ErrInvalidDuration)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSampling)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                    fmt.Sprintf("%d", c.Port),
		"env":                     c.Env,
		"database_url":            maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":              maskSecret(c.JWTSecret),
		"redis_addr":              c.RedisAddr,
		"presence_sweep_interval": c.PresenceSweepInterval.String(),
		"presence_stale_after":    c.PresenceStaleAfter.String(),
		"idempotency_key_expiry":  c.IdempotencyKeyExpiry.String(),
		"cors_allowed_origins":    strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":         strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":        c.TracingExporter,
		"tracing_otlp_endpoint":   c.TracingOTLPEndpoint,
		"tracing_sampling_rate":   strconv.FormatFloat(c.TracingSamplingRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters
// followed by ****. If the secret is shorter than 8 characters, it's fully
// masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
