// Package config provides configuration loading and validation for the relay
// daemon. It uses koanf to merge environment variables with optional file
// overrides.
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

// Config holds all configuration values for the relay daemon.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Outbox engine
	OutboxBatchSize            int           `koanf:"outbox_batch_size"`
	OutboxWorkerConcurrency    int           `koanf:"outbox_worker_concurrency"`
	OutboxPerTenantConcurrency int           `koanf:"outbox_per_tenant_concurrency"`
	OutboxLeaseTTL             time.Duration `koanf:"outbox_lease_ttl"`
	OutboxMaxAttempts          int           `koanf:"outbox_max_attempts"`
	OutboxBackoffBase          time.Duration `koanf:"outbox_backoff_base"`
	OutboxBackoffCap           time.Duration `koanf:"outbox_backoff_cap"`
	OutboxHandlerTimeout       time.Duration `koanf:"outbox_handler_timeout"`
	OutboxGracefulDrain        time.Duration `koanf:"outbox_graceful_drain"`

	// Idempotency ledger
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`

	// Kill-switch registry
	KillSwitchCacheTTL time.Duration `koanf:"killswitch_cache_ttl"`

	// Tracing
	TracingEnabled  bool    `koanf:"tracing_enabled"`
	TracingExporter string  `koanf:"tracing_exporter"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL    = errors.New("DATABASE_URL is required")
	ErrInvalidPort           = errors.New("PORT must be a valid integer")
	ErrInvalidBatchSize      = errors.New("OUTBOX_BATCH_SIZE must be > 0")
	ErrInvalidConcurrency    = errors.New("OUTBOX_WORKER_CONCURRENCY must be > 0")
	ErrInvalidTenantLimit    = errors.New("OUTBOX_PER_TENANT_CONCURRENCY must be > 0 and <= worker concurrency")
	ErrInvalidMaxAttempts    = errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1")
	ErrInvalidBackoff        = errors.New("OUTBOX_BACKOFF_BASE must be > 0 and <= OUTBOX_BACKOFF_CAP")
	ErrInvalidHandlerTimeout = errors.New("OUTBOX_HANDLER_TIMEOUT must be > 0 and <= 5m")
	ErrInvalidLeaseTTL       = errors.New("OUTBOX_LEASE_TTL must be > 0")
	ErrInvalidIdempotencyTTL = errors.New("IDEMPOTENCY_TTL must be > 0")
	ErrInvalidKillSwitchTTL  = errors.New("KILLSWITCH_CACHE_TTL must be > 0")
	ErrInvalidSamplingRate   = errors.New("SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultBatchSize          = 32
	DefaultWorkerConcurrency  = 8
	DefaultPerTenantLimit     = 4
	DefaultLeaseTTL           = 60 * time.Second
	DefaultMaxAttempts        = 8
	DefaultBackoffBase        = time.Second
	DefaultBackoffCap         = 5 * time.Minute
	DefaultHandlerTimeout     = 30 * time.Second
	DefaultGracefulDrain      = 30 * time.Second
	DefaultIdempotencyTTL     = 24 * time.Hour
	DefaultKillSwitchCacheTTL = 10 * time.Second
	DefaultTracingExporter    = "otlp-http"
	DefaultSamplingRate       = 1.0

	// MaxHandlerTimeout is the hard cap on a single handler invocation.
	MaxHandlerTimeout = 5 * time.Minute
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := getEnvInt("RELAY_PORT", k.Int("port"), DefaultPort)
	if err != nil {
		loadErrs = append(loadErrs, fmt.Errorf("%w: %v", ErrInvalidPort, err))
	}
	batchSize, err := getEnvInt("OUTBOX_BATCH_SIZE", k.Int("outbox_batch_size"), DefaultBatchSize)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	workers, err := getEnvInt("OUTBOX_WORKER_CONCURRENCY", k.Int("outbox_worker_concurrency"), DefaultWorkerConcurrency)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	perTenant, err := getEnvInt("OUTBOX_PER_TENANT_CONCURRENCY", k.Int("outbox_per_tenant_concurrency"), DefaultPerTenantLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	maxAttempts, err := getEnvInt("OUTBOX_MAX_ATTEMPTS", k.Int("outbox_max_attempts"), DefaultMaxAttempts)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	leaseTTL, err := getEnvDuration("OUTBOX_LEASE_TTL", k.Duration("outbox_lease_ttl"), DefaultLeaseTTL)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	backoffBase, err := getEnvDuration("OUTBOX_BACKOFF_BASE", k.Duration("outbox_backoff_base"), DefaultBackoffBase)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	backoffCap, err := getEnvDuration("OUTBOX_BACKOFF_CAP", k.Duration("outbox_backoff_cap"), DefaultBackoffCap)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	handlerTimeout, err := getEnvDuration("OUTBOX_HANDLER_TIMEOUT", k.Duration("outbox_handler_timeout"), DefaultHandlerTimeout)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	gracefulDrain, err := getEnvDuration("OUTBOX_GRACEFUL_DRAIN", k.Duration("outbox_graceful_drain"), DefaultGracefulDrain)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	idemTTL, err := getEnvDuration("IDEMPOTENCY_TTL", k.Duration("idempotency_ttl"), DefaultIdempotencyTTL)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	ksTTL, err := getEnvDuration("KILLSWITCH_CACHE_TTL", k.Duration("killswitch_cache_ttl"), DefaultKillSwitchCacheTTL)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	sampling, err := getEnvFloat("SAMPLING_RATE", k.Float64("sampling_rate"), DefaultSamplingRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	cfg := &Config{
		Port:                       port,
		Env:                        getEnvOrKoanf("RELAY_ENV", k, "env", DefaultEnv),
		DatabaseURL:                getEnvOrKoanf("DATABASE_URL", k, "database_url", ""),
		RedisURL:                   getEnvOrKoanf("REDIS_URL", k, "redis_url", ""),
		OutboxBatchSize:            batchSize,
		OutboxWorkerConcurrency:    workers,
		OutboxPerTenantConcurrency: perTenant,
		OutboxLeaseTTL:             leaseTTL,
		OutboxMaxAttempts:          maxAttempts,
		OutboxBackoffBase:          backoffBase,
		OutboxBackoffCap:           backoffCap,
		OutboxHandlerTimeout:       handlerTimeout,
		OutboxGracefulDrain:        gracefulDrain,
		IdempotencyTTL:             idemTTL,
		KillSwitchCacheTTL:         ksTTL,
		TracingEnabled:             getEnvBool("TRACING_ENABLED", k.Bool("tracing_enabled")),
		TracingExporter:            getEnvOrKoanf("TRACING_EXPORTER", k, "tracing_exporter", DefaultTracingExporter),
		OTLPEndpoint:               getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint", ""),
		SamplingRate:               sampling,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// Validate checks that all configuration values are usable.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, ErrInvalidBatchSize)
	}
	if c.OutboxWorkerConcurrency <= 0 {
		errs = append(errs, ErrInvalidConcurrency)
	}
	if c.OutboxPerTenantConcurrency <= 0 || c.OutboxPerTenantConcurrency > c.OutboxWorkerConcurrency {
		errs = append(errs, ErrInvalidTenantLimit)
	}
	if c.OutboxMaxAttempts < 1 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}
	if c.OutboxBackoffBase <= 0 || c.OutboxBackoffBase > c.OutboxBackoffCap {
		errs = append(errs, ErrInvalidBackoff)
	}
	if c.OutboxHandlerTimeout <= 0 || c.OutboxHandlerTimeout > MaxHandlerTimeout {
		errs = append(errs, ErrInvalidHandlerTimeout)
	}
	if c.OutboxLeaseTTL <= 0 {
		errs = append(errs, ErrInvalidLeaseTTL)
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, ErrInvalidIdempotencyTTL)
	}
	if c.KillSwitchCacheTTL <= 0 {
		errs = append(errs, ErrInvalidKillSwitchTTL)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                          strconv.Itoa(c.Port),
		"env":                           c.Env,
		"database_url":                  maskDatabaseURL(c.DatabaseURL),
		"redis_url":                     maskDatabaseURL(c.RedisURL),
		"outbox_batch_size":             strconv.Itoa(c.OutboxBatchSize),
		"outbox_worker_concurrency":     strconv.Itoa(c.OutboxWorkerConcurrency),
		"outbox_per_tenant_concurrency": strconv.Itoa(c.OutboxPerTenantConcurrency),
		"outbox_lease_ttl":              c.OutboxLeaseTTL.String(),
		"outbox_max_attempts":           strconv.Itoa(c.OutboxMaxAttempts),
		"outbox_backoff_base":           c.OutboxBackoffBase.String(),
		"outbox_backoff_cap":            c.OutboxBackoffCap.String(),
		"outbox_handler_timeout":        c.OutboxHandlerTimeout.String(),
		"outbox_graceful_drain":         c.OutboxGracefulDrain.String(),
		"idempotency_ttl":               c.IdempotencyTTL.String(),
		"killswitch_cache_ttl":          c.KillSwitchCacheTTL.String(),
		"tracing_enabled":               strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":              c.TracingExporter,
		"otlp_endpoint":                 c.OTLPEndpoint,
		"sampling_rate":                 strconv.FormatFloat(c.SamplingRate, 'f', -1, 64),
	}
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the
// koanf value, otherwise the default.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if val := k.String(koanfKey); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int if set, otherwise the
// koanf value, or the default. Errors when the env var is set but unparsable.
func getEnvInt(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDuration returns the environment variable as a duration if set,
// otherwise the koanf value, or the default. Accepts Go duration syntax.
func getEnvDuration(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloat returns the environment variable as float64 if set, otherwise
// the koanf value, or the default.
func getEnvFloat(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBool returns the environment variable as bool if set, otherwise the
// koanf value.
func getEnvBool(envKey string, koanfVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch val {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return koanfVal
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return "****"
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

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
