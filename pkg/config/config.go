// Package config loads forge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string `env:"FORGE_LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"FORGE_LOG_FORMAT" envDefault:"json"`

	// Store is one of memory, sqlite or postgres.
	Store string `env:"FORGE_STORE" envDefault:"sqlite"`
	DSN   string `env:"FORGE_DSN" envDefault:"forge.db"`

	// RedisAddr switches build locks to Redis. Empty keeps them in process.
	RedisAddr     string        `env:"FORGE_REDIS_ADDR"`
	RedisPassword string        `env:"FORGE_REDIS_PASSWORD"`
	RedisDB       int           `env:"FORGE_REDIS_DB" envDefault:"0"`
	LockTimeout   time.Duration `env:"FORGE_LOCK_TIMEOUT" envDefault:"30s"`

	CatalogPath string  `env:"FORGE_CATALOG"`
	Tier        string  `env:"FORGE_TIER" envDefault:"basic"`
	Parallelism int     `env:"FORGE_PARALLELISM" envDefault:"4"`
	DispatchQPS float64 `env:"FORGE_DISPATCH_QPS" envDefault:"0"`

	ProfilesDir string `env:"FORGE_PROFILES_DIR" envDefault:"profiles"`
	Profile     string `env:"FORGE_PROFILE"`

	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string `env:"FORGE_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"FORGE_OTLP_INSECURE" envDefault:"false"`
	Environment  string `env:"FORGE_ENV" envDefault:"development"`

	AttestationSecret string `env:"FORGE_ATTESTATION_SECRET"`

	Evidence Evidence `envPrefix:"FORGE_EVIDENCE_"`
}

// Evidence configures where exported bundles go.
type Evidence struct {
	Sink       string `env:"SINK" envDefault:"fs"`
	Dir        string `env:"DIR" envDefault:"evidence"`
	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION"`
	S3Endpoint string `env:"S3_ENDPOINT"`
	S3Prefix   string `env:"S3_PREFIX"`
	GCSBucket  string `env:"GCS_BUCKET"`
	GCSPrefix  string `env:"GCS_PREFIX"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Evidence.S3Region == "" {
		cfg.Evidence.S3Region = os.Getenv("AWS_REGION")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("FORGE_STORE: unsupported store %q", c.Store))
	}
	if c.Store == StorePostgres && c.DSN == "" {
		errs = append(errs, errors.New("FORGE_DSN: required for postgres"))
	}
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("FORGE_PARALLELISM: must be positive, got %d", c.Parallelism))
	}
	if c.DispatchQPS < 0 {
		errs = append(errs, fmt.Errorf("FORGE_DISPATCH_QPS: must not be negative, got %g", c.DispatchQPS))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FORGE_LOCK_TIMEOUT: must be positive, got %s", c.LockTimeout))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("FORGE_LOG_FORMAT: unsupported format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("FORGE_LOG_LEVEL: %w", err)
	}
	return l, nil
}

// TelemetryEnabled reports whether an OTLP endpoint is configured.
func (c *Config) TelemetryEnabled() bool {
	return c.OTLPEndpoint != ""
}
