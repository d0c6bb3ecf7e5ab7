// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/deadletter"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
)

// Config holds txgate configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Token verification.
	Issuer            string
	Audience          string
	JWKSURL           string
	JWKSFile          string
	KeyTTL            time.Duration
	KeyMaxStale       time.Duration
	KeyMinRefresh     time.Duration
	KeyFetchTimeout   time.Duration
	Leeway            time.Duration
	AdminRole         string
	IdempotencyBucket time.Duration

	// Backends.
	QueueBackend string
	QueueName    string
	RedisAddr    string
	StoreBackend string
	DatabaseURL  string
	SQLitePath   string
	KindsFile    string

	// Worker.
	Workers         int
	MaxReceiveCount int
	Visibility      time.Duration
	LeaseDuration   time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	SweepInterval   time.Duration
	StaleAfter      time.Duration
	StoreTimeout    time.Duration
	EffectTimeout   time.Duration

	// HTTP.
	RateLimit float64
	RateBurst int

	DeadLetter deadletter.Config

	OTelEnabled  bool
	OTLPEndpoint string
	OTelInsecure bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{
		Port:      e.str("PORT", "8080"),
		LogLevel:  e.str("LOG_LEVEL", "INFO"),
		LogFormat: e.str("LOG_FORMAT", "json"),

		Issuer:            e.str("TXGATE_ISSUER", ""),
		Audience:          e.str("TXGATE_AUDIENCE", ""),
		JWKSURL:           e.str("TXGATE_JWKS_URL", ""),
		JWKSFile:          e.str("TXGATE_JWKS_FILE", ""),
		KeyTTL:            e.duration("TXGATE_KEY_TTL", 10*time.Minute),
		KeyMaxStale:       e.duration("TXGATE_KEY_MAX_STALE", 0),
		KeyMinRefresh:     e.duration("TXGATE_KEY_MIN_REFRESH", 30*time.Second),
		KeyFetchTimeout:   e.duration("TXGATE_KEY_FETCH_TIMEOUT", 5*time.Second),
		Leeway:            e.duration("TXGATE_LEEWAY", 30*time.Second),
		AdminRole:         e.str("TXGATE_ADMIN_ROLE", "admin"),
		IdempotencyBucket: e.duration("TXGATE_IDEMPOTENCY_BUCKET", 5*time.Minute),

		QueueBackend: e.str("TXGATE_QUEUE", "memory"),
		QueueName:    e.str("TXGATE_QUEUE_NAME", "transactions"),
		RedisAddr:    e.str("REDIS_ADDR", "localhost:6379"),
		StoreBackend: e.str("TXGATE_STORE", "sqlite"),
		DatabaseURL:  e.str("DATABASE_URL", "postgres://txgate@localhost:5432/txgate?sslmode=disable"),
		SQLitePath:   e.str("TXGATE_SQLITE_PATH", "txgate.db"),
		KindsFile:    e.str("TXGATE_KINDS_FILE", ""),

		Workers:         e.integer("TXGATE_WORKERS", 4),
		MaxReceiveCount: e.integer("TXGATE_MAX_RECEIVE_COUNT", 5),
		Visibility:      e.duration("TXGATE_VISIBILITY", 30*time.Second),
		LeaseDuration:   e.duration("TXGATE_LEASE", 2*time.Minute),
		RetryBase:       e.duration("TXGATE_RETRY_BASE", time.Second),
		RetryMax:        e.duration("TXGATE_RETRY_MAX", 5*time.Minute),
		SweepInterval:   e.duration("TXGATE_SWEEP_INTERVAL", time.Minute),
		StaleAfter:      e.duration("TXGATE_STALE_AFTER", 10*time.Minute),
		StoreTimeout:    e.duration("TXGATE_STORE_TIMEOUT", 5*time.Second),
		EffectTimeout:   e.duration("TXGATE_EFFECT_TIMEOUT", 30*time.Second),

		RateLimit: e.number("TXGATE_RATE_LIMIT", 50),
		RateBurst: e.integer("TXGATE_RATE_BURST", 100),

		DeadLetter: deadletter.Config{
			Types: e.str("TXGATE_DEADLETTER_SINKS", "log"),
			Dir:   e.str("TXGATE_DEADLETTER_DIR", ""),
			S3: deadletter.S3Config{
				Bucket:   e.str("TXGATE_DEADLETTER_S3_BUCKET", ""),
				Region:   e.str("AWS_REGION", "us-east-1"),
				Endpoint: e.str("TXGATE_DEADLETTER_S3_ENDPOINT", ""),
				Prefix:   e.str("TXGATE_DEADLETTER_S3_PREFIX", "deadletter/"),
			},
			GCS: deadletter.GCSConfig{
				Bucket: e.str("TXGATE_DEADLETTER_GCS_BUCKET", ""),
				Prefix: e.str("TXGATE_DEADLETTER_GCS_PREFIX", "deadletter/"),
			},
		},

		OTelEnabled:  e.boolean("OTEL_ENABLED", false),
		OTLPEndpoint: e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure: e.boolean("OTEL_INSECURE", false),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateAuth checks the settings needed to verify tokens.
func (c *Config) ValidateAuth() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("TXGATE_ISSUER is required"))
	}
	if c.Audience == "" {
		errs = append(errs, errors.New("TXGATE_AUDIENCE is required"))
	}
	if c.JWKSURL == "" && c.JWKSFile == "" {
		errs = append(errs, errors.New("one of TXGATE_JWKS_URL or TXGATE_JWKS_FILE is required"))
	}
	return errors.Join(errs...)
}

// Observability returns the OpenTelemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Insecure = c.OTelInsecure
	return oc
}

// env collects parse errors so that every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}
