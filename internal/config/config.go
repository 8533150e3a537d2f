// Package config loads payhookd configuration from a YAML file and
// PAYHOOK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
	DriverRedis     = "redis"
)

// Config is the daemon configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Partition      PartitionConfig      `yaml:"partition"`
	Storage        StorageConfig        `yaml:"storage"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Email          EmailConfig          `yaml:"email"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Log            LogConfig            `yaml:"log"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	// RateLimit is requests per IP per RateLimitWindow; 0 disables it
	RateLimit         int           `yaml:"rate_limit"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	// TrustForwardedFor keys the rate limit on the proxy-appended
	// X-Forwarded-For hop; leave off unless a proxy fronts the listener
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
}

// StripeConfig holds gateway credentials.
type StripeConfig struct {
	APIKey string `yaml:"api_key"`
	// ProductionSecrets sign deliveries to the production endpoint
	ProductionSecrets []string `yaml:"production_secrets"`
	// RestrictedSecrets sign deliveries to the restricted (test) endpoint
	RestrictedSecrets []string      `yaml:"restricted_secrets"`
	Tolerance         time.Duration `yaml:"tolerance"`
}

// PartitionConfig lists identities served by the restricted endpoint.
type PartitionConfig struct {
	Allowlist []string `yaml:"allowlist"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Driver is memory or postgres
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// LedgerDriver is empty (same as Driver) or firestore
	LedgerDriver        string `yaml:"ledger_driver"`
	FirestoreProject    string `yaml:"firestore_project"`
	FirestoreCollection string `yaml:"firestore_collection"`

	// AuditToPrimary mirrors ledger transitions into the primary store when
	// the ledger lives elsewhere
	AuditToPrimary bool `yaml:"audit_to_primary"`

	// CacheDriver is memory or redis
	CacheDriver   string `yaml:"cache_driver"`
	CacheCapacity int    `yaml:"cache_capacity"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// LedgerConfig tunes the idempotency ledger.
type LedgerConfig struct {
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// EmailConfig configures the confirmation email service. Empty BaseURL disables email.
type EmailConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
}

// KafkaConfig configures order event publication. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TelemetryConfig configures tracing. Empty OTLPEndpoint disables export.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is json or console
	Format string `yaml:"format"`
}

// CircuitBreakerConfig guards the durable ledger store.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    256 * 1024,
			RateLimit:       100,
			RateLimitWindow: time.Minute,
		},
		Stripe: StripeConfig{
			Tolerance: payhook.DefaultSignatureTolerance,
		},
		Storage: StorageConfig{
			Driver:              DriverMemory,
			FirestoreCollection: "webhook_ledger",
			CacheDriver:         DriverMemory,
			CacheCapacity:       payhook.DefaultLedgerCacheCapacity,
			RedisPrefix:         "{payhook:ledger}:",
		},
		Ledger: LedgerConfig{
			ReservationTTL: payhook.DefaultReservationTTL,
		},
		Kafka: KafkaConfig{
			Topic: "order.state.changed",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "payhookd",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PAYHOOK_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PAYHOOK_SERVER_ADDR", &c.Server.Addr)
	num("PAYHOOK_SERVER_RATE_LIMIT", &c.Server.RateLimit)
	str("PAYHOOK_STRIPE_API_KEY", &c.Stripe.APIKey)
	list("PAYHOOK_STRIPE_PRODUCTION_SECRETS", &c.Stripe.ProductionSecrets)
	list("PAYHOOK_STRIPE_RESTRICTED_SECRETS", &c.Stripe.RestrictedSecrets)
	dur("PAYHOOK_STRIPE_TOLERANCE", &c.Stripe.Tolerance)
	list("PAYHOOK_PARTITION_ALLOWLIST", &c.Partition.Allowlist)
	str("PAYHOOK_STORAGE_DRIVER", &c.Storage.Driver)
	str("PAYHOOK_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("PAYHOOK_LEDGER_DRIVER", &c.Storage.LedgerDriver)
	str("PAYHOOK_FIRESTORE_PROJECT", &c.Storage.FirestoreProject)
	str("PAYHOOK_CACHE_DRIVER", &c.Storage.CacheDriver)
	num("PAYHOOK_CACHE_CAPACITY", &c.Storage.CacheCapacity)
	str("PAYHOOK_REDIS_ADDR", &c.Storage.RedisAddr)
	dur("PAYHOOK_RESERVATION_TTL", &c.Ledger.ReservationTTL)
	str("PAYHOOK_EMAIL_BASE_URL", &c.Email.BaseURL)
	str("PAYHOOK_EMAIL_API_KEY", &c.Email.APIKey)
	str("PAYHOOK_EMAIL_FROM", &c.Email.From)
	list("PAYHOOK_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("PAYHOOK_KAFKA_TOPIC", &c.Kafka.Topic)
	str("PAYHOOK_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("PAYHOOK_LOG_LEVEL", &c.Log.Level)
	str("PAYHOOK_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if len(c.Stripe.ProductionSecrets) == 0 {
		errs = append(errs, errors.New("stripe.production_secrets: at least one secret is required"))
	}
	if c.Stripe.Tolerance <= 0 {
		errs = append(errs, errors.New("stripe.tolerance must be positive"))
	}
	if c.Ledger.ReservationTTL <= c.Stripe.Tolerance {
		errs = append(errs, fmt.Errorf("ledger.reservation_ttl (%s) must exceed stripe.tolerance (%s)",
			c.Ledger.ReservationTTL, c.Stripe.Tolerance))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch c.Storage.LedgerDriver {
	case "":
	case DriverFirestore:
		if c.Storage.FirestoreProject == "" {
			errs = append(errs, errors.New("storage.firestore_project is required for the firestore ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.ledger_driver: unknown driver %q", c.Storage.LedgerDriver))
	}

	switch c.Storage.CacheDriver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.cache_driver: unknown driver %q", c.Storage.CacheDriver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
