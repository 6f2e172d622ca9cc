// Package config loads and validates the pricing engine's runtime
// configuration from YAML, the way gateway/config does in the teacher
// service: defaults applied before validation, a single immutable struct
// handed out to every component at construction time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, process-wide configuration object. Hot-reloadable
// fields are not modeled here; per spec.md §9 "Design Notes" they would live
// in a separate observable store, which is out of this spec's core scope.
type Config struct {
	Environment string `yaml:"environment"`

	Formula   FormulaConfig   `yaml:"formula"`
	Cache     CacheConfig     `yaml:"cache"`
	Adapters  AdaptersConfig  `yaml:"adapters"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Audit     AuditConfig     `yaml:"audit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// FormulaConfig exposes spec.md §6.3's v_factor/e_factor/global_min_rate.
type FormulaConfig struct {
	VFactor        float64 `yaml:"vFactor"`
	EFactor        float64 `yaml:"eFactor"`
	GlobalMinRate  float64 `yaml:"globalMinRate"`
	DaysPerYear    int     `yaml:"daysPerYear"`
	EnableFallback bool    `yaml:"enableFallback"`
}

// CacheConfig exposes the per-kind TTLs and L1 sizing of spec.md §4.3.
type CacheConfig struct {
	L1MaxEntries         int           `yaml:"l1MaxEntries"`
	L1MaxTTL             time.Duration `yaml:"l1MaxTTL"`
	TTLBorrowRate        time.Duration `yaml:"ttlBorrowRate"`
	TTLVolatility        time.Duration `yaml:"ttlVolatility"`
	TTLEventRisk         time.Duration `yaml:"ttlEventRisk"`
	TTLBrokerConfig      time.Duration `yaml:"ttlBrokerConfig"`
	TTLCalculation       time.Duration `yaml:"ttlCalculation"`
	TTLMinRate           time.Duration `yaml:"ttlMinRate"`
	InvalidationChannel  string        `yaml:"invalidationChannel"`
	StaleGraceMultiplier float64       `yaml:"staleGraceMultiplier"`
}

// AdaptersConfig exposes spec.md §4.2's retry/breaker knobs, shared across
// the three upstream adapters (each adapter gets its own breaker instance).
type AdaptersConfig struct {
	BorrowRateURL string `yaml:"borrowRateURL"`
	VolatilityURL string `yaml:"volatilityURL"`
	EventRiskURL  string `yaml:"eventRiskURL"`

	RetryAttempts int           `yaml:"retryAttempts"`
	BaseBackoff   time.Duration `yaml:"baseBackoff"`

	BreakerFailureThreshold uint32        `yaml:"breakerFailureThreshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breakerRecoveryTimeout"`
	BreakerSuccessThreshold uint32        `yaml:"breakerSuccessThreshold"`
}

// RateLimitConfig exposes spec.md §6.3's per-tier token bucket defaults.
type RateLimitConfig struct {
	DefaultCapacity       float64 `yaml:"defaultCapacity"`
	DefaultRefillPerSec   float64 `yaml:"defaultRefillPerSecond"`
	DefaultBurstAllowance float64 `yaml:"defaultBurstAllowance"`
}

// TimeoutsConfig exposes spec.md §5's per-boundary deadlines.
type TimeoutsConfig struct {
	Request   time.Duration `yaml:"request"`
	Upstream  time.Duration `yaml:"upstream"`
	Cache     time.Duration `yaml:"cache"`
	RateLimit time.Duration `yaml:"rateLimit"`
	Audit     time.Duration `yaml:"audit"`
}

// RedisConfig configures the shared L2 cache / rate-limiter store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the C8 persistence model connection.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
}

// AuditConfig selects and configures the C7 audit sink backend.
type AuditConfig struct {
	Backend   string `yaml:"backend"` // "postgres" or "bbolt"
	BoltPath  string `yaml:"boltPath"`
	Partition string `yaml:"partition"`
}

// HTTPConfig configures the thin, out-of-scope HTTP transport.
type HTTPConfig struct {
	ListenAddress string        `yaml:"listen"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
}

// TelemetryConfig configures logging/metrics/tracing.
type TelemetryConfig struct {
	ServiceName    string `yaml:"serviceName"`
	LogFilePath    string `yaml:"logFilePath"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	TracingEnabled bool   `yaml:"tracingEnabled"`
	OTLPEndpoint   string `yaml:"otlpEndpoint"`
	OTLPInsecure   bool   `yaml:"otlpInsecure"`
}

// Load reads the YAML configuration at path, applies defaults, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		cfg.normalize()
		if err := cfg.validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Environment: "dev",
		Formula: FormulaConfig{
			VFactor:        0.01,
			EFactor:        0.05,
			GlobalMinRate:  0.01,
			DaysPerYear:    360,
			EnableFallback: true,
		},
		Cache: CacheConfig{
			L1MaxEntries:         1000,
			L1MaxTTL:             60 * time.Second,
			TTLBorrowRate:        300 * time.Second,
			TTLVolatility:        900 * time.Second,
			TTLEventRisk:         3600 * time.Second,
			TTLBrokerConfig:      1800 * time.Second,
			TTLCalculation:       60 * time.Second,
			TTLMinRate:           86400 * time.Second,
			InvalidationChannel:  "cache:invalidate",
			StaleGraceMultiplier: 2,
		},
		Adapters: AdaptersConfig{
			RetryAttempts:           3,
			BaseBackoff:             100 * time.Millisecond,
			BreakerFailureThreshold: 3,
			BreakerRecoveryTimeout:  30 * time.Second,
			BreakerSuccessThreshold: 2,
		},
		RateLimit: RateLimitConfig{
			DefaultCapacity:       60,
			DefaultRefillPerSec:   1,
			DefaultBurstAllowance: 0,
		},
		Timeouts: TimeoutsConfig{
			Request:   5 * time.Second,
			Upstream:  5 * time.Second,
			Cache:     200 * time.Millisecond,
			RateLimit: 50 * time.Millisecond,
			Audit:     1 * time.Second,
		},
		Redis: RedisConfig{Address: "localhost:6379"},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AcquireTimeout:  2 * time.Second,
		},
		Audit: AuditConfig{
			Backend:  "postgres",
			BoltPath: "locatepricing-audit.db",
		},
		HTTP: HTTPConfig{
			ListenAddress: ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "locatepricingd",
			MetricsEnabled: true,
			TracingEnabled: true,
			OTLPEndpoint:   "localhost:4318",
			OTLPInsecure:   true,
		},
	}
}

func (c *Config) normalize() {
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = "dev"
	}
	c.Audit.Backend = strings.ToLower(strings.TrimSpace(c.Audit.Backend))
	if c.Audit.Partition == "" {
		c.Audit.Partition = c.Environment
	}
}

func (c *Config) validate() error {
	if c.Formula.DaysPerYear != 360 && c.Formula.DaysPerYear != 365 {
		return fmt.Errorf("formula.daysPerYear must be 360 or 365, got %d", c.Formula.DaysPerYear)
	}
	if c.Formula.GlobalMinRate < 0 {
		return fmt.Errorf("formula.globalMinRate must be non-negative")
	}
	if c.Cache.L1MaxTTL > 60*time.Second {
		return fmt.Errorf("cache.l1MaxTTL must be <= 60s (spec.md §4.3)")
	}
	if c.Cache.StaleGraceMultiplier < 1 {
		return fmt.Errorf("cache.staleGraceMultiplier must be >= 1")
	}
	switch c.Audit.Backend {
	case "postgres", "bbolt":
	default:
		return fmt.Errorf("audit.backend must be postgres or bbolt, got %q", c.Audit.Backend)
	}
	if c.RateLimit.DefaultCapacity <= 0 || c.RateLimit.DefaultRefillPerSec <= 0 {
		return fmt.Errorf("rateLimit defaults must be positive")
	}
	return nil
}
