// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure, shared by all three
// services (gateway, orchestrator, outbox relay) with each reading the
// sections relevant to it.
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Router    RouterConfig    `koanf:"router"`
	Circuit   CircuitConfig   `koanf:"circuit"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	Retry     RetryConfig     `koanf:"retry"`
	Saga      SagaConfig      `koanf:"saga"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	Bus       BusConfig       `koanf:"bus"`
	Auth      AuthConfig      `koanf:"auth"`
}

// AppConfig holds settings common to every process.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the public HTTP listener (router or order API).
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig configures the allow-list applied by the router's CORS
// middleware.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures structured, rotating logging.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DiscoveryConfig seeds the service discovery registry and configures
// its background health prober.
type DiscoveryConfig struct {
	ProbeInterval time.Duration               `koanf:"probe_interval"`
	ProbeTimeout  time.Duration               `koanf:"probe_timeout"`
	Services      map[string][]string         `koanf:"services"` // logical name -> endpoint URLs
}

// RouterConfig configures the router's proxy engine: default upstream
// timeout, retry budget and the SLA-violation logging threshold.
type RouterConfig struct {
	DefaultTimeout   time.Duration `koanf:"default_timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"`
	SLAThresholdMs   int64         `koanf:"sla_threshold_ms"`
}

// CircuitConfig configures the per-service circuit breaker registry.
type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

// DatabaseConfig configures the Postgres connection pool (pgx/v5)
// backing orders, sagas and the outbox.
type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the libpq connection string for this configuration.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// CacheConfig configures the router's response cache: an in-memory or
// Redis-backed Cache keyed by request fingerprint.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// Address returns host:port for the configured cache backend.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the router's per-principal rate limiter.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the saga-quarantine visibility log.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// RetryConfig configures the bus client's exponential-backoff-with-jitter
// publish retry. The proxy engine does not read it; its retries come from
// RouterConfig.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// SagaConfig configures the order saga coordinator.
type SagaConfig struct {
	DefaultStepTimeout time.Duration `koanf:"default_step_timeout"`
	MaxStepRetries     int           `koanf:"max_step_retries"`
}

// OutboxConfig configures the outbox relay's poll/dispatch/retry/
// cleanup loops.
type OutboxConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	BatchSize       int           `koanf:"batch_size"`
	MaxRetries      int           `koanf:"max_retries"`
	Concurrency     int           `koanf:"concurrency"`
	StaleThreshold  time.Duration `koanf:"stale_threshold"`
	RetrySweep      time.Duration `koanf:"retry_sweep_interval"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	CleanupAge      time.Duration `koanf:"cleanup_age"`
}

// BusConfig configures the message bus publisher (kafka-go).
type BusConfig struct {
	Brokers       []string      `koanf:"brokers"`
	DefaultTopic  string        `koanf:"default_topic"`
	DLQTopic      string        `koanf:"dlq_topic"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
	RequiredAcks  int           `koanf:"required_acks"`
}

// AuthConfig configures JWT bearer-token validation at the router's
// auth middleware.
type AuthConfig struct {
	Enabled   bool   `koanf:"enabled"`
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Outbox.BatchSize < 0 {
		errs = append(errs, "outbox.batch_size must be non-negative")
	}

	if c.Circuit.FailureThreshold < 0 {
		errs = append(errs, "circuit.failure_threshold must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the app is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
