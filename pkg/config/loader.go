// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "ORDERCTL_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from defaults, an optional YAML file and
// environment variables, in that order of increasing precedence.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader builds a loader with orderctl's default search paths and
// env prefix, customizable via options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/orderctl/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads configuration with precedence: defaults (lowest), config
// file, environment variables (highest).
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// A config file is optional; log and continue on defaults+env.
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "orderctl",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP
		"http.port":                   8080,
		"http.read_timeout":           30 * time.Second,
		"http.write_timeout":          30 * time.Second,
		"http.shutdown_timeout":       10 * time.Second,
		"http.cors.enabled":           true,
		"http.cors.allowed_origins":   []string{"*"},
		"http.cors.allowed_methods":   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		"http.cors.allowed_headers":   []string{"*"},
		"http.cors.allow_credentials": false,
		"http.cors.max_age":           86400,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "orderctl",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "orderctl",
		"tracing.sample_rate":  0.1,

		// Discovery
		"discovery.probe_interval": 30 * time.Second,
		"discovery.probe_timeout":  5 * time.Second,

		// Router
		"router.default_timeout":  10 * time.Second,
		"router.max_retries":      2,
		"router.retry_backoff":    200 * time.Millisecond,
		"router.sla_threshold_ms": int64(2000),

		// Circuit breaker
		"circuit.failure_threshold": 5,
		"circuit.success_threshold": 3,
		"circuit.cooldown":          60 * time.Second,

		// Database
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "orderctl",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.auto_migrate":       true,

		// Cache
		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 5 * time.Minute,
		"cache.max_entries": 1000,

		// Rate limit
		"rate_limit.enabled":          true,
		"rate_limit.requests":         100,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       10,
		"rate_limit.cleanup_interval": 5 * time.Minute,

		// Audit
		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.buffer_size":  1000,
		"audit.flush_period": 5 * time.Second,

		// Retry (bus publish / proxy retry helper)
		"retry.max_attempts":       3,
		"retry.initial_backoff":    100 * time.Millisecond,
		"retry.max_backoff":        10 * time.Second,
		"retry.backoff_multiplier": 2.0,

		// Saga
		"saga.default_step_timeout": 5 * time.Second,
		"saga.max_step_retries":     3,

		// Outbox relay
		"outbox.poll_interval":        5 * time.Second,
		"outbox.batch_size":           100,
		"outbox.max_retries":          5,
		"outbox.concurrency":          10,
		"outbox.stale_threshold":      5 * time.Minute,
		"outbox.retry_sweep_interval": time.Minute,
		"outbox.cleanup_interval":     time.Hour,
		"outbox.cleanup_age":          24 * time.Hour,

		// Bus
		"bus.brokers":       []string{"localhost:9092"},
		"bus.default_topic": "default-events",
		"bus.dlq_topic":     "orders.dlq",
		"bus.write_timeout": 10 * time.Second,
		"bus.required_acks": 1,

		// Auth
		"auth.enabled": false,
		"auth.issuer":  "orderctl",
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// ORDERCTL_HTTP_PORT -> http.port. Every underscore becomes a dot,
		// so a key whose own name contains an underscore (router.max_retries)
		// cannot be set from the environment.
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function using default search paths and prefix.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults loads configuration, then overrides the
// app name and HTTP port with service-specific defaults when they were
// left at their global defaults.
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Port == 8080 && defaultPort != 0 {
		cfg.HTTP.Port = defaultPort
	}

	if cfg.App.Name == "orderctl" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
