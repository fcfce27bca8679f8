package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter is satisfied by both backends (memory, redis); the gateway's
// rate-limit middleware depends only on this interface.
type Limiter interface {
	// Allow reports whether a single request against key is permitted.
	Allow(ctx context.Context, key string) (bool, error)

	// AllowN reports whether n requests against key are permitted at once.
	AllowN(ctx context.Context, key string, n int) (bool, error)

	// Wait blocks until a request against key would be permitted.
	Wait(ctx context.Context, key string) error

	// Reset clears any accumulated usage for key.
	Reset(ctx context.Context, key string) error

	// GetInfo reports key's current quota usage.
	GetInfo(ctx context.Context, key string) (*LimitInfo, error)

	Close() error
}

// LimitInfo reports a key's current standing against its quota.
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config is the gateway's rate-limit policy: how many requests per
// window, which algorithm enforces it, and which backend tracks state.
type Config struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`

	// Strategy is sliding_window or token_bucket; any other value,
	// fixed_window included, is enforced as sliding_window.
	Strategy string `koanf:"strategy"`

	// KeyFunc holds a bucket-key name (ip, user, method); no limiter or
	// middleware in this module reads it.
	KeyFunc string `koanf:"key_func"`

	// Backend is memory or redis.
	Backend string `koanf:"backend"`

	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// DefaultConfig is a conservative per-client budget for the gateway's
// inbound surface: 100 requests/minute, in-memory sliding window.
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Strategy:        "sliding_window",
		KeyFunc:         "ip",
		Backend:         "memory",
		BurstSize:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// New builds a Limiter from cfg's Backend, falling back to the
// in-memory implementation if Redis was not requested.
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisLimiter(cfg)
	case "memory", "":
		return NewMemoryLimiter(cfg), nil
	default:
		return NewMemoryLimiter(cfg), nil
	}
}

// KeyExtractor derives a rate-limit bucket key from a request's method
// name and metadata.
type KeyExtractor func(ctx context.Context, method string, metadata map[string]string) string

// DefaultKeyExtractor keys on the caller's address.
func DefaultKeyExtractor(_ context.Context, _ string, metadata map[string]string) string {
	if ip, ok := metadata["x-forwarded-for"]; ok && ip != "" {
		return ip
	}
	if ip, ok := metadata["x-real-ip"]; ok && ip != "" {
		return ip
	}
	if peer, ok := metadata[":authority"]; ok {
		return peer
	}
	return "unknown"
}

// MethodKeyExtractor keys on the request method/route, so every route
// gets its own independent budget.
func MethodKeyExtractor(_ context.Context, method string, _ map[string]string) string {
	return method
}

// UserKeyExtractor keys on the authenticated principal, falling back to
// DefaultKeyExtractor for unauthenticated requests.
func UserKeyExtractor(ctx context.Context, method string, metadata map[string]string) string {
	if userID, ok := metadata["x-user-id"]; ok && userID != "" {
		return userID
	}
	return DefaultKeyExtractor(ctx, method, metadata)
}

// CompositeKeyExtractor concatenates the keys produced by extractors,
// for policies that need to bucket on more than one dimension at once.
func CompositeKeyExtractor(extractors ...KeyExtractor) KeyExtractor {
	return func(ctx context.Context, method string, metadata map[string]string) string {
		var key string
		for _, ext := range extractors {
			key += ext(ctx, method, metadata) + ":"
		}
		return key
	}
}

// RateLimitedMethods holds a per-route override of the default policy,
// so a hot route (order creation) can carry a tighter budget than the
// gateway's default.
type RateLimitedMethods struct {
	mu            sync.RWMutex
	methods       map[string]*Config
	defaultConfig *Config
}

func NewRateLimitedMethods(defaultCfg *Config) *RateLimitedMethods {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig()
	}
	return &RateLimitedMethods{
		methods:       make(map[string]*Config),
		defaultConfig: defaultCfg,
	}
}

// Set installs an override policy for method.
func (r *RateLimitedMethods) Set(method string, cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = cfg
}

// Get returns method's override policy, or the default if none was set.
func (r *RateLimitedMethods) Get(method string) *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.methods[method]; ok {
		return cfg
	}
	return r.defaultConfig
}
