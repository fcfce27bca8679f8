// Package circuitbreaker implements a per-service circuit breaker
// registry: an independent circuit per service name, backed by
// github.com/sony/gobreaker/v2 rather than a hand-rolled state machine.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"orderctl/pkg/apperror"
	"orderctl/pkg/logger"
)

// State mirrors gobreaker's three states under the package's own names.
type State int

const (
	StateClosed State = State(gobreaker.StateClosed)
	StateOpen   State = State(gobreaker.StateOpen)
	StateHalf   State = State(gobreaker.StateHalfOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalf:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the registry-wide thresholds for opening and closing a
// circuit.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // time spent Open before half-open is tried
}

// DefaultConfig returns sensible defaults: failure threshold 5, success
// threshold 3, cooldown 60s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: 60 * time.Second}
}

// Registry holds one circuit per service name, created lazily on first
// use and never destroyed.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry builds a registry with the given thresholds.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Registry{cfg: cfg, circuits: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (r *Registry) circuitFor(service string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.circuits[service]; ok {
		return cb
	}

	maxFailures := uint32(r.cfg.FailureThreshold)
	halfOpenMax := uint32(r.cfg.SuccessThreshold)
	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: halfOpenMax,
		Interval:    0,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Info("circuit state change", "service", name, "from", State(from).String(), "to", State(to).String())
		},
	}

	cb := gobreaker.NewCircuitBreaker[any](settings)
	r.circuits[service] = cb
	return cb
}

// State returns the current state of the named service's circuit,
// creating it (Closed) if it does not yet exist.
func (r *Registry) State(service string) State {
	return State(r.circuitFor(service).State())
}

// Execute runs operation guarded by the named service's circuit. On
// Open, the operation is never invoked and a typed CircuitOpen error is
// returned immediately instead.
func (r *Registry) Execute(service string, operation func() (any, error)) (any, error) {
	cb := r.circuitFor(service)
	result, err := cb.Execute(operation)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperror.New(apperror.CodeCircuitOpen, "circuit breaker is open for "+service).
				WithDetails(map[string]any{"service": service})
		}
		return nil, err
	}
	return result, nil
}
