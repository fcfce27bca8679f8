// Package discovery implements an in-memory service registry: a
// named-service -> healthy-endpoints map, seeded from configuration and
// kept fresh by a background prober.
package discovery

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"orderctl/pkg/logger"
)

// Endpoint is one URL registered under a logical service name.
type Endpoint struct {
	ServiceName string
	URL         string
	Healthy     bool
	LastCheck   time.Time
}

// Registry resolves a logical service name to one of its healthy
// endpoints, probing health in the background.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string][]*Endpoint
	client    *http.Client
	interval  time.Duration
	probeTO   time.Duration
}

// Options configures the prober.
type Options struct {
	ProbeInterval time.Duration // default 30s
	ProbeTimeout  time.Duration // default 5s
}

// DefaultOptions returns sensible probing defaults.
func DefaultOptions() Options {
	return Options{ProbeInterval: 30 * time.Second, ProbeTimeout: 5 * time.Second}
}

// New builds a registry seeded from cfg: logical service name -> one or
// more URLs.
func New(seed map[string][]string, opts Options) *Registry {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	r := &Registry{
		endpoints: make(map[string][]*Endpoint),
		client:    &http.Client{Timeout: opts.ProbeTimeout},
		interval:  opts.ProbeInterval,
		probeTO:   opts.ProbeTimeout,
	}
	for service, urls := range seed {
		for _, u := range urls {
			r.endpoints[service] = append(r.endpoints[service], &Endpoint{ServiceName: service, URL: u, Healthy: true})
		}
	}
	return r
}

// AddEndpoint registers url under service. Adding a duplicate URL is a
// no-op.
func (r *Registry) AddEndpoint(service, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range r.endpoints[service] {
		if ep.URL == url {
			return
		}
	}
	r.endpoints[service] = append(r.endpoints[service], &Endpoint{ServiceName: service, URL: url, Healthy: true})
}

// RemoveEndpoint drops url from service's endpoint set.
func (r *Registry) RemoveEndpoint(service, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.endpoints[service]
	for i, ep := range eps {
		if ep.URL == url {
			r.endpoints[service] = append(eps[:i], eps[i+1:]...)
			return
		}
	}
}

// Resolve picks uniformly at random among healthy endpoints for service.
// If none are healthy, it falls back to the first configured endpoint
// and reports degraded=true. Degraded mode is reported through that
// return value, not as an error, so the router can tag the response.
func (r *Registry) Resolve(service string) (url string, degraded bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eps := r.endpoints[service]
	if len(eps) == 0 {
		return "", false, false
	}

	var healthy []*Endpoint
	for _, ep := range eps {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) > 0 {
		return healthy[rand.Intn(len(healthy))].URL, false, true
	}
	return eps[0].URL, true, true
}

// StartProbing runs the background health prober until ctx is
// cancelled: every interval, GET <url>/health with a timeout, flip
// Healthy on status transitions and log them.
func (r *Registry) StartProbing(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	var all []*Endpoint
	for _, eps := range r.endpoints {
		all = append(all, eps...)
	}
	r.mu.RUnlock()

	for _, ep := range all {
		r.probeOne(ctx, ep)
	}
}

func (r *Registry) probeOne(ctx context.Context, ep *Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTO)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.URL+"/health", nil)
	healthy := false
	if err == nil {
		resp, doErr := r.client.Do(req)
		if doErr == nil {
			healthy = resp.StatusCode < 500
			resp.Body.Close()
		}
	}

	r.mu.Lock()
	was := ep.Healthy
	ep.Healthy = healthy
	ep.LastCheck = time.Now()
	r.mu.Unlock()

	if was != healthy {
		logger.Log.Info("endpoint health transition", "service", ep.ServiceName, "url", ep.URL, "healthy", healthy)
	}
}
