// Package router implements the gateway's proxy engine: cache lookup,
// service discovery, circuit-breaker guarded dispatch and bounded retry
// around a single outbound call.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"orderctl/pkg/apperror"
	"orderctl/pkg/cache"
	"orderctl/pkg/circuitbreaker"
	"orderctl/pkg/config"
	"orderctl/pkg/discovery"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/telemetry"
)

// headersToStrip are never forwarded upstream nor logged: authorization,
// cookies and API keys stop at the gateway.
var headersToStrip = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Api-Key":       true,
	"X-Api-Key":     true,
}

// Engine proxies inbound requests to a named backend service.
type Engine struct {
	disc    *discovery.Registry
	breaker *circuitbreaker.Registry
	cache   cache.Cache
	cfg     config.RouterConfig
	client  *http.Client
}

func New(disc *discovery.Registry, breaker *circuitbreaker.Registry, c cache.Cache, cfg config.RouterConfig) *Engine {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		disc:    disc,
		breaker: breaker,
		cache:   c,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
	}
}

// result is a proxied response ready to be written to the client.
type result struct {
	status    int
	headers   http.Header
	body      []byte
	fromCache bool
}

// Handler returns an http.HandlerFunc that proxies every request it
// receives to service, with the inbound path forwarded unchanged and an
// optional response-cache TTL applied to read-only requests.
func (e *Engine) Handler(service string, cacheTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), "router.Proxy")
		defer span.End()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, service, apperror.New(apperror.CodeValidation, "failed to read request body"))
			return
		}

		start := time.Now()
		res, err := e.proxy(ctx, service, r.Method, r.URL.Path, body, r.Header, cacheTTL, 0)
		duration := time.Since(start)

		status := "error"
		statusCode := apperror.HTTPStatus(err)
		if err == nil {
			statusCode = res.status
			status = statusText(statusCode)
		}
		metrics.Get().RecordRouteRequest(service, r.Method, status, duration)
		telemetry.SetAttributes(ctx, telemetry.RouteAttributes(service, r.Method, r.URL.Path, statusCode, err == nil && res != nil && res.fromCache)...)

		slaThreshold := time.Duration(e.cfg.SLAThresholdMs) * time.Millisecond
		if slaThreshold > 0 && duration > slaThreshold {
			logger.Log.Warn("router: SLA threshold exceeded",
				"service", service, "path", r.URL.Path, "duration_ms", duration.Milliseconds())
		}

		if err != nil {
			writeError(w, r, service, err)
			return
		}

		for k, vals := range res.headers {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		if res.fromCache {
			w.Header().Set("X-From-Cache", "true")
		}
		w.WriteHeader(res.status)
		_, _ = w.Write(res.body)
	}
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// proxy resolves, dispatches and (on a retryable failure) recurses on
// retryCount up to the configured retry budget.
func (e *Engine) proxy(ctx context.Context, service, method, path string, body []byte, inbound http.Header, cacheTTL time.Duration, retryCount int) (*result, error) {
	readOnly := method == http.MethodGet || method == http.MethodHead
	var cacheKey string
	if readOnly && cacheTTL > 0 && e.cache != nil {
		cacheKey = cache.Fingerprint(method, service, path, body)
		if cached, err := e.cache.Get(ctx, cacheKey); err == nil {
			metrics.Get().RecordCacheLookup(service, true)
			return &result{status: http.StatusOK, headers: http.Header{}, body: cached, fromCache: true}, nil
		}
		metrics.Get().RecordCacheLookup(service, false)
	}

	url, degraded, ok := e.disc.Resolve(service)
	if !ok {
		return nil, apperror.New(apperror.CodeNetwork, "no endpoint registered for service").
			WithDetails(map[string]any{"service": service})
	}

	out, err := e.breaker.Execute(service, func() (any, error) {
		return e.dispatch(ctx, method, url+path, body, inbound, degraded)
	})

	if err != nil {
		if classified, retryable := classify(err); retryCount < e.cfg.MaxRetries && retryable {
			backoff := time.Duration(math.Pow(2, float64(retryCount))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, apperror.New(apperror.CodeTimeout, "context cancelled during retry backoff")
			}
			return e.proxy(ctx, service, method, path, body, inbound, cacheTTL, retryCount+1)
		}
		return nil, classified
	}

	res := out.(*result)

	if readOnly && cacheTTL > 0 && e.cache != nil && res.status == http.StatusOK {
		if err := e.cache.Set(ctx, cacheKey, res.body, cacheTTL); err != nil {
			logger.Log.Warn("router: failed to populate response cache", "service", service, "error", err)
		}
	}

	return res, nil
}

// dispatch issues exactly one outbound call. HTTP status below 500 is
// circuit-breaker success: validation and auth errors pass straight
// through to the caller rather than tripping the breaker.
func (e *Engine) dispatch(ctx context.Context, method, url string, body []byte, inbound http.Header, degraded bool) (*result, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to build outbound request")
	}

	for k, vals := range inbound {
		if headersToStrip[k] {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", "orderctl-rrr/1.0")
	req.Header.Set("X-Forwarded-By", "orderctl-rrr")
	if degraded {
		req.Header.Set("X-Degraded-Mode", "true")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperror.New(apperror.CodeTimeout, "upstream call timed out")
		}
		return nil, apperror.New(apperror.CodeNetwork, "upstream call failed: "+err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeNetwork, "failed to read upstream response")
	}

	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return nil, apperror.New(apperror.CodeUpstream5xx, "upstream returned server error").
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	return &result{status: resp.StatusCode, headers: resp.Header.Clone(), body: data}, nil
}

// classify maps a dispatch failure into the apperror taxonomy used for
// both the circuit breaker's failure signal and the client-facing
// envelope, and reports whether the caller should retry: network
// errors, timeouts and 5xx except 501 are retryable.
func classify(err error) (*apperror.Error, bool) {
	code := apperror.Code(err)
	switch code {
	case apperror.CodeTimeout, apperror.CodeNetwork, apperror.CodeUpstream5xx:
		appErr := apperror.New(code, err.Error())
		return appErr, true
	case apperror.CodeCircuitOpen:
		return apperror.New(code, "circuit breaker open for service"), false
	default:
		if ae, ok := err.(*apperror.Error); ok {
			return ae, false
		}
		return apperror.Wrap(err, apperror.CodeInternal, "unclassified router error"), false
	}
}

func writeError(w http.ResponseWriter, r *http.Request, gateway string, err error) {
	correlationID := r.Header.Get("X-Correlation-ID")
	env := apperror.NewEnvelope(err, r.URL.Path, r.Method, correlationID, gateway)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
