package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"orderctl/pkg/logger"
	"orderctl/pkg/ratelimit"
)

// KeyExtractor derives the rate-limit bucket key for a request: the
// authenticated principal when known, the caller's address otherwise.
func KeyExtractor(r *http.Request) string {
	if uid := GetUserID(r.Context()); uid != "" {
		return "user:" + uid
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + xff
	}
	return "ip:" + r.RemoteAddr
}

// RateLimit rejects requests past the configured limiter's bucket,
// advertising the remaining budget and reset time in response headers,
// and fails open on limiter errors so a rate-limit backend outage never
// blocks traffic by itself.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyExtractor(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Log.Warn("rate limit check failed, failing open", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				info, infoErr := limiter.GetInfo(r.Context(), key)
				if infoErr == nil && info != nil {
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
					w.Header().Set("X-RateLimit-Remaining", "0")
					w.Header().Set("X-RateLimit-Reset", info.ResetAt.Format(time.RFC3339))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"message": "rate limit exceeded",
					"key":     key,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
