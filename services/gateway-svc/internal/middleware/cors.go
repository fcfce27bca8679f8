package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"orderctl/pkg/config"
)

// CORS applies the configured allow-list to every response, short
// circuiting OPTIONS preflight requests.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowedHeaders := prepareAllowedHeaders(cfg.AllowedHeaders)
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			allowedOrigin := ""
			for _, o := range cfg.AllowedOrigins {
				if o == "*" {
					allowed = true
					allowedOrigin = "*"
					break
				}
				if o == origin {
					allowed = true
					allowedOrigin = origin
					break
				}
			}

			if allowed && allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			}

			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// prepareAllowedHeaders expands a "*" wildcard into a concrete header
// list, since browsers won't send Authorization under a bare wildcard.
func prepareAllowedHeaders(headers []string) string {
	for _, h := range headers {
		if h == "*" {
			return strings.Join([]string{
				"Accept",
				"Content-Type",
				"Authorization",
				"Origin",
				"X-Requested-With",
				CorrelationIDHeader,
				"Idempotency-Key",
			}, ", ")
		}
	}

	hasAuth := false
	for _, h := range headers {
		if strings.EqualFold(h, "Authorization") {
			hasAuth = true
			break
		}
	}
	if !hasAuth {
		headers = append(headers, "Authorization")
	}
	return strings.Join(headers, ", ")
}
