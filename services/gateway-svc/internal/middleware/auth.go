package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"orderctl/pkg/apperror"
	"orderctl/pkg/config"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
)

// publicPaths never require a bearer token: health/readiness probes and
// the metrics scrape endpoint.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
	"/health/live":  true,
	"/metrics":      true,
}

// Auth validates a bearer JWT on every request outside publicPaths,
// rejecting with the apperror.CodeAuth envelope on failure and stashing
// the token's subject claim on the request context otherwise.
func Auth(cfg config.AuthConfig, gateway string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				writeAuthError(w, r, gateway, apperror.New(apperror.CodeAuth, "missing bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				return []byte(cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(cfg.Issuer))
			if err != nil || !parsed.Valid {
				logger.Log.Warn("auth: token validation failed", "error", err)
				writeAuthError(w, r, gateway, apperror.New(apperror.CodeAuth, "invalid or expired token"))
				return
			}

			sub, _ := claims.GetSubject()
			if sub == "" {
				writeAuthError(w, r, gateway, apperror.New(apperror.CodeAuth, "token missing subject claim"))
				return
			}

			ctx := WithUserID(r.Context(), sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

func writeAuthError(w http.ResponseWriter, r *http.Request, gateway string, err *apperror.Error) {
	metrics.Get().RecordRouteRequest("auth", r.Method, "401", 0)
	WriteError(w, r, err, gateway)
}
