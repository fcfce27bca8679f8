package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"orderctl/pkg/config"
)

func signToken(t *testing.T, secret, issuer, subject string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": issuer,
		"exp": exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthAllowsValidToken(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "orderctl"}
	var seenUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "orderctl", "cust-1", false))
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cust-1", seenUser)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "orderctl"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "orderctl"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "orderctl", "cust-1", true))
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "orderctl"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", "orderctl", "cust-1", false))
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthSkipsPublicPaths(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "orderctl"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	cfg := config.AuthConfig{Enabled: false}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()

	Auth(cfg, "gateway")(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractBearerTokenRequiresPrefix(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc123")

	require.Empty(t, extractBearerToken(req))
}
