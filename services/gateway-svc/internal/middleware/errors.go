package middleware

import (
	"encoding/json"
	"net/http"

	"orderctl/pkg/apperror"
)

// WriteError renders err as the standard error envelope, tagged with
// the request's correlation id and the gateway component name.
func WriteError(w http.ResponseWriter, r *http.Request, err error, gateway string) {
	env := apperror.NewEnvelope(err, r.URL.Path, r.Method, GetCorrelationID(r.Context()), gateway)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
