package apperror

import (
	"errors"
	"time"
)

// RetryInfo is the nested "retry" object of the error envelope.
type RetryInfo struct {
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// Envelope is the outbound non-2xx error shape every service returns.
type Envelope struct {
	StatusCode    int            `json:"statusCode"`
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Path          string         `json:"path"`
	Method        string         `json:"method"`
	CorrelationID string         `json:"correlationId"`
	Gateway       string         `json:"gateway"`
	Retry         RetryInfo      `json:"retry"`
}

// NewEnvelope builds the error envelope for err, as seen on the wire by
// gateway clients. gateway names the component that produced the
// response (e.g. "rrr", "osc").
func NewEnvelope(err error, path, method, correlationID, gateway string) Envelope {
	var appErr *Error
	code := CodeInternal
	msg := "internal error"
	var details map[string]any
	if errors.As(err, &appErr) {
		code = appErr.Code
		msg = appErr.Message
		details = appErr.Details
	} else if err != nil {
		msg = err.Error()
	}

	e := &Error{Code: code}
	return Envelope{
		StatusCode:    e.HTTPStatus(),
		Error:         string(code),
		Message:       msg,
		Details:       details,
		Timestamp:     time.Now().UTC(),
		Path:          path,
		Method:        method,
		CorrelationID: correlationID,
		Gateway:       gateway,
		Retry: RetryInfo{
			Retryable:         e.Retryable(),
			RetryAfterSeconds: e.RetryAfterSeconds(),
		},
	}
}
