package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(CodeConflict, "order not pending")
	assert.Equal(t, "[CONFLICT] order not pending", err.Error())
	assert.Equal(t, SeverityError, err.Severity)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeValidation:  http.StatusBadRequest,
		CodeAuth:        http.StatusUnauthorized,
		CodeNotFound:    http.StatusNotFound,
		CodeConflict:    http.StatusConflict,
		CodeTimeout:     http.StatusGatewayTimeout,
		CodeUpstream5xx: http.StatusBadGateway,
		CodeCircuitOpen: http.StatusServiceUnavailable,
		CodeNetwork:     http.StatusServiceUnavailable,
		CodeInternal:    http.StatusInternalServerError,
	}
	for code, want := range cases {
		e := New(code, "x")
		assert.Equal(t, want, e.HTTPStatus(), "code %s", code)
	}
}

func TestRetryableAndRetryAfter(t *testing.T) {
	assert.True(t, New(CodeCircuitOpen, "x").Retryable())
	assert.Equal(t, 60, New(CodeCircuitOpen, "x").RetryAfterSeconds())
	assert.False(t, New(CodeValidation, "x").Retryable())
	assert.Equal(t, 0, New(CodeValidation, "x").RetryAfterSeconds())
}

func TestWrapUnwrapIsCode(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause, CodeInternal, "failed to persist")
	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, Is(wrapped, CodeInternal))
	assert.Equal(t, CodeInternal, Code(wrapped))
	assert.Equal(t, CodeInternal, Code(cause))
}

func TestValidationErrorsAggregation(t *testing.T) {
	v := NewValidationErrors()
	assert.True(t, v.IsValid())
	v.AddError(CodeValidation, "itemId is required")
	v.AddErrorWithField(CodeValidation, "quantity must be positive", "quantity")
	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors, 2)
	assert.Len(t, v.ErrorMessages(), 2)
}

func TestNewEnvelope(t *testing.T) {
	err := New(CodeCircuitOpen, "optimization-service circuit is open")
	env := NewEnvelope(err, "/api/v1/orders", http.MethodPost, "corr-1", "rrr")
	assert.Equal(t, http.StatusServiceUnavailable, env.StatusCode)
	assert.Equal(t, "CIRCUIT_OPEN", env.Error)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.True(t, env.Retry.Retryable)
	assert.Equal(t, 60, env.Retry.RetryAfterSeconds)
}
