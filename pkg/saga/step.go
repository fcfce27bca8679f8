// Package saga implements a durable, compensating-transaction engine
// executing an ordered step list per saga, with per-step timeout and
// reverse-order rollback.
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// StepContext is passed to every Execute/Compensate call. It carries the
// saga-level data plus whatever the previous step produced, so a step can
// read what an earlier step booked (e.g. BookPartner reading nothing,
// ConfirmOrder reading BookPartner's output).
type StepContext struct {
	SagaID        string
	AggregateID   string
	AggregateType string
	Data          json.RawMessage
	StepIndex     int
	TotalSteps    int
	Previous      json.RawMessage
	CorrelationID string

	// FailureReason is set only when the coordinator calls Compensate,
	// carrying the error that triggered rollback.
	FailureReason string
}

// Step is one stage of a saga: a forward action and its compensation.
// Implementations are stateless; all durable state lives in the Saga
// record the coordinator persists between steps.
type Step interface {
	Name() string
	Timeout() time.Duration
	MaxRetries() int

	// Execute performs the step's forward action and returns the output
	// to persist as the step's data payload.
	Execute(ctx context.Context, sc StepContext) (json.RawMessage, error)

	// Compensate undoes a previously Completed step using the data it
	// produced. CanCompensate is checked first; when it returns false the
	// coordinator skips this step during rollback.
	Compensate(ctx context.Context, sc StepContext, data json.RawMessage) error
	CanCompensate(data json.RawMessage) bool
}
