package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"orderctl/pkg/apperror"
)

// SagaStatus is a position in the saga execution state graph.
type SagaStatus string

const (
	SagaStarted      SagaStatus = "Started"
	SagaInProgress   SagaStatus = "InProgress"
	SagaCompleted    SagaStatus = "Completed"
	SagaFailed       SagaStatus = "Failed"
	SagaCompensating SagaStatus = "Compensating"
	SagaCompensated  SagaStatus = "Compensated"
	SagaCancelled    SagaStatus = "Cancelled"
)

// StepStatus is the execution status of one saga step record.
type StepStatus string

const (
	StepPending     StepStatus = "Pending"
	StepCompleted   StepStatus = "Completed"
	StepFailed      StepStatus = "Failed"
	StepCompensated StepStatus = "Compensated"
)

func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCompensated, SagaCancelled:
		return true
	default:
		return false
	}
}

// StepRecord is the persisted state of one step within a saga.
type StepRecord struct {
	Name          string
	Status        StepStatus
	Data          json.RawMessage
	LastError     string
	RetryCount    int
	ExecutedAt    *time.Time
	CompensatedAt *time.Time
}

// Saga is the persistent execution record owned exclusively by the saga
// coordinator.
type Saga struct {
	ID              string
	Type            string
	AggregateID     string
	AggregateType   string
	Data            json.RawMessage
	Steps           []StepRecord
	CurrentStep     int
	TotalSteps      int
	Status          SagaStatus
	FailureReason   string
	RetryCount      int
	MaxRetries      int
	StartedAt       time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	CompensatedAt   *time.Time
	Version         int
}

// NewSaga creates a Started saga with all steps Pending. Callers append
// it in the same transaction as a SAGA_STARTED outbox event.
func NewSaga(sagaType, aggregateID, aggregateType string, data any, stepNames []string, maxRetries int) (*Saga, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	steps := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepRecord{Name: name, Status: StepPending}
	}
	return &Saga{
		ID:            uuid.NewString(),
		Type:          sagaType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Data:          raw,
		Steps:         steps,
		TotalSteps:    len(steps),
		Status:        SagaStarted,
		MaxRetries:    maxRetries,
		StartedAt:     time.Now(),
		Version:       1,
	}, nil
}

// Begin moves any non-terminal saga to InProgress (bumping Version) and
// returns true. For an already-terminal saga it changes nothing and
// returns false, so the execution loop can treat it as a no-op.
func (s *Saga) Begin() (ok bool) {
	if s.Status.Terminal() {
		return false
	}
	s.Status = SagaInProgress
	s.Version++
	return true
}

// CompleteStep marks stepIndex Completed with its output payload and
// advances CurrentStep.
func (s *Saga) CompleteStep(stepIndex int, data json.RawMessage) error {
	if stepIndex < 0 || stepIndex >= len(s.Steps) {
		return apperror.New(apperror.CodeInternal, "step index out of range")
	}
	now := time.Now()
	s.Steps[stepIndex].Status = StepCompleted
	s.Steps[stepIndex].Data = data
	s.Steps[stepIndex].ExecutedAt = &now
	if stepIndex+1 > s.CurrentStep {
		s.CurrentStep = stepIndex + 1
	}
	s.Version++
	return nil
}

// FailStep marks stepIndex Failed with the given error, and moves the
// saga into Compensating.
func (s *Saga) FailStep(stepIndex int, errMsg string) {
	now := time.Now()
	s.Steps[stepIndex].Status = StepFailed
	s.Steps[stepIndex].LastError = errMsg
	s.Steps[stepIndex].ExecutedAt = &now
	s.Status = SagaCompensating
	s.FailureReason = errMsg
	s.Version++
}

// Complete marks the saga Completed (all steps succeeded).
func (s *Saga) Complete() {
	now := time.Now()
	s.Status = SagaCompleted
	s.CompletedAt = &now
	s.Version++
}

// CompensateStep marks a previously Completed step Compensated.
// Compensation may only move a step from Completed to Compensated.
func (s *Saga) CompensateStep(stepIndex int) error {
	if s.Steps[stepIndex].Status != StepCompleted {
		return apperror.New(apperror.CodeInternal, "cannot compensate a step that was not completed").
			WithDetails(map[string]any{"step": s.Steps[stepIndex].Name, "status": s.Steps[stepIndex].Status})
	}
	now := time.Now()
	s.Steps[stepIndex].Status = StepCompensated
	s.Steps[stepIndex].CompensatedAt = &now
	s.Version++
	return nil
}

// Compensated marks the whole saga Compensated (all compensations
// succeeded).
func (s *Saga) Compensated() {
	now := time.Now()
	s.Status = SagaCompensated
	s.CompensatedAt = &now
	s.Version++
}

// Fail marks the saga Failed with the given reason -- used when a
// compensation itself fails (a step failure goes through FailStep and
// compensation instead). A Failed saga sits quarantined for human
// investigation; nothing resumes it automatically.
func (s *Saga) Fail(reason string) {
	now := time.Now()
	s.Status = SagaFailed
	s.FailureReason = reason
	s.FailedAt = &now
	s.Version++
}

// Cancel transitions any non-terminal saga to Cancelled (an external
// cancel request can arrive from any non-terminal state).
func (s *Saga) Cancel() error {
	if s.Status.Terminal() {
		return apperror.New(apperror.CodeConflict, "saga is already terminal")
	}
	s.Status = SagaCancelled
	s.Version++
	return nil
}

// CompletedStepsReverse returns indices of Completed steps in reverse
// execution order, the order compensation must run in.
func (s *Saga) CompletedStepsReverse() []int {
	var out []int
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status == StepCompleted {
			out = append(out, i)
		}
	}
	return out
}
