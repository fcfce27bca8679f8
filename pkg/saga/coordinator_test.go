package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orderctl/pkg/domain"
	"orderctl/pkg/outbox"
)

// recordingStep is a minimal saga.Step double whose Execute/Compensate
// behavior is controlled per test.
type recordingStep struct {
	name        string
	execErr     error
	execOut     json.RawMessage
	execDelay   time.Duration
	compensated []json.RawMessage
	compErr     error
	canComp     bool
}

func newRecordingStep(name string) *recordingStep {
	return &recordingStep{name: name, execOut: json.RawMessage(`{}`), canComp: true}
}

func (s *recordingStep) Name() string           { return s.name }
func (s *recordingStep) Timeout() time.Duration { return 50 * time.Millisecond }
func (s *recordingStep) MaxRetries() int        { return 0 }

func (s *recordingStep) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	if s.execDelay > 0 {
		select {
		case <-time.After(s.execDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.execErr != nil {
		return nil, s.execErr
	}
	return s.execOut, nil
}

func (s *recordingStep) Compensate(ctx context.Context, sc StepContext, data json.RawMessage) error {
	s.compensated = append(s.compensated, data)
	return s.compErr
}

func (s *recordingStep) CanCompensate(data json.RawMessage) bool { return s.canComp }

func newTestCoordinator(t *testing.T, def *Definition, txCount int) (*Coordinator, *fakeSagaRepo, *fakeOutboxRepo) {
	t.Helper()
	registry := NewRegistry()
	registry.Register(def)

	sagaRepo := newFakeSagaRepo()
	outboxRepo := &fakeOutboxRepo{}
	writer := outbox.NewWriter(outboxRepo)
	db := newMockDB(t, txCount)

	c := NewCoordinator(db, sagaRepo, nil, writer, registry)
	return c, sagaRepo, outboxRepo
}

func TestStartSagaPersistsAndEnqueues(t *testing.T) {
	step1 := newRecordingStep("step1")
	def := &Definition{Type: "order", Steps: []Step{step1}, MaxRetries: 0}
	c, sagaRepo, outboxRepo := newTestCoordinator(t, def, 2) // StartSaga tx + completion tx

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, domain.SagaStarted, s.Status)

	require.Eventually(t, func() bool {
		got, err := sagaRepo.GetByID(context.Background(), s.ID)
		return err == nil && got.Status == domain.SagaCompleted
	}, time.Second, 5*time.Millisecond)

	require.Contains(t, outboxRepo.eventTypes(), domain.EventSagaStarted)
	require.Contains(t, outboxRepo.eventTypes(), domain.EventSagaCompleted)
}

func TestExecuteSagaAllStepsSucceedCompletes(t *testing.T) {
	step1 := newRecordingStep("step1")
	step2 := newRecordingStep("step2")
	def := &Definition{Type: "order", Steps: []Step{step1, step2}, MaxRetries: 0}
	c, sagaRepo, _ := newTestCoordinator(t, def, 2)

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := sagaRepo.GetByID(context.Background(), s.ID)
		return got != nil && got.Status == domain.SagaCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestExecuteSagaStepFailureTriggersReverseCompensation(t *testing.T) {
	step1 := newRecordingStep("step1")
	step2 := newRecordingStep("step2")
	step2.execErr = errors.New("booking failed")
	def := &Definition{Type: "order", Steps: []Step{step1, step2}, MaxRetries: 0}
	c, sagaRepo, outboxRepo := newTestCoordinator(t, def, 2) // StartSaga tx + compensated tx

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := sagaRepo.GetByID(context.Background(), s.ID)
		return got != nil && got.Status == domain.SagaCompensated
	}, time.Second, 5*time.Millisecond)

	require.Len(t, step1.compensated, 1)
	require.Empty(t, step2.compensated, "the failed step itself is never compensated")
	require.Contains(t, outboxRepo.eventTypes(), domain.EventSagaCompensated)
}

func TestExecuteSagaStepTimeoutTriggersCompensation(t *testing.T) {
	step1 := newRecordingStep("step1")
	step2 := newRecordingStep("step2")
	step2.execDelay = time.Second // exceeds recordingStep.Timeout()
	def := &Definition{Type: "order", Steps: []Step{step1, step2}, MaxRetries: 0}
	c, sagaRepo, _ := newTestCoordinator(t, def, 2)

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := sagaRepo.GetByID(context.Background(), s.ID)
		return got != nil && got.Status == domain.SagaCompensated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteSagaCompensationFailureQuarantinesSaga(t *testing.T) {
	step1 := newRecordingStep("step1")
	step1.compErr = errors.New("release failed")
	step2 := newRecordingStep("step2")
	step2.execErr = errors.New("booking failed")
	def := &Definition{Type: "order", Steps: []Step{step1, step2}, MaxRetries: 0}
	c, sagaRepo, _ := newTestCoordinator(t, def, 1) // only StartSaga tx; quarantine path uses plain Update

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := sagaRepo.GetByID(context.Background(), s.ID)
		return got != nil && got.Status == domain.SagaFailed
	}, time.Second, 5*time.Millisecond)
}

func TestCompensateSkipsStepsThatOptOut(t *testing.T) {
	step1 := newRecordingStep("step1")
	step1.canComp = false
	step2 := newRecordingStep("step2")
	step2.execErr = errors.New("booking failed")
	def := &Definition{Type: "order", Steps: []Step{step1, step2}, MaxRetries: 0}
	c, sagaRepo, _ := newTestCoordinator(t, def, 2)

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := sagaRepo.GetByID(context.Background(), s.ID)
		return got != nil && got.Status == domain.SagaCompensated
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, step1.compensated)
}

func TestCancelTransitionsNonTerminalSagaToCancelled(t *testing.T) {
	step1 := newRecordingStep("step1")
	step1.execDelay = time.Hour // never completes within the test
	def := &Definition{Type: "order", Steps: []Step{step1}, MaxRetries: 0}
	sagaRepo := newFakeSagaRepo()
	registry := NewRegistry()
	registry.Register(def)
	writer := outbox.NewWriter(&fakeOutboxRepo{})
	db := newMockDB(t, 1)
	c := NewCoordinator(db, sagaRepo, nil, writer, registry)

	s, err := c.StartSaga(context.Background(), "order", "order-1", "Order", map[string]any{})
	require.NoError(t, err)

	err = c.Cancel(context.Background(), s.ID)
	require.NoError(t, err)

	got, err := sagaRepo.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaCancelled, got.Status)
}

func TestStartSagaUnknownTypeReturnsError(t *testing.T) {
	registry := NewRegistry()
	sagaRepo := newFakeSagaRepo()
	writer := outbox.NewWriter(&fakeOutboxRepo{})
	db := newMockDB(t, 0)
	c := NewCoordinator(db, sagaRepo, nil, writer, registry)

	_, err := c.StartSaga(context.Background(), "unknown", "order-1", "Order", map[string]any{})
	require.Error(t, err)
}
