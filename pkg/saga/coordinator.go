package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/apperror"
	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
)

// Coordinator owns durable execution of saga definitions registered in a
// Registry. It persists every state transition to the
// database; the in-process keyedQueue only guarantees at-most-one
// executor per saga id, never holds authoritative state.
type Coordinator struct {
	db        database.DB
	sagaRepo  repository.SagaRepository
	orderRepo repository.OrderRepository
	writer    *outbox.Writer
	registry  *Registry
	queue     *keyedQueue
}

func NewCoordinator(db database.DB, sagaRepo repository.SagaRepository, orderRepo repository.OrderRepository, writer *outbox.Writer, registry *Registry) *Coordinator {
	return &Coordinator{
		db:        db,
		sagaRepo:  sagaRepo,
		orderRepo: orderRepo,
		writer:    writer,
		registry:  registry,
		queue:     newKeyedQueue(),
	}
}

// StartSaga creates the Saga record atomically with a SAGA_STARTED
// outbox event, commits, then enqueues the execution job keyed by saga
// id.
func (c *Coordinator) StartSaga(ctx context.Context, sagaType, aggregateID, aggregateType string, data any) (*domain.Saga, error) {
	def, ok := c.registry.Get(sagaType)
	if !ok {
		return nil, apperror.New(apperror.CodeInternal, "unknown saga type").WithDetails(map[string]any{"type": sagaType})
	}

	s, err := domain.NewSaga(sagaType, aggregateID, aggregateType, data, def.stepNames(), def.MaxRetries)
	if err != nil {
		return nil, err
	}

	err = database.WithTransaction(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.sagaRepo.CreateTx(ctx, tx, s); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, domain.EventSagaStarted, s.AggregateID, s.AggregateType, s)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Get().RecordSagaStarted(sagaType)
	c.Enqueue(s.ID)
	return s, nil
}

// Enqueue submits sagaID for execution on its dedicated per-key worker.
// Used both by StartSaga and by the stuck-saga sweep to resume a saga
// that was abandoned mid-execution (process restart, crash).
func (c *Coordinator) Enqueue(sagaID string) {
	c.queue.Submit(sagaID, func() {
		c.executeSaga(context.Background(), sagaID)
	})
}

// ResumeStuck re-enqueues non-terminal sagas started before
// olderThan -- the recovery path for a coordinator replica that died
// mid-execution (the no-op guard on an already-terminal saga makes
// double-enqueue safe).
func (c *Coordinator) ResumeStuck(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	stuck, err := c.sagaRepo.ListStuck(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	for _, s := range stuck {
		logger.Log.Warn("saga: resuming stuck saga", "saga_id", s.ID, "type", s.Type, "status", s.Status)
		c.Enqueue(s.ID)
	}
	return len(stuck), nil
}

// executeSaga runs the next pending step (or resumes mid-saga) for the
// given saga id.
func (c *Coordinator) executeSaga(ctx context.Context, sagaID string) {
	s, err := c.sagaRepo.GetByID(ctx, sagaID)
	if err != nil {
		logger.Log.Error("saga: load failed", "saga_id", sagaID, "error", err)
		return
	}
	if s.Status.Terminal() {
		return
	}

	def, ok := c.registry.Get(s.Type)
	if !ok {
		logger.Log.Error("saga: no definition registered for type", "saga_id", s.ID, "type", s.Type)
		return
	}

	prevVersion := s.Version
	if ok := s.Begin(); !ok {
		return
	}
	if err := c.sagaRepo.Update(ctx, s, prevVersion); err != nil {
		logger.Log.Error("saga: persist Begin failed", "saga_id", s.ID, "error", err)
		return
	}

	start := time.Now()
	var previous json.RawMessage

	for idx := s.CurrentStep; idx < s.TotalSteps; idx++ {
		step := def.Steps[idx]
		sc := StepContext{
			SagaID: s.ID, AggregateID: s.AggregateID, AggregateType: s.AggregateType,
			Data: s.Data, StepIndex: idx, TotalSteps: s.TotalSteps, Previous: previous,
		}

		out, err := c.runStep(ctx, step, sc)
		prevVersion = s.Version
		if err != nil {
			s.FailStep(idx, err.Error())
			if uerr := c.sagaRepo.Update(ctx, s, prevVersion); uerr != nil {
				logger.Log.Error("saga: persist step failure failed", "saga_id", s.ID, "error", uerr)
			}
			c.compensate(ctx, s, def, start)
			return
		}

		if err := s.CompleteStep(idx, out); err != nil {
			logger.Log.Error("saga: invariant violation completing step", "saga_id", s.ID, "step", step.Name(), "error", err)
			return
		}
		if uerr := c.sagaRepo.Update(ctx, s, prevVersion); uerr != nil {
			logger.Log.Error("saga: persist step completion failed", "saga_id", s.ID, "error", uerr)
			return
		}
		previous = out
	}

	prevVersion = s.Version
	s.Complete()
	err = database.WithTransaction(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.sagaRepo.UpdateTx(ctx, tx, s, prevVersion); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, domain.EventSagaCompleted, s.AggregateID, s.AggregateType, s)
		return err
	})
	if err != nil {
		logger.Log.Error("saga: persist completion failed", "saga_id", s.ID, "error", err)
		return
	}
	metrics.Get().RecordSagaTerminal(s.Type, "completed", time.Since(start))
}

// runStep races step.Execute against its declared timeout, retrying up
// to step.MaxRetries() attempts before reporting the step failed. A
// single transient error (a 500 from a flaky downstream) is retried
// in-place here rather than immediately triggering reverse-order
// compensation of everything that ran before it.
func (c *Coordinator) runStep(ctx context.Context, step Step, sc StepContext) (json.RawMessage, error) {
	maxAttempts := step.MaxRetries()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := c.attemptStep(ctx, step, sc)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			logger.Log.Warn("saga: step attempt failed, retrying",
				"saga_id", sc.SagaID, "step", step.Name(), "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		}
	}
	return nil, lastErr
}

// attemptStep runs exactly one Execute call, bounded by the step's
// declared timeout.
func (c *Coordinator) attemptStep(ctx context.Context, step Step, sc StepContext) (json.RawMessage, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := step.Execute(stepCtx, sc)
		done <- result{out, err}
	}()

	select {
	case <-stepCtx.Done():
		return nil, apperror.New(apperror.CodeTimeout, "saga step timed out").
			WithDetails(map[string]any{"step": step.Name(), "timeout": step.Timeout().String()})
	case r := <-done:
		return r.out, r.err
	}
}

// compensate runs compensations for every Completed step in reverse
// execution order. A step that opts out via CanCompensate is skipped,
// not marked Compensated.
func (c *Coordinator) compensate(ctx context.Context, s *domain.Saga, def *Definition, start time.Time) {
	for _, idx := range s.CompletedStepsReverse() {
		step := def.Steps[idx]
		data := s.Steps[idx].Data

		if !step.CanCompensate(data) {
			continue
		}

		sc := StepContext{
			SagaID: s.ID, AggregateID: s.AggregateID, AggregateType: s.AggregateType,
			Data: s.Data, StepIndex: idx, TotalSteps: s.TotalSteps, Previous: data,
			FailureReason: s.FailureReason,
		}

		compCtx, cancel := context.WithTimeout(ctx, step.Timeout())
		err := step.Compensate(compCtx, sc, data)
		cancel()

		if err != nil {
			prevVersion := s.Version
			s.Fail(err.Error())
			if uerr := c.sagaRepo.Update(ctx, s, prevVersion); uerr != nil {
				logger.Log.Error("saga: persist quarantine failed", "saga_id", s.ID, "error", uerr)
			}
			logger.Log.Warn("saga: compensation failed, saga quarantined for investigation",
				"saga_id", s.ID, "step", step.Name(), "error", err)
			metrics.Get().RecordSagaTerminal(s.Type, "failed", time.Since(start))
			return
		}

		prevVersion := s.Version
		if err := s.CompensateStep(idx); err != nil {
			logger.Log.Error("saga: invariant violation compensating step", "saga_id", s.ID, "step", step.Name(), "error", err)
			return
		}
		if uerr := c.sagaRepo.Update(ctx, s, prevVersion); uerr != nil {
			logger.Log.Error("saga: persist compensation failed", "saga_id", s.ID, "error", uerr)
			return
		}
	}

	prevVersion := s.Version
	s.Compensated()
	err := database.WithTransaction(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.sagaRepo.UpdateTx(ctx, tx, s, prevVersion); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, domain.EventSagaCompensated, s.AggregateID, s.AggregateType, s)
		return err
	})
	if err != nil {
		logger.Log.Error("saga: persist compensated failed", "saga_id", s.ID, "error", err)
		return
	}
	metrics.Get().RecordSagaTerminal(s.Type, "compensated", time.Since(start))
}

// Cancel transitions sagaID to Cancelled from any non-terminal status;
// an external cancel request can arrive at any point in execution.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) error {
	s, err := c.sagaRepo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	prevVersion := s.Version
	if err := s.Cancel(); err != nil {
		return err
	}
	return c.sagaRepo.Update(ctx, s, prevVersion)
}
