package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderctl/pkg/domain"
)

func sampleSaga(t *testing.T) *domain.Saga {
	t.Helper()
	s, err := domain.NewSaga("OrderFulfillment", "order-1", "Order", map[string]string{"k": "v"},
		[]string{"ReserveInventory", "BookPartner", "ConfirmOrder"}, 3)
	require.NoError(t, err)
	return s
}

func sagaRows(s *domain.Saga) *pgxmock.Rows {
	steps, _ := json.Marshal(s.Steps)
	return pgxmock.NewRows([]string{
		"id", "type", "aggregate_id", "aggregate_type", "data", "steps", "current_step",
		"total_steps", "status", "failure_reason", "retry_count", "max_retries",
		"version", "started_at", "completed_at", "failed_at", "compensated_at",
	}).AddRow(
		s.ID, s.Type, s.AggregateID, s.AggregateType, s.Data, steps, s.CurrentStep,
		s.TotalSteps, string(s.Status), (*string)(nil), s.RetryCount, s.MaxRetries,
		s.Version, s.StartedAt, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestSagaRepository_CreateAndGet(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresSagaRepository(adapter)

	s := sampleSaga(t)
	mock.ExpectExec(`INSERT INTO sagas`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Create(context.Background(), s))

	mock.ExpectQuery(`SELECT id, type, aggregate_id`).WithArgs(s.ID).WillReturnRows(sagaRows(s))
	got, err := repo.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Len(t, got.Steps, 3)
}

func TestSagaRepository_GetByID_NotFound(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresSagaRepository(adapter)

	mock.ExpectQuery(`SELECT id, type, aggregate_id`).WithArgs("missing").WillReturnRows(
		pgxmock.NewRows([]string{
			"id", "type", "aggregate_id", "aggregate_type", "data", "steps", "current_step",
			"total_steps", "status", "failure_reason", "retry_count", "max_retries",
			"version", "started_at", "completed_at", "failed_at", "compensated_at",
		}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestSagaRepository_Update_VersionConflict(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresSagaRepository(adapter)

	s := sampleSaga(t)
	s.Begin()
	mock.ExpectExec(`UPDATE sagas SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), s, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSagaRepository_ListStuck(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresSagaRepository(adapter)

	s := sampleSaga(t)
	mock.ExpectQuery(`SELECT id, type, aggregate_id`).WillReturnRows(sagaRows(s))

	out, err := repo.ListStuck(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
}
