package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderctl/pkg/domain"
)

func TestOutboxRepository_Claim(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresOutboxRepository(adapter)

	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "type", "aggregate_id", "aggregate_type", "payload", "processed",
		"processed_at", "last_error", "retry_count", "next_attempt", "created_at",
	}).AddRow(
		"evt-1", domain.EventOrderCreated, "order-1", "Order", []byte(`{}`), false,
		(*time.Time)(nil), (*string)(nil), 0, (*time.Time)(nil), now,
	)
	mock.ExpectQuery(`WITH claimed AS`).WithArgs(10).WillReturnRows(rows)

	out, err := repo.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt-1", out[0].ID)
}

func TestOutboxRepository_MarkProcessed(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresOutboxRepository(adapter)

	mock.ExpectExec(`UPDATE outbox_events SET processed = true`).WithArgs("evt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkProcessed(context.Background(), "evt-1"))
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresOutboxRepository(adapter)

	mock.ExpectExec(`UPDATE outbox_events`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "evt-1", "boom", time.Now().Add(time.Minute)))
}

func TestOutboxRepository_DeleteProcessedOlderThan(t *testing.T) {
	mock, adapter := newMockDB(t)
	defer mock.Close()
	repo := NewPostgresOutboxRepository(adapter)

	mock.ExpectExec(`DELETE FROM outbox_events`).WillReturnResult(pgxmock.NewResult("DELETE", 5))

	n, err := repo.DeleteProcessedOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
