package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/telemetry"
)

// SagaRepository persists Saga execution records.
type SagaRepository interface {
	Create(ctx context.Context, saga *domain.Saga) error
	// CreateTx is Create run against an already-open transaction, so the
	// saga row lands atomically with its SAGA_STARTED outbox event.
	CreateTx(ctx context.Context, tx pgx.Tx, saga *domain.Saga) error
	GetByID(ctx context.Context, id string) (*domain.Saga, error)
	GetByAggregateID(ctx context.Context, aggregateID string) (*domain.Saga, error)
	Update(ctx context.Context, saga *domain.Saga, expectedVersion int) error
	// UpdateTx is Update run against an already-open transaction, for the
	// saga-completed/compensated writes that must land atomically with
	// their outbox event.
	UpdateTx(ctx context.Context, tx pgx.Tx, saga *domain.Saga, expectedVersion int) error
	// ListStuck returns non-terminal sagas started before olderThan, the
	// timeout sweep's candidate set.
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error)
}

// execer is the subset of database.DB that both *pgxpool.Pool (via
// database.DB) and pgx.Tx satisfy, letting the insert/update bodies below
// run unchanged inside or outside an explicit transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresSagaRepository struct {
	db database.DB
}

func NewPostgresSagaRepository(db database.DB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

func (r *PostgresSagaRepository) Create(ctx context.Context, s *domain.Saga) error {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.Create")
	defer span.End()
	return insertSaga(ctx, r.db, s)
}

func (r *PostgresSagaRepository) CreateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga) error {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.CreateTx")
	defer span.End()
	return insertSaga(ctx, tx, s)
}

func insertSaga(ctx context.Context, e execer, s *domain.Saga) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO sagas (
			id, type, aggregate_id, aggregate_type, data, steps, current_step,
			total_steps, status, failure_reason, retry_count, max_retries,
			version, started_at, completed_at, failed_at, compensated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err = e.Exec(ctx, query,
		s.ID, s.Type, s.AggregateID, s.AggregateType, s.Data, steps, s.CurrentStep,
		s.TotalSteps, string(s.Status), nullableString(s.FailureReason), s.RetryCount,
		s.MaxRetries, s.Version, s.StartedAt, s.CompletedAt, s.FailedAt, s.CompensatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

func (r *PostgresSagaRepository) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.GetByID")
	defer span.End()
	return r.scanOne(r.db.QueryRow(ctx, sagaSelectQuery+" WHERE id = $1", id))
}

func (r *PostgresSagaRepository) GetByAggregateID(ctx context.Context, aggregateID string) (*domain.Saga, error) {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.GetByAggregateID")
	defer span.End()
	return r.scanOne(r.db.QueryRow(ctx, sagaSelectQuery+" WHERE aggregate_id = $1 ORDER BY started_at DESC LIMIT 1", aggregateID))
}

const sagaSelectQuery = `
	SELECT id, type, aggregate_id, aggregate_type, data, steps, current_step,
		total_steps, status, failure_reason, retry_count, max_retries,
		version, started_at, completed_at, failed_at, compensated_at
	FROM sagas
`

func (r *PostgresSagaRepository) scanOne(row pgx.Row) (*domain.Saga, error) {
	s := &domain.Saga{}
	var steps []byte
	var failureReason *string

	err := row.Scan(
		&s.ID, &s.Type, &s.AggregateID, &s.AggregateType, &s.Data, &steps, &s.CurrentStep,
		&s.TotalSteps, &s.Status, &failureReason, &s.RetryCount, &s.MaxRetries,
		&s.Version, &s.StartedAt, &s.CompletedAt, &s.FailedAt, &s.CompensatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	s.FailureReason = deref(failureReason)
	return s, nil
}

func (r *PostgresSagaRepository) Update(ctx context.Context, s *domain.Saga, expectedVersion int) error {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.Update")
	defer span.End()
	return updateSaga(ctx, r.db, s, expectedVersion)
}

func (r *PostgresSagaRepository) UpdateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga, expectedVersion int) error {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.UpdateTx")
	defer span.End()
	return updateSaga(ctx, tx, s, expectedVersion)
}

func updateSaga(ctx context.Context, e execer, s *domain.Saga, expectedVersion int) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		UPDATE sagas SET
			steps = $1, current_step = $2, status = $3, failure_reason = $4,
			retry_count = $5, version = $6, completed_at = $7, failed_at = $8,
			compensated_at = $9
		WHERE id = $10 AND version = $11
	`
	tag, err := e.Exec(ctx, query,
		steps, s.CurrentStep, string(s.Status), nullableString(s.FailureReason),
		s.RetryCount, s.Version, s.CompletedAt, s.FailedAt, s.CompensatedAt,
		s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *PostgresSagaRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	ctx, span := telemetry.StartSpan(ctx, "SagaRepository.ListStuck")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	query := sagaSelectQuery + `
		WHERE status IN ('Started', 'InProgress', 'Compensating') AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck sagas: %w", err)
	}
	defer rows.Close()

	var out []*domain.Saga
	for rows.Next() {
		s, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
