package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/telemetry"
)

// OutboxRepository persists OutboxEvent records and exposes the claim
// operation the relay's poll loop uses to pick up unprocessed events
// without two relay instances racing on the same row.
type OutboxRepository interface {
	// Append inserts event inside the caller's transaction, so it lands
	// atomically with the business write that produced it.
	Append(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error

	// Claim locks and returns up to limit unprocessed, due events using
	// FOR UPDATE SKIP LOCKED, so concurrent relay instances each get a
	// disjoint batch instead of blocking on each other.
	Claim(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)

	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string, nextAttempt time.Time) error

	// DeleteProcessedOlderThan deletes processed events past the
	// retention window, the cleanup loop's operation.
	DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// ListByAggregate returns an aggregate's outbox events oldest-first,
	// the backing query for the order event-history endpoint.
	ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]*domain.OutboxEvent, error)
}

type PostgresOutboxRepository struct {
	db database.DB
}

func NewPostgresOutboxRepository(db database.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) Append(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.Append")
	defer span.End()

	query := `
		INSERT INTO outbox_events (
			id, type, aggregate_id, aggregate_type, payload, processed,
			retry_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := tx.Exec(ctx, query, e.ID, e.Type, e.AggregateID, e.AggregateType, e.Payload, e.Processed, e.RetryCount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// Claim is the poll loop's core query: due, unprocessed rows are locked
// and skipped by any concurrent claimant rather than blocked on, which
// is what lets the relay run with more than one worker.
func (r *PostgresOutboxRepository) Claim(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.Claim")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	// The claim and the lease bump happen in one statement: the CTE's
	// FOR UPDATE SKIP LOCKED picks a disjoint row set per concurrent
	// claimant, and the UPDATE stamps next_attempt with a short lease so
	// a relay that dies mid-dispatch doesn't hold the row forever -- the
	// next poll picks it back up once the lease expires.
	query := `
		WITH claimed AS (
			SELECT id FROM outbox_events
			WHERE processed = false AND (next_attempt IS NULL OR next_attempt <= now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET next_attempt = now() + interval '30 seconds'
		FROM claimed c
		WHERE o.id = c.id
		RETURNING o.id, o.type, o.aggregate_id, o.aggregate_type, o.payload, o.processed,
			o.processed_at, o.last_error, o.retry_count, o.next_attempt, o.created_at
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	e := &domain.OutboxEvent{}
	var lastError *string
	err := row.Scan(
		&e.ID, &e.Type, &e.AggregateID, &e.AggregateType, &e.Payload, &e.Processed,
		&e.ProcessedAt, &lastError, &e.RetryCount, &e.NextAttempt, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	e.LastError = deref(lastError)
	return e, nil
}

func (r *PostgresOutboxRepository) MarkProcessed(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.MarkProcessed")
	defer span.End()

	_, err := r.db.Exec(ctx, `UPDATE outbox_events SET processed = true, processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id string, errMsg string, nextAttempt time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.MarkFailed")
	defer span.End()

	query := `
		UPDATE outbox_events
		SET last_error = $1, retry_count = retry_count + 1, next_attempt = $2
		WHERE id = $3
	`
	_, err := r.db.Exec(ctx, query, errMsg, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]*domain.OutboxEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.ListByAggregate")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, type, aggregate_id, aggregate_type, payload, processed,
			processed_at, last_error, retry_count, next_attempt, created_at
		FROM outbox_events WHERE aggregate_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, aggregateID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events by aggregate: %w", err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresOutboxRepository) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "OutboxRepository.DeleteProcessedOlderThan")
	defer span.End()

	cutoff := time.Now().Add(-age)
	tag, err := r.db.Exec(ctx, `DELETE FROM outbox_events WHERE processed = true AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}
