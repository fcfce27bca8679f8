package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/telemetry"
)

// OrderRepository persists Order aggregates.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	// CreateTx is Create run against an already-open transaction, used by
	// the order-creation handler to land the insert atomically with the
	// ORDER_CREATED outbox event.
	CreateTx(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	// Update writes order with an optimistic-concurrency check against
	// expectedVersion, bumping the stored version by one. Returns
	// ErrVersionConflict if the row's version has moved on.
	Update(ctx context.Context, order *domain.Order, expectedVersion int) error
	// UpdateTx is Update run against an already-open transaction, used by
	// the ConfirmOrder saga step to land the status change atomically
	// with its outbox events.
	UpdateTx(ctx context.Context, tx pgx.Tx, order *domain.Order, expectedVersion int) error
	List(ctx context.Context, customerID string, limit, offset int) ([]*domain.Order, error)
}

// PostgresOrderRepository is the pgx-backed OrderRepository.
type PostgresOrderRepository struct {
	db database.DB
}

func NewPostgresOrderRepository(db database.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) Create(ctx context.Context, o *domain.Order) error {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.Create")
	defer span.End()
	return insertOrder(ctx, r.db, o)
}

// CreateTx inserts o against an already-open transaction, so the creating
// handler can append the ORDER_CREATED outbox event in the same commit.
func (r *PostgresOrderRepository) CreateTx(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.CreateTx")
	defer span.End()
	return insertOrder(ctx, tx, o)
}

func insertOrder(ctx context.Context, e execer, o *domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	delivery, err := json.Marshal(o.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	query := `
		INSERT INTO orders (
			id, customer_id, restaurant_id, items, delivery, subtotal, tax,
			delivery_fee, total, status, priority, tracking_code,
			estimated_at, driver_id, failure_reason, idempotency_key,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err = e.Exec(ctx, query,
		o.ID, o.CustomerID, o.RestaurantID, items, delivery, o.Subtotal, o.Tax,
		o.DeliveryFee, o.Total, string(o.Status), string(o.Priority), o.TrackingCode,
		o.EstimatedAt, nullableString(o.DriverID), nullableString(o.FailureReason),
		nullableString(o.IdempotencyKey), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.GetByID")
	defer span.End()

	query := `
		SELECT id, customer_id, restaurant_id, items, delivery, subtotal, tax,
			delivery_fee, total, status, priority, tracking_code, estimated_at,
			driver_id, failure_reason, idempotency_key, version, created_at, updated_at
		FROM orders WHERE id = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresOrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.GetByIdempotencyKey")
	defer span.End()

	query := `
		SELECT id, customer_id, restaurant_id, items, delivery, subtotal, tax,
			delivery_fee, total, status, priority, tracking_code, estimated_at,
			driver_id, failure_reason, idempotency_key, version, created_at, updated_at
		FROM orders WHERE idempotency_key = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, key))
}

func (r *PostgresOrderRepository) scanOne(row pgx.Row) (*domain.Order, error) {
	o := &domain.Order{}
	var items, delivery []byte
	var driverID, failureReason, idempotencyKey *string

	err := row.Scan(
		&o.ID, &o.CustomerID, &o.RestaurantID, &items, &delivery, &o.Subtotal, &o.Tax,
		&o.DeliveryFee, &o.Total, &o.Status, &o.Priority, &o.TrackingCode, &o.EstimatedAt,
		&driverID, &failureReason, &idempotencyKey, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(delivery, &o.Delivery); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	o.DriverID = deref(driverID)
	o.FailureReason = deref(failureReason)
	o.IdempotencyKey = deref(idempotencyKey)
	return o, nil
}

// Update applies an optimistic-concurrency write: the WHERE clause pins
// both id and the version the caller last read, so a concurrent writer
// that got there first causes RowsAffected == 0.
func (r *PostgresOrderRepository) Update(ctx context.Context, o *domain.Order, expectedVersion int) error {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.Update")
	defer span.End()
	return updateOrder(ctx, r.db, o, expectedVersion)
}

func (r *PostgresOrderRepository) UpdateTx(ctx context.Context, tx pgx.Tx, o *domain.Order, expectedVersion int) error {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.UpdateTx")
	defer span.End()
	return updateOrder(ctx, tx, o, expectedVersion)
}

func updateOrder(ctx context.Context, e execer, o *domain.Order, expectedVersion int) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	delivery, err := json.Marshal(o.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	query := `
		UPDATE orders SET
			items = $1, delivery = $2, subtotal = $3, tax = $4, delivery_fee = $5,
			total = $6, status = $7, priority = $8, tracking_code = $9,
			estimated_at = $10, driver_id = $11, failure_reason = $12,
			version = $13, updated_at = $14
		WHERE id = $15 AND version = $16
	`
	tag, err := e.Exec(ctx, query,
		items, delivery, o.Subtotal, o.Tax, o.DeliveryFee, o.Total, string(o.Status),
		string(o.Priority), o.TrackingCode, o.EstimatedAt, nullableString(o.DriverID),
		nullableString(o.FailureReason), expectedVersion+1, o.UpdatedAt, o.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	return nil
}

func (r *PostgresOrderRepository) List(ctx context.Context, customerID string, limit, offset int) ([]*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.List")
	defer span.End()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, customer_id, restaurant_id, items, delivery, subtotal, tax,
			delivery_fee, total, status, priority, tracking_code, estimated_at,
			driver_id, failure_reason, idempotency_key, version, created_at, updated_at
		FROM orders WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, customerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
