// Package repository persists the order-platform aggregates (Order, Saga,
// OutboxEvent) over PostgreSQL via pgx, following the same thin
// database.DB-wrapping style as the other example services.
package repository

import "errors"

// Sentinel errors returned by the repositories. Callers translate these
// into apperror codes at the service boundary.
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrSagaNotFound  = errors.New("saga not found")
	ErrVersionConflict = errors.New("optimistic concurrency conflict: stale version")
)
