package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"orderctl/pkg/audit"
	"orderctl/pkg/domain"
	"orderctl/pkg/repository"
)

// fakeDB and fakeTx satisfy database.DB and pgx.Tx with no-op bodies, just
// enough for database.WithTransaction to drive a commit around a handler
// under test without a live Postgres connection.
type fakeDB struct{}

func (fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return fakeTx{}, nil
}
func (fakeDB) Close()                         {}
func (fakeDB) Ping(ctx context.Context) error { return nil }

type fakeTx struct{}

func (fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, nil }
func (fakeTx) Commit(ctx context.Context) error          { return nil }
func (fakeTx) Rollback(ctx context.Context) error        { return nil }
func (fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (fakeTx) Conn() *pgx.Conn                                               { return nil }

type fakeOrderRepo struct {
	mu            sync.Mutex
	orders        map[string]*domain.Order
	byIdemKey     map[string]*domain.Order
	createErr     error
	updateErr     error
	versionCheck  bool
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{
		orders:    make(map[string]*domain.Order),
		byIdemKey: make(map[string]*domain.Order),
	}
}

func (r *fakeOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
	if order.IdempotencyKey != "" {
		r.byIdemKey[order.IdempotencyKey] = order
	}
	return nil
}

func (r *fakeOrderRepo) CreateTx(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	return r.Create(ctx, order)
}

func (r *fakeOrderRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (r *fakeOrderRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byIdemKey[key]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (r *fakeOrderRepo) Update(ctx context.Context, order *domain.Order, expectedVersion int) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[order.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if r.versionCheck && existing.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	order.Version = existing.Version + 1
	r.orders[order.ID] = order
	return nil
}

func (r *fakeOrderRepo) UpdateTx(ctx context.Context, tx pgx.Tx, order *domain.Order, expectedVersion int) error {
	return r.Update(ctx, order, expectedVersion)
}

func (r *fakeOrderRepo) List(ctx context.Context, customerID string, limit, offset int) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeSagaRepo struct {
	mu    sync.Mutex
	sagas map[string]*domain.Saga
}

func newFakeSagaRepo() *fakeSagaRepo {
	return &fakeSagaRepo{sagas: make(map[string]*domain.Saga)}
}

func (r *fakeSagaRepo) Create(ctx context.Context, s *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sagas[s.ID] = s
	return nil
}

func (r *fakeSagaRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga) error {
	return r.Create(ctx, s)
}

func (r *fakeSagaRepo) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sagas[id]
	if !ok {
		return nil, repository.ErrSagaNotFound
	}
	return s, nil
}

func (r *fakeSagaRepo) GetByAggregateID(ctx context.Context, aggregateID string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sagas {
		if s.AggregateID == aggregateID {
			return s, nil
		}
	}
	return nil, repository.ErrSagaNotFound
}

func (r *fakeSagaRepo) Update(ctx context.Context, s *domain.Saga, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sagas[s.ID] = s
	return nil
}

func (r *fakeSagaRepo) UpdateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga, expectedVersion int) error {
	return r.Update(ctx, s, expectedVersion)
}

func (r *fakeSagaRepo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	return nil, nil
}

type fakeOutboxRepo struct {
	mu     sync.Mutex
	events map[string][]*domain.OutboxEvent
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{events: make(map[string][]*domain.OutboxEvent)}
}

func (r *fakeOutboxRepo) Append(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.AggregateID] = append(r.events[event.AggregateID], event)
	return nil
}

func (r *fakeOutboxRepo) Claim(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

func (r *fakeOutboxRepo) MarkFailed(ctx context.Context, id string, errMsg string, nextAttempt time.Time) error {
	return nil
}

func (r *fakeOutboxRepo) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeOutboxRepo) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]*domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[aggregateID], nil
}

// fakeAuditLogger is an in-memory audit.Logger double that records every
// entry it was handed, so tests can assert on what was audited.
type fakeAuditLogger struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (l *fakeAuditLogger) Log(ctx context.Context, entry *audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *fakeAuditLogger) Query(ctx context.Context, filter *audit.QueryFilter) ([]*audit.Entry, error) {
	return nil, nil
}

func (l *fakeAuditLogger) Close() error { return nil }

func (l *fakeAuditLogger) last() *audit.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}
