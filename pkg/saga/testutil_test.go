package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"orderctl/pkg/database"
	"orderctl/pkg/domain"
)

// pgxMockAdapter adapts pgxmock.PgxPoolIface to database.DB, mirroring the
// one in pkg/repository -- tests here only ever exercise BeginTx/Commit,
// since the fake repositories below never touch SQL themselves.
type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}
func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}
func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}
func (a *pgxMockAdapter) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, opts)
}
func (a *pgxMockAdapter) Close()                     { a.mock.Close() }
func (a *pgxMockAdapter) Ping(ctx context.Context) error { return a.mock.Ping(ctx) }

// newMockDB returns a database.DB backed by pgxmock, expecting txCount
// Begin/Commit round trips in order (the fake repos issue no real SQL, so
// no statement expectations are needed beyond the transaction envelope).
func newMockDB(t *testing.T, txCount int) database.DB {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	for i := 0; i < txCount; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	t.Cleanup(func() { mock.Close() })
	return &pgxMockAdapter{mock: mock}
}

// fakeSagaRepo is an in-memory repository.SagaRepository double.
type fakeSagaRepo struct {
	mu    sync.Mutex
	sagas map[string]*domain.Saga
}

func newFakeSagaRepo() *fakeSagaRepo {
	return &fakeSagaRepo{sagas: make(map[string]*domain.Saga)}
}

func (r *fakeSagaRepo) Create(ctx context.Context, s *domain.Saga) error {
	return r.CreateTx(ctx, nil, s)
}

func (r *fakeSagaRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sagas[s.ID] = cloneSaga(s)
	return nil
}

func (r *fakeSagaRepo) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sagas[id]
	if !ok {
		return nil, errors.New("saga not found")
	}
	return cloneSaga(s), nil
}

func (r *fakeSagaRepo) GetByAggregateID(ctx context.Context, aggregateID string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sagas {
		if s.AggregateID == aggregateID {
			return cloneSaga(s), nil
		}
	}
	return nil, errors.New("saga not found")
}

func (r *fakeSagaRepo) Update(ctx context.Context, s *domain.Saga, expectedVersion int) error {
	return r.UpdateTx(ctx, nil, s, expectedVersion)
}

func (r *fakeSagaRepo) UpdateTx(ctx context.Context, tx pgx.Tx, s *domain.Saga, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sagas[s.ID]
	if !ok || existing.Version != expectedVersion {
		return errors.New("version conflict")
	}
	r.sagas[s.ID] = cloneSaga(s)
	return nil
}

func (r *fakeSagaRepo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	return nil, nil
}

func cloneSaga(s *domain.Saga) *domain.Saga {
	cp := *s
	cp.Steps = append([]domain.StepRecord(nil), s.Steps...)
	return &cp
}

// fakeOrderRepo is an in-memory repository.OrderRepository double.
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newFakeOrderRepo(orders ...*domain.Order) *fakeOrderRepo {
	r := &fakeOrderRepo{orders: make(map[string]*domain.Order)}
	for _, o := range orders {
		r.orders[o.ID] = o
	}
	return r
}

func (r *fakeOrderRepo) Create(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}

func (r *fakeOrderRepo) CreateTx(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	return r.Create(ctx, o)
}

func (r *fakeOrderRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeOrderRepo) Update(ctx context.Context, o *domain.Order, expectedVersion int) error {
	return r.UpdateTx(ctx, nil, o, expectedVersion)
}

func (r *fakeOrderRepo) UpdateTx(ctx context.Context, tx pgx.Tx, o *domain.Order, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[o.ID]
	if !ok || existing.Version != expectedVersion {
		return errors.New("version conflict")
	}
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *fakeOrderRepo) List(ctx context.Context, customerID string, limit, offset int) ([]*domain.Order, error) {
	return nil, nil
}

// fakeOutboxRepo is an in-memory repository.OutboxRepository double that
// just records appended events; the relay's own claim/dispatch logic is
// out of scope for these tests.
type fakeOutboxRepo struct {
	mu     sync.Mutex
	events []*domain.OutboxEvent
}

func (r *fakeOutboxRepo) Append(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeOutboxRepo) Claim(ctx context.Context, batchSize int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}
func (r *fakeOutboxRepo) MarkProcessed(ctx context.Context, id string) error { return nil }
func (r *fakeOutboxRepo) MarkFailed(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	return nil
}
func (r *fakeOutboxRepo) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}
func (r *fakeOutboxRepo) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
