// Package outbox implements a background relay that drains the
// transactional outbox into the message bus with at-least-once
// delivery, bounded retries and dead-lettering.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/bus"
	"orderctl/pkg/config"
	"orderctl/pkg/domain"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/repository"
)

// Writer appends events in the caller's transaction -- the producing
// side of the outbox, kept separate from the relay's consuming side.
type Writer struct {
	repo repository.OutboxRepository
}

func NewWriter(repo repository.OutboxRepository) *Writer {
	return &Writer{repo: repo}
}

// Append builds and appends an outbox event inside tx, so it commits
// atomically with the business write that produced it.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, eventType, aggregateID, aggregateType string, payload any) (*domain.OutboxEvent, error) {
	event, err := domain.NewOutboxEvent(eventType, aggregateID, aggregateType, payload)
	if err != nil {
		return nil, err
	}
	if err := w.repo.Append(ctx, tx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Relay drains the outbox: poll, dispatch, retry-sweep and cleanup run
// as independent background loops bound to the process lifecycle.
type Relay struct {
	repo      repository.OutboxRepository
	publisher *bus.Publisher
	cfg       config.OutboxConfig

	polling atomic.Bool // re-entrancy guard: an overrunning poll is skipped, not queued
	wg      sync.WaitGroup
}

func NewRelay(repo repository.OutboxRepository, publisher *bus.Publisher, cfg config.OutboxConfig) *Relay {
	return &Relay{repo: repo, publisher: publisher, cfg: cfg}
}

// Run starts the poll, retry-sweep and cleanup loops and blocks until ctx
// is cancelled, at which point it waits for the in-flight dispatch batch
// to finish before returning.
func (r *Relay) Run(ctx context.Context) {
	r.wg.Add(3)
	go r.pollLoop(ctx)
	go r.retrySweepLoop(ctx)
	go r.cleanupLoop(ctx)
	r.wg.Wait()
}

func (r *Relay) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll is re-entrancy guarded: if the previous poll is still dispatching
// its batch, this tick is skipped rather than queued.
func (r *Relay) poll(ctx context.Context) {
	if !r.polling.CompareAndSwap(false, true) {
		return
	}
	defer r.polling.Store(false)

	events, err := r.repo.Claim(ctx, r.cfg.BatchSize)
	if err != nil {
		logger.Log.Error("outbox: claim failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	metrics.Get().SetOutboxBacklogSize(len(events))
	r.dispatchBatch(ctx, events)
}

// dispatchBatch groups the claimed batch by aggregate id and publishes
// each group's events in claim order on its own goroutine, so
// same-aggregate events never race each other onto the bus. Distinct
// aggregates still publish in parallel, bounded by Concurrency.
func (r *Relay) dispatchBatch(ctx context.Context, events []*domain.OutboxEvent) {
	groups := groupByAggregate(events)

	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []*domain.OutboxEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, e := range group {
				r.dispatchOne(ctx, e)
			}
		}(group)
	}
	wg.Wait()
}

// groupByAggregate buckets events by AggregateID, preserving both the
// claim order within each bucket and the order in which aggregates were
// first seen.
func groupByAggregate(events []*domain.OutboxEvent) [][]*domain.OutboxEvent {
	order := make([]string, 0, len(events))
	byAggregate := make(map[string][]*domain.OutboxEvent, len(events))
	for _, e := range events {
		if _, seen := byAggregate[e.AggregateID]; !seen {
			order = append(order, e.AggregateID)
		}
		byAggregate[e.AggregateID] = append(byAggregate[e.AggregateID], e)
	}
	groups := make([][]*domain.OutboxEvent, len(order))
	for i, id := range order {
		groups[i] = byAggregate[id]
	}
	return groups
}

func (r *Relay) dispatchOne(ctx context.Context, e *domain.OutboxEvent) {
	env := e.ToEnvelope()
	topic := r.publisher.TopicFor(e.Type)

	if err := r.publisher.Publish(ctx, env); err != nil {
		r.handleFailure(ctx, e, topic, err)
		return
	}

	if err := r.repo.MarkProcessed(ctx, e.ID); err != nil {
		logger.Log.Error("outbox: mark processed failed", "event_id", e.ID, "error", err)
		return
	}
	metrics.Get().RecordOutboxPublish(e.Type, "published")
}

const fixedRetryBackoff = 30 * time.Second

func (r *Relay) handleFailure(ctx context.Context, e *domain.OutboxEvent, topic string, cause error) {
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if e.RetryCount+1 >= maxRetries {
		env := e.ToEnvelope()
		if err := r.publisher.DeadLetter(ctx, env, topic, cause, e.RetryCount+1); err != nil {
			logger.Log.Error("outbox: dead-letter publish failed, will retry on next sweep", "event_id", e.ID, "error", err)
			_ = r.repo.MarkFailed(ctx, e.ID, cause.Error(), time.Now().Add(fixedRetryBackoff))
			return
		}
		if err := r.repo.MarkProcessed(ctx, e.ID); err != nil {
			logger.Log.Error("outbox: mark processed after dead-letter failed", "event_id", e.ID, "error", err)
		}
		metrics.Get().RecordOutboxDLQ(e.Type)
		logger.Log.Warn("outbox: event exhausted retries, dead-lettered", "event_id", e.ID, "event_type", e.Type, "error", cause)
		return
	}

	if err := r.repo.MarkFailed(ctx, e.ID, cause.Error(), time.Now().Add(fixedRetryBackoff)); err != nil {
		logger.Log.Error("outbox: mark failed failed", "event_id", e.ID, "error", err)
	}
	metrics.Get().RecordOutboxPublish(e.Type, "retry_scheduled")
}

// retrySweepLoop re-queues failed-but-retryable events whose scheduled
// retry time has passed. Claim already selects by next_attempt, so the
// sweep is just an additional poll on a slower cadence to catch events
// that a live poll tick missed.
func (r *Relay) retrySweepLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.RetrySweep
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Relay) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age := r.cfg.CleanupAge
			if age <= 0 {
				age = 24 * time.Hour
			}
			n, err := r.repo.DeleteProcessedOlderThan(ctx, age)
			if err != nil {
				logger.Log.Error("outbox: cleanup failed", "error", err)
				return
			}
			if n > 0 {
				logger.Log.Info("outbox: cleanup deleted processed events", "count", n)
			}
		}
	}
}
