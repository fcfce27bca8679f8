// Package bus wraps segmentio/kafka-go, routing events to a topic by
// family and retrying a single publish call with exponential backoff and
// jitter. Deciding when an event has exhausted its retries and must go
// to the dead-letter topic is the outbox relay's job, not this
// package's -- DeadLetter is exposed for the relay to call explicitly.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"orderctl/pkg/config"
	"orderctl/pkg/domain"
	"orderctl/pkg/logger"
)

// Header names attached to every published message.
const (
	HeaderEventID       = "X-Event-Id"
	HeaderEventType     = "X-Event-Type"
	HeaderAggregateID   = "X-Aggregate-Id"
	HeaderAggregateType = "X-Aggregate-Type"
	HeaderCreatedAt     = "X-Created-At"
	HeaderAttempt       = "X-Attempt"
	HeaderTimestamp     = "X-Timestamp"
	HeaderError         = "X-Last-Error"
)

// Writer is the subset of *kafka.Writer that Publisher depends on, so
// tests can swap in a fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher ships outbox events to the bus, retrying a single publish
// call before giving up. DLQ diversion after repeated relay-level
// failures is a separate, explicit call (DeadLetter).
type Publisher struct {
	writer Writer
	dlq    Writer
	cfg    config.BusConfig
	retry  config.RetryConfig
}

// New builds a Publisher from the resolved bus and retry configuration.
// Two kafka.Writer instances are kept: one addressed per-message (the
// routed topic varies per event type) and one pinned to the DLQ topic.
func New(cfg config.BusConfig, retry config.RetryConfig) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			WriteTimeout: cfg.WriteTimeout,
			AllowAutoTopicCreation: true,
		},
		dlq: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			WriteTimeout: cfg.WriteTimeout,
			AllowAutoTopicCreation: true,
		},
		cfg:   cfg,
		retry: retry,
	}
}

// NewWithWriters builds a Publisher over caller-supplied writers, for
// tests that need to observe or fake bus traffic.
func NewWithWriters(writer, dlq Writer, cfg config.BusConfig, retry config.RetryConfig) *Publisher {
	return &Publisher{writer: writer, dlq: dlq, cfg: cfg, retry: retry}
}

// topicFamilies maps an event type prefix to the topic that carries it.
// Event types outside this table fall through to cfg.DefaultTopic.
var topicFamilies = map[string]string{
	"ORDER_":     "orders",
	"SAGA_":      "orders",
	"INVENTORY_": "capacity",
	"PARTNER_":   "capacity",
}

// TopicFor resolves the destination topic for an event type using the
// event-family routing table above.
func (p *Publisher) TopicFor(eventType string) string {
	for prefix, topic := range topicFamilies {
		if strings.HasPrefix(eventType, prefix) {
			return topic
		}
	}
	if p.cfg.DefaultTopic != "" {
		return p.cfg.DefaultTopic
	}
	return "default-events"
}

// Publish ships a single outbox event, retrying the write up to
// retry.MaxAttempts times with exponential backoff and jitter. A
// non-nil return means every attempt failed; the outbox relay is
// responsible for incrementing the event's own retry count and
// deciding, across polls, when to call DeadLetter.
func (p *Publisher) Publish(ctx context.Context, env domain.BusEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	topic := p.TopicFor(env.Type)
	attempt := 0
	var lastErr error

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.InitialBackoff
	bo.MaxInterval = p.retry.MaxBackoff
	bo.Multiplier = p.retry.BackoffMultiplier
	bo.RandomizationFactor = 0.2
	withMax := backoff.WithMaxRetries(bo, uint64(p.retry.MaxAttempts))
	withCtx := backoff.WithContext(withMax, ctx)

	op := func() error {
		attempt++
		msg := kafka.Message{
			Topic: topic,
			Key:   []byte(env.AggregateID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: HeaderEventID, Value: []byte(env.ID)},
				{Key: HeaderEventType, Value: []byte(env.Type)},
				{Key: HeaderAggregateID, Value: []byte(env.AggregateID)},
				{Key: HeaderAggregateType, Value: []byte(env.AggregateType)},
				{Key: HeaderCreatedAt, Value: []byte(env.Timestamp.UTC().Format(time.RFC3339Nano))},
				{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt))},
				{Key: HeaderTimestamp, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
			},
			Time: time.Now(),
		}
		lastErr = p.writer.WriteMessages(ctx, msg)
		return lastErr
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		logger.Log.Warn("bus: publish attempt exhausted",
			"event_id", env.ID, "event_type", env.Type, "attempts", attempt, "error", lastErr)
		return lastErr
	}
	return nil
}

// DeadLetter republishes env to the configured DLQ topic, tagged with
// the original topic, the terminal error, the failure timestamp and the
// relay's own retry count.
func (p *Publisher) DeadLetter(ctx context.Context, env domain.BusEnvelope, originalTopic string, cause error, retryCount int) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.ID)},
			{Key: "X-Original-Topic", Value: []byte(originalTopic)},
			{Key: HeaderError, Value: []byte(cause.Error())},
			{Key: "X-Retry-Count", Value: []byte(strconv.Itoa(retryCount))},
			{Key: "X-Failed-At", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
		Time: time.Now(),
	}
	if err := p.dlq.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("bus: dead-letter publish failed: %w", err)
	}
	return nil
}

// Close releases the underlying kafka writers.
func (p *Publisher) Close() error {
	err1 := p.writer.Close()
	err2 := p.dlq.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
