package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types in the closed registry of business facts the platform emits.
const (
	EventOrderCreated                    = "ORDER_CREATED"
	EventOrderConfirmed                  = "ORDER_CONFIRMED"
	EventOrderConfirmationReverted       = "ORDER_CONFIRMATION_REVERTED"
	EventSendOrderConfirmation           = "SEND_ORDER_CONFIRMATION"
	EventNotifyRestaurantOrderConfirmed  = "NOTIFY_RESTAURANT_ORDER_CONFIRMED"
	EventSagaStarted                     = "SAGA_STARTED"
	EventSagaCompleted                   = "SAGA_COMPLETED"
	EventSagaCompensated                 = "SAGA_COMPENSATED"
	EventInventoryReservationReleased    = "INVENTORY_RESERVATION_RELEASED"
	EventPartnerBookingCancelled         = "PARTNER_BOOKING_CANCELLED"
)

// OutboxEvent is a durable record of a domain fact, appended in the same
// transaction as the business write that produced it.
type OutboxEvent struct {
	ID            string
	Type          string
	AggregateID   string
	AggregateType string
	Payload       json.RawMessage
	Processed     bool
	ProcessedAt   *time.Time
	LastError     string
	RetryCount    int
	NextAttempt   *time.Time
	CreatedAt     time.Time
}

// NewOutboxEvent builds an unprocessed event ready to be appended inside
// the caller's transaction (pkg/outbox.Writer.Append does the appending).
func NewOutboxEvent(eventType, aggregateID, aggregateType string, payload any) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       raw,
		CreatedAt:     time.Now(),
	}, nil
}

// BusEnvelope is the canonical JSON shape published to the bus.
type BusEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// ToEnvelope converts the event into its wire representation.
func (e *OutboxEvent) ToEnvelope() BusEnvelope {
	return BusEnvelope{
		ID:            e.ID,
		Type:          e.Type,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Data:          e.Payload,
		Timestamp:     time.Now(),
		Version:       1,
	}
}
