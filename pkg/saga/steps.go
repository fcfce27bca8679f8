package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
)

// orderSagaData is the saga-level Data payload for the order saga: the
// line items and delivery location the steps need, captured once at
// StartSaga time so steps never re-fetch the order mid-flight.
type orderSagaData struct {
	Items    []domain.LineItem       `json:"items"`
	Delivery domain.DeliveryLocation `json:"delivery"`
	Priority domain.OrderPriority    `json:"priority"`
}

// ReserveInventory is the order saga's first step: timeout 5s, up to 3
// attempts before the coordinator gives up and compensates.
type ReserveInventory struct {
	client InventoryClient
}

func NewReserveInventory(client InventoryClient) *ReserveInventory {
	return &ReserveInventory{client: client}
}

func (s *ReserveInventory) Name() string          { return "ReserveInventory" }
func (s *ReserveInventory) Timeout() time.Duration { return 5 * time.Second }
func (s *ReserveInventory) MaxRetries() int        { return 3 }

func (s *ReserveInventory) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	var data orderSagaData
	if err := json.Unmarshal(sc.Data, &data); err != nil {
		return nil, fmt.Errorf("reserve inventory: unmarshal saga data: %w", err)
	}
	out, err := s.client.Reserve(ctx, sc.AggregateID, data.Items)
	if err != nil {
		return nil, err
	}
	if out.Expiry.IsZero() {
		out.Expiry = time.Now().Add(15 * time.Minute)
	}
	return json.Marshal(out)
}

// Compensate releases the reservation by id. Absence of data means the
// step produced no output to release, which is a success.
func (s *ReserveInventory) Compensate(ctx context.Context, sc StepContext, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var out ReservationOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("reserve inventory: unmarshal reservation: %w", err)
	}
	return s.client.Release(ctx, out.ReservationID)
}

func (s *ReserveInventory) CanCompensate(data json.RawMessage) bool { return true }

// BookPartner is the order saga's second step: requests an optimised
// channel recommendation and books the chosen delivery partner (timeout
// 8s, retries 3).
type BookPartner struct {
	client PartnerClient
}

func NewBookPartner(client PartnerClient) *BookPartner {
	return &BookPartner{client: client}
}

func (s *BookPartner) Name() string          { return "BookPartner" }
func (s *BookPartner) Timeout() time.Duration { return 8 * time.Second }
func (s *BookPartner) MaxRetries() int        { return 3 }

func (s *BookPartner) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	var data orderSagaData
	if err := json.Unmarshal(sc.Data, &data); err != nil {
		return nil, fmt.Errorf("book partner: unmarshal saga data: %w", err)
	}
	out, err := s.client.Book(ctx, BookingRequest{OrderID: sc.AggregateID, Delivery: data.Delivery, Priority: data.Priority})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (s *BookPartner) Compensate(ctx context.Context, sc StepContext, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var out BookingOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("book partner: unmarshal booking: %w", err)
	}
	return s.client.Cancel(ctx, out.BookingID)
}

func (s *BookPartner) CanCompensate(data json.RawMessage) bool { return true }

// ConfirmOutput is ConfirmOrder's step data payload.
type ConfirmOutput struct {
	TrackingCode string    `json:"trackingCode"`
	EstimatedAt  time.Time `json:"estimatedAt"`
}

// ConfirmOrder is the order saga's final step (timeout 3s, retries 2): in
// one DB transaction it confirms the order, stamps a tracking code, and
// appends the three post-confirmation outbox events.
type ConfirmOrder struct {
	orderRepo repository.OrderRepository
	writer    *outbox.Writer
	db        database.DB
}

func NewConfirmOrder(orderRepo repository.OrderRepository, writer *outbox.Writer, db database.DB) *ConfirmOrder {
	return &ConfirmOrder{orderRepo: orderRepo, writer: writer, db: db}
}

func (s *ConfirmOrder) Name() string          { return "ConfirmOrder" }
func (s *ConfirmOrder) Timeout() time.Duration { return 3 * time.Second }
func (s *ConfirmOrder) MaxRetries() int        { return 2 }

func (s *ConfirmOrder) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	order, err := s.orderRepo.GetByID(ctx, sc.AggregateID)
	if err != nil {
		return nil, err
	}

	var booking BookingOutput
	if len(sc.Previous) > 0 {
		_ = json.Unmarshal(sc.Previous, &booking)
	}
	estimatedAt := booking.EstimatedDelivery
	if estimatedAt.IsZero() {
		estimatedAt = time.Now().Add(45 * time.Minute)
	}
	trackingCode := generateTrackingCode(order.ID)

	prevVersion := order.Version
	if err := order.Confirm(trackingCode, estimatedAt); err != nil {
		return nil, err
	}

	err = database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.orderRepo.UpdateTx(ctx, tx, order, prevVersion); err != nil {
			return err
		}
		if _, err := s.writer.Append(ctx, tx, domain.EventOrderConfirmed, order.ID, "Order", order); err != nil {
			return err
		}
		if _, err := s.writer.Append(ctx, tx, domain.EventSendOrderConfirmation, order.ID, "Order", order); err != nil {
			return err
		}
		_, err := s.writer.Append(ctx, tx, domain.EventNotifyRestaurantOrderConfirmed, order.ID, "Order", order)
		return err
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(ConfirmOutput{TrackingCode: trackingCode, EstimatedAt: estimatedAt})
}

// Compensate reverts the order to Pending, clears its tracking code, and
// appends ORDER_CONFIRMATION_REVERTED, atomically.
func (s *ConfirmOrder) Compensate(ctx context.Context, sc StepContext, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	order, err := s.orderRepo.GetByID(ctx, sc.AggregateID)
	if err != nil {
		return err
	}
	prevVersion := order.Version
	if err := order.RevertConfirmation(sc.FailureReason); err != nil {
		return err
	}
	return database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.orderRepo.UpdateTx(ctx, tx, order, prevVersion); err != nil {
			return err
		}
		_, err := s.writer.Append(ctx, tx, domain.EventOrderConfirmationReverted, order.ID, "Order", order)
		return err
	})
}

func (s *ConfirmOrder) CanCompensate(data json.RawMessage) bool { return true }

const trackingCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateTrackingCode builds TRK-<base36 time>-<last 4 of order id>-<3
// random chars>, uppercased.
func generateTrackingCode(orderID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 36)

	last4 := orderID
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}

	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteByte(trackingCharset[rand.Intn(len(trackingCharset))])
	}

	return strings.ToUpper(fmt.Sprintf("TRK-%s-%s-%s", ts, last4, b.String()))
}
