package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orderctl/pkg/domain"
	"orderctl/pkg/outbox"
)

type fakeInventoryClient struct {
	reserveErr error
	reserved   ReservationOutput
	released   string
}

func (c *fakeInventoryClient) Reserve(ctx context.Context, orderID string, items []domain.LineItem) (ReservationOutput, error) {
	if c.reserveErr != nil {
		return ReservationOutput{}, c.reserveErr
	}
	return c.reserved, nil
}

func (c *fakeInventoryClient) Release(ctx context.Context, reservationID string) error {
	c.released = reservationID
	return nil
}

type fakePartnerClient struct {
	bookErr   error
	booking   BookingOutput
	cancelled string
}

func (c *fakePartnerClient) Book(ctx context.Context, req BookingRequest) (BookingOutput, error) {
	if c.bookErr != nil {
		return BookingOutput{}, c.bookErr
	}
	return c.booking, nil
}

func (c *fakePartnerClient) Cancel(ctx context.Context, bookingID string) error {
	c.cancelled = bookingID
	return nil
}

func testSagaData() json.RawMessage {
	raw, _ := json.Marshal(orderSagaData{
		Items:    []domain.LineItem{{ItemID: "i1", Quantity: 2, UnitPrice: 5, Total: 10}},
		Delivery: domain.DeliveryLocation{Lat: 1, Lng: 2, Address: "123 Main St"},
		Priority: domain.PriorityNormal,
	})
	return raw
}

func TestReserveInventoryExecuteReturnsReservation(t *testing.T) {
	client := &fakeInventoryClient{reserved: ReservationOutput{ReservationID: "res-1"}}
	step := NewReserveInventory(client)

	out, err := step.Execute(context.Background(), StepContext{AggregateID: "order-1", Data: testSagaData()})
	require.NoError(t, err)

	var got ReservationOutput
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, "res-1", got.ReservationID)
	require.False(t, got.Expiry.IsZero())
}

func TestReserveInventoryExecutePropagatesClientError(t *testing.T) {
	client := &fakeInventoryClient{reserveErr: errors.New("no stock")}
	step := NewReserveInventory(client)

	_, err := step.Execute(context.Background(), StepContext{AggregateID: "order-1", Data: testSagaData()})
	require.Error(t, err)
}

func TestReserveInventoryCompensateReleasesReservation(t *testing.T) {
	client := &fakeInventoryClient{}
	step := NewReserveInventory(client)

	data, _ := json.Marshal(ReservationOutput{ReservationID: "res-1"})
	err := step.Compensate(context.Background(), StepContext{}, data)
	require.NoError(t, err)
	require.Equal(t, "res-1", client.released)
}

func TestReserveInventoryCompensateNoopOnEmptyData(t *testing.T) {
	client := &fakeInventoryClient{}
	step := NewReserveInventory(client)

	err := step.Compensate(context.Background(), StepContext{}, nil)
	require.NoError(t, err)
	require.Empty(t, client.released)
}

func TestBookPartnerExecuteReturnsBooking(t *testing.T) {
	estimated := time.Now().Add(time.Hour)
	client := &fakePartnerClient{booking: BookingOutput{BookingID: "bk-1", EstimatedDelivery: estimated}}
	step := NewBookPartner(client)

	out, err := step.Execute(context.Background(), StepContext{AggregateID: "order-1", Data: testSagaData()})
	require.NoError(t, err)

	var got BookingOutput
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, "bk-1", got.BookingID)
}

func TestBookPartnerCompensateCancelsBooking(t *testing.T) {
	client := &fakePartnerClient{}
	step := NewBookPartner(client)

	data, _ := json.Marshal(BookingOutput{BookingID: "bk-1"})
	err := step.Compensate(context.Background(), StepContext{}, data)
	require.NoError(t, err)
	require.Equal(t, "bk-1", client.cancelled)
}

func testOrder() *domain.Order {
	return domain.NewOrder("cust-1", "rest-1",
		[]domain.LineItem{{ItemID: "i1", Quantity: 1, UnitPrice: 10, Total: 10}},
		domain.DeliveryLocation{Address: "123 Main St"}, 1, 2, domain.PriorityNormal)
}

func TestConfirmOrderExecuteConfirmsAndAppendsEvents(t *testing.T) {
	order := testOrder()
	orderRepo := newFakeOrderRepo(order)
	outboxRepo := &fakeOutboxRepo{}
	writer := outbox.NewWriter(outboxRepo)
	db := newMockDB(t, 1)

	step := NewConfirmOrder(orderRepo, writer, db)
	booking, _ := json.Marshal(BookingOutput{EstimatedDelivery: time.Now().Add(30 * time.Minute)})

	out, err := step.Execute(context.Background(), StepContext{AggregateID: order.ID, Previous: booking})
	require.NoError(t, err)

	var got ConfirmOutput
	require.NoError(t, json.Unmarshal(out, &got))
	require.NotEmpty(t, got.TrackingCode)
	require.Contains(t, got.TrackingCode, "TRK-")

	updated, err := orderRepo.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderConfirmed, updated.Status)

	require.ElementsMatch(t, []string{
		domain.EventOrderConfirmed,
		domain.EventSendOrderConfirmation,
		domain.EventNotifyRestaurantOrderConfirmed,
	}, outboxRepo.eventTypes())
}

func TestConfirmOrderExecuteFallsBackOnMissingEstimate(t *testing.T) {
	order := testOrder()
	orderRepo := newFakeOrderRepo(order)
	writer := outbox.NewWriter(&fakeOutboxRepo{})
	db := newMockDB(t, 1)

	step := NewConfirmOrder(orderRepo, writer, db)
	out, err := step.Execute(context.Background(), StepContext{AggregateID: order.ID})
	require.NoError(t, err)

	var got ConfirmOutput
	require.NoError(t, json.Unmarshal(out, &got))
	require.True(t, got.EstimatedAt.After(time.Now().Add(40*time.Minute)))
}

func TestConfirmOrderCompensateRevertsOrder(t *testing.T) {
	order := testOrder()
	require.NoError(t, order.Confirm("TRK-OLD", time.Now().Add(time.Hour)))
	orderRepo := newFakeOrderRepo(order)
	outboxRepo := &fakeOutboxRepo{}
	writer := outbox.NewWriter(outboxRepo)
	db := newMockDB(t, 1)

	step := NewConfirmOrder(orderRepo, writer, db)
	err := step.Compensate(context.Background(), StepContext{AggregateID: order.ID, FailureReason: "partner unavailable"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	updated, err := orderRepo.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPending, updated.Status)
	require.Equal(t, "partner unavailable", updated.FailureReason)
	require.Equal(t, []string{domain.EventOrderConfirmationReverted}, outboxRepo.eventTypes())
}
