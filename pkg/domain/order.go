// Package domain holds the aggregate types shared by the router, the saga
// coordinator and the outbox relay: Order, Saga and OutboxEvent.
package domain

import (
	"time"

	"github.com/google/uuid"

	"orderctl/pkg/apperror"
)

// OrderStatus is a position in the order lifecycle state graph.
type OrderStatus string

const (
	OrderPending        OrderStatus = "Pending"
	OrderConfirmed      OrderStatus = "Confirmed"
	OrderPreparing      OrderStatus = "Preparing"
	OrderReadyForPickup OrderStatus = "ReadyForPickup"
	OrderPickedUp       OrderStatus = "PickedUp"
	OrderInTransit      OrderStatus = "InTransit"
	OrderDelivered      OrderStatus = "Delivered"
	OrderCancelled      OrderStatus = "Cancelled"
	OrderFailed         OrderStatus = "Failed"
)

// OrderPriority is the delivery priority requested for an order.
type OrderPriority string

const (
	PriorityLow    OrderPriority = "Low"
	PriorityNormal OrderPriority = "Normal"
	PriorityHigh   OrderPriority = "High"
	PriorityUrgent OrderPriority = "Urgent"
)

// LineItem is one ordered product line.
type LineItem struct {
	ItemID    string  `json:"itemId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
	Notes     string  `json:"notes,omitempty"`
}

// DeliveryLocation is the drop-off point for an order.
type DeliveryLocation struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
	City    string  `json:"city,omitempty"`
	Postal  string  `json:"postal,omitempty"`
}

// Order is the aggregate root of the platform.
type Order struct {
	ID             string
	CustomerID     string
	RestaurantID   string
	Items          []LineItem
	Delivery       DeliveryLocation
	Subtotal       float64
	Tax            float64
	DeliveryFee    float64
	Total          float64
	Status         OrderStatus
	Priority       OrderPriority
	TrackingCode   string
	EstimatedAt    *time.Time
	DriverID       string
	FailureReason  string
	IdempotencyKey string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// orderTransitions enumerates the legal (from -> to) edges of the order
// status graph. Cancel and Failed are allowed from any non-terminal
// state and are checked separately in Cancel/Fail.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:        {OrderConfirmed},
	OrderConfirmed:      {OrderPreparing},
	OrderPreparing:      {OrderReadyForPickup},
	OrderReadyForPickup: {OrderPickedUp},
	OrderPickedUp:       {OrderInTransit},
	OrderInTransit:      {OrderDelivered},
}

func (o *Order) canTransitionTo(next OrderStatus) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// NewOrder builds a Pending order, computing totals from the given line
// items, tax and delivery fee. Total is rounded to the nearest cent.
func NewOrder(customerID, restaurantID string, items []LineItem, delivery DeliveryLocation, tax, deliveryFee float64, priority OrderPriority) *Order {
	var subtotal float64
	for _, it := range items {
		subtotal += it.Total
	}
	total := roundCents(subtotal + tax + deliveryFee)

	now := time.Now()
	return &Order{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		RestaurantID: restaurantID,
		Items:        items,
		Delivery:     delivery,
		Subtotal:     roundCents(subtotal),
		Tax:          roundCents(tax),
		DeliveryFee:  roundCents(deliveryFee),
		Total:        total,
		Status:       OrderPending,
		Priority:     priority,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Confirm transitions Pending -> Confirmed, stamping tracking code and
// estimated delivery time. Fails with Conflict if not currently Pending.
func (o *Order) Confirm(trackingCode string, estimatedAt time.Time) error {
	if o.Status != OrderPending {
		return apperror.New(apperror.CodeConflict, "order is not pending confirmation").
			WithField("status").WithDetails(map[string]any{"current": o.Status})
	}
	o.Status = OrderConfirmed
	o.TrackingCode = trackingCode
	o.EstimatedAt = &estimatedAt
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

// RevertConfirmation undoes Confirm as the ConfirmOrder step's
// compensation: back to Pending, tracking code cleared, failure recorded.
func (o *Order) RevertConfirmation(reason string) error {
	if o.Status != OrderConfirmed {
		return apperror.New(apperror.CodeConflict, "order is not confirmed, nothing to revert").
			WithField("status")
	}
	o.Status = OrderPending
	o.TrackingCode = ""
	o.EstimatedAt = nil
	o.FailureReason = reason
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

// Advance moves the order forward along the fulfillment graph
// (Confirmed -> Preparing -> ReadyForPickup -> PickedUp -> InTransit ->
// Delivered). Returns Conflict if next is not reachable from the current
// status.
func (o *Order) Advance(next OrderStatus) error {
	if !o.canTransitionTo(next) {
		return apperror.New(apperror.CodeConflict, "illegal order status transition").
			WithDetails(map[string]any{"from": o.Status, "to": next})
	}
	o.Status = next
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

// Cancel transitions to Cancelled. Rejected from Delivered or Cancelled.
func (o *Order) Cancel() error {
	if o.Status == OrderDelivered || o.Status == OrderCancelled {
		return apperror.New(apperror.CodeConflict, "order cannot be cancelled from its current status").
			WithDetails(map[string]any{"current": o.Status})
	}
	o.Status = OrderCancelled
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

// Fail marks the order Failed, recording the reason. Any saga step
// failure that exhausts compensation routes here.
func (o *Order) Fail(reason string) error {
	if o.Status == OrderDelivered || o.Status == OrderCancelled {
		return apperror.New(apperror.CodeConflict, "terminal order cannot be failed").
			WithDetails(map[string]any{"current": o.Status})
	}
	o.Status = OrderFailed
	o.FailureReason = reason
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}
