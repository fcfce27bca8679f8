package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans raised by the router, the saga
// coordinator and the outbox relay.
const (
	// Order
	AttrOrderID     = "order.id"
	AttrCustomerID  = "order.customer_id"
	AttrOrderStatus = "order.status"
	AttrOrderTotal  = "order.total"

	// Saga
	AttrSagaID     = "saga.id"
	AttrSagaType   = "saga.type"
	AttrSagaStatus = "saga.status"
	AttrSagaStep   = "saga.step"

	// Router
	AttrRouteService = "route.service"
	AttrRouteMethod  = "route.method"
	AttrRoutePath    = "route.path"
	AttrRouteStatus  = "route.status"
	AttrFromCache    = "route.from_cache"

	// Outbox
	AttrEventID        = "outbox.event_id"
	AttrEventType      = "outbox.event_type"
	AttrEventRetryCount = "outbox.retry_count"
)

// OrderAttributes returns the attributes a span covering an order
// operation should carry.
func OrderAttributes(orderID, customerID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrOrderID, orderID),
		attribute.String(AttrCustomerID, customerID),
		attribute.String(AttrOrderStatus, status),
	}
}

// SagaAttributes returns the attributes a span covering saga execution
// should carry.
func SagaAttributes(sagaID, sagaType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSagaID, sagaID),
		attribute.String(AttrSagaType, sagaType),
		attribute.String(AttrSagaStatus, status),
	}
}

// RouteAttributes returns the attributes a span covering a proxied
// request should carry.
func RouteAttributes(service, method, path string, status int, fromCache bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRouteService, service),
		attribute.String(AttrRouteMethod, method),
		attribute.String(AttrRoutePath, path),
		attribute.Int(AttrRouteStatus, status),
		attribute.Bool(AttrFromCache, fromCache),
	}
}

// OutboxEventAttributes returns the attributes a span covering a relay
// dispatch should carry.
func OutboxEventAttributes(eventID, eventType string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrEventID, eventID),
		attribute.String(AttrEventType, eventType),
		attribute.Int(AttrEventRetryCount, retryCount),
	}
}
