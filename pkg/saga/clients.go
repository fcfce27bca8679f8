package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"orderctl/pkg/apperror"
	"orderctl/pkg/circuitbreaker"
	"orderctl/pkg/discovery"
	"orderctl/pkg/domain"
)

// InventoryClient is the ReserveInventory step's collaborator: the
// inventory/capacity service. Its internal storage is out of scope
// here; only its call contract matters to the saga step.
type InventoryClient interface {
	Reserve(ctx context.Context, orderID string, items []domain.LineItem) (ReservationOutput, error)
	Release(ctx context.Context, reservationID string) error
}

// ReservationOutput is ReserveInventory's step data payload.
type ReservationOutput struct {
	ReservationID string         `json:"reservationId"`
	Quantities    map[string]int `json:"quantities"`
	Expiry        time.Time      `json:"expiry"`
}

// PartnerClient is the BookPartner step's collaborator: it requests the
// optimiser for a channel recommendation and books the chosen delivery
// partner. The optimiser itself is a remote black box -- this client
// only shapes the request/response around that boundary.
type PartnerClient interface {
	Book(ctx context.Context, req BookingRequest) (BookingOutput, error)
	Cancel(ctx context.Context, bookingID string) error
}

type BookingRequest struct {
	OrderID  string             `json:"orderId"`
	Delivery domain.DeliveryLocation `json:"delivery"`
	Priority domain.OrderPriority    `json:"priority"`
}

// BookingOutput is BookPartner's step data payload; ConfirmOrder reads
// EstimatedDelivery from it as the prior step's output.
type BookingOutput struct {
	BookingID          string    `json:"bookingId"`
	PartnerID          string    `json:"partnerId"`
	ChannelID          string    `json:"channelId"`
	EstimatedPickup    time.Time `json:"estimatedPickup"`
	EstimatedDelivery  time.Time `json:"estimatedDelivery"`
	Fee                float64   `json:"fee"`
	Commission         float64   `json:"commission"`
	OptimisationScore  float64   `json:"optimisationScore"`
}

// httpInventoryClient and httpPartnerClient are thin REST clients that
// reuse the same circuit-breaker/service-discovery stack as the router,
// since an outbound saga-step call is just as exposed to a flaky
// downstream as a proxied request is.
type httpInventoryClient struct {
	service string
	breaker *circuitbreaker.Registry
	disc    *discovery.Registry
	http    *http.Client
}

func NewInventoryClient(service string, breaker *circuitbreaker.Registry, disc *discovery.Registry, timeout time.Duration) InventoryClient {
	return &httpInventoryClient{service: service, breaker: breaker, disc: disc, http: &http.Client{Timeout: timeout}}
}

func (c *httpInventoryClient) Reserve(ctx context.Context, orderID string, items []domain.LineItem) (ReservationOutput, error) {
	var out ReservationOutput
	body, err := json.Marshal(map[string]any{"orderId": orderID, "items": items})
	if err != nil {
		return out, err
	}
	result, err := c.breaker.Execute(c.service, func() (any, error) {
		return c.doJSON(ctx, http.MethodPost, "/reservations", body)
	})
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(result.([]byte), &out)
}

func (c *httpInventoryClient) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	_, err := c.breaker.Execute(c.service, func() (any, error) {
		return c.doJSON(ctx, http.MethodDelete, "/reservations/"+reservationID, nil)
	})
	return err
}

func (c *httpInventoryClient) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return doJSONRequest(ctx, c.http, c.disc, c.service, method, path, body)
}

type httpPartnerClient struct {
	service string
	breaker *circuitbreaker.Registry
	disc    *discovery.Registry
	http    *http.Client
}

func NewPartnerClient(service string, breaker *circuitbreaker.Registry, disc *discovery.Registry, timeout time.Duration) PartnerClient {
	return &httpPartnerClient{service: service, breaker: breaker, disc: disc, http: &http.Client{Timeout: timeout}}
}

func (c *httpPartnerClient) Book(ctx context.Context, req BookingRequest) (BookingOutput, error) {
	var out BookingOutput
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	result, err := c.breaker.Execute(c.service, func() (any, error) {
		return doJSONRequest(ctx, c.http, c.disc, c.service, http.MethodPost, "/bookings", body)
	})
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(result.([]byte), &out)
}

func (c *httpPartnerClient) Cancel(ctx context.Context, bookingID string) error {
	if bookingID == "" {
		return nil
	}
	_, err := c.breaker.Execute(c.service, func() (any, error) {
		return doJSONRequest(ctx, c.http, c.disc, c.service, http.MethodDelete, "/bookings/"+bookingID, nil)
	})
	return err
}

// doJSONRequest resolves service through discovery, issues the request,
// and classifies non-2xx/network failures into the apperror taxonomy so
// the circuit breaker sees a consistent failure signal.
func doJSONRequest(ctx context.Context, client *http.Client, disc *discovery.Registry, service, method, path string, body []byte) ([]byte, error) {
	url, degraded, ok := disc.Resolve(service)
	if !ok {
		return nil, apperror.New(apperror.CodeNetwork, "no endpoint registered for service").
			WithDetails(map[string]any{"service": service})
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if degraded {
		req.Header.Set("X-Degraded-Mode", "true")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperror.New(apperror.CodeNetwork, fmt.Sprintf("calling %s: %v", service, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, apperror.New(apperror.CodeUpstream5xx, fmt.Sprintf("%s returned %d", service, resp.StatusCode)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	if resp.StatusCode >= 400 {
		return nil, apperror.New(apperror.CodeConflict, fmt.Sprintf("%s rejected request with %d", service, resp.StatusCode)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return data, nil
}
