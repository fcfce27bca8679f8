// Package httpapi implements the order platform's inbound HTTP surface:
// order CRUD, cancellation, event history and saga status, all proxied
// to by the gateway's request router.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"orderctl/pkg/apperror"
	"orderctl/pkg/audit"
	"orderctl/pkg/database"
	"orderctl/pkg/domain"
	"orderctl/pkg/logger"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
	"orderctl/pkg/saga"
	"orderctl/services/orchestrator-svc/internal/sagadefs"
)

// Handler wires the order and saga HTTP routes to the coordinator and
// the repositories backing the read side.
type Handler struct {
	db          database.DB
	orders      repository.OrderRepository
	sagas       repository.SagaRepository
	outboxEvts  repository.OutboxRepository
	writer      *outbox.Writer
	coordinator *saga.Coordinator
	audit       audit.Logger
	gateway     string
}

func NewHandler(db database.DB, orders repository.OrderRepository, sagas repository.SagaRepository, outboxEvts repository.OutboxRepository, writer *outbox.Writer, coordinator *saga.Coordinator, auditLogger audit.Logger) *Handler {
	return &Handler{
		db:          db,
		orders:      orders,
		sagas:       sagas,
		outboxEvts:  outboxEvts,
		writer:      writer,
		coordinator: coordinator,
		audit:       auditLogger,
		gateway:     "osc",
	}
}

// Register mounts every route this handler serves onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/orders", h.handleOrdersCollection)
	mux.HandleFunc("/api/v1/orders/", h.handleOrdersItem)
	mux.HandleFunc("/api/v1/sagas/", h.handleSagaItem)
}

type createOrderRequest struct {
	CustomerID   string                  `json:"customerId"`
	RestaurantID string                  `json:"restaurantId"`
	Items        []domain.LineItem       `json:"items"`
	Delivery     domain.DeliveryLocation `json:"delivery"`
	Tax          float64                 `json:"tax"`
	DeliveryFee  float64                 `json:"deliveryFee"`
	Priority     domain.OrderPriority    `json:"priority"`
}

func (h *Handler) handleOrdersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createOrder(w, r)
	case http.MethodGet:
		h.listOrders(w, r)
	default:
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "method not allowed"))
	}
}

// createOrder is POST /orders. With an Idempotency-Key header, an order
// already stored under that key is returned instead of creating a second
// one; the lookup matches on the key alone, not on the customer.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "invalid request body"))
		return
	}
	if req.CustomerID == "" || req.RestaurantID == "" || len(req.Items) == 0 {
		h.writeError(w, r, apperror.NewWithField(apperror.CodeValidation, "customerId, restaurantId and items are required", "items"))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if existing, err := h.orders.GetByIdempotencyKey(r.Context(), idemKey); err == nil {
			h.writeJSON(w, http.StatusOK, existing)
			return
		} else if err != repository.ErrOrderNotFound {
			h.writeError(w, r, apperror.Wrap(err, apperror.CodeInternal, "failed to check idempotency key"))
			return
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	order := domain.NewOrder(req.CustomerID, req.RestaurantID, req.Items, req.Delivery, req.Tax, req.DeliveryFee, priority)
	order.IdempotencyKey = idemKey

	err := database.WithTransaction(r.Context(), h.db, func(tx pgx.Tx) error {
		if err := h.orders.CreateTx(r.Context(), tx, order); err != nil {
			return err
		}
		_, err := h.writer.Append(r.Context(), tx, domain.EventOrderCreated, order.ID, "Order", order)
		return err
	})
	if err != nil {
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInternal, "failed to create order"))
		return
	}

	if _, err := h.coordinator.StartSaga(r.Context(), sagadefs.OrderSagaType, order.ID, "order", order); err != nil {
		logger.Log.Error("httpapi: failed to start order saga", "order_id", order.ID, "error", err)
	}

	h.auditLog(r, audit.ActionCreate, audit.OutcomeSuccess, order.ID, nil)
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customerId")
	if customerID == "" {
		h.writeError(w, r, apperror.NewWithField(apperror.CodeValidation, "customerId query parameter is required", "customerId"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	orders, err := h.orders.List(r.Context(), customerID, limit, offset)
	if err != nil {
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInternal, "failed to list orders"))
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// handleOrdersItem dispatches every /api/v1/orders/{id}[/...] route.
func (h *Handler) handleOrdersItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "order id is required"))
		return
	}
	orderID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getOrder(w, r, orderID)
	case len(parts) == 1 && r.Method == http.MethodPut:
		h.updateOrder(w, r, orderID)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		h.getOrderStatus(w, r, orderID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.cancelOrder(w, r, orderID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		h.getOrderEvents(w, r, orderID)
	default:
		h.writeError(w, r, apperror.New(apperror.CodeNotFound, "route not found"))
	}
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) getOrderStatus(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"orderId":      order.ID,
		"status":       order.Status,
		"trackingCode": order.TrackingCode,
		"estimatedAt":  order.EstimatedAt,
		"version":      order.Version,
	})
}

type updateOrderRequest struct {
	Delivery *domain.DeliveryLocation `json:"delivery,omitempty"`
	Priority domain.OrderPriority     `json:"priority,omitempty"`
	Version  int                      `json:"version"`
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "invalid request body"))
		return
	}

	order, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}

	if req.Delivery != nil {
		order.Delivery = *req.Delivery
	}
	if req.Priority != "" {
		order.Priority = req.Priority
	}

	if err := h.orders.Update(r.Context(), order, req.Version); err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}
	h.auditLog(r, audit.ActionUpdate, audit.OutcomeSuccess, order.ID, nil)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}

	expectedVersion := order.Version
	if err := order.Cancel(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.orders.Update(r.Context(), order, expectedVersion); err != nil {
		h.writeError(w, r, translateOrderErr(err))
		return
	}

	h.auditLog(r, audit.ActionUpdate, audit.OutcomeSuccess, order.ID, map[string]any{"action": "cancel"})
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) getOrderEvents(w http.ResponseWriter, r *http.Request, orderID string) {
	events, err := h.outboxEvts.ListByAggregate(r.Context(), orderID, 0)
	if err != nil {
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInternal, "failed to list order events"))
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// handleSagaItem is GET /sagas/{id}: the saga-status monitoring surface.
// A Failed (quarantined) saga is audited as a READ so a human looking
// at it leaves a trace.
func (h *Handler) handleSagaItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "method not allowed"))
		return
	}
	sagaID := strings.TrimPrefix(r.URL.Path, "/api/v1/sagas/")
	if sagaID == "" {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "saga id is required"))
		return
	}

	s, err := h.sagas.GetByID(r.Context(), sagaID)
	if err != nil {
		if err == repository.ErrSagaNotFound {
			h.writeError(w, r, apperror.New(apperror.CodeNotFound, "saga not found"))
			return
		}
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInternal, "failed to load saga"))
		return
	}

	if s.Status == domain.SagaFailed {
		h.auditLog(r, audit.ActionRead, audit.OutcomeSuccess, s.ID, map[string]any{"quarantined": true})
	}

	h.writeJSON(w, http.StatusOK, s)
}

func translateOrderErr(err error) error {
	switch err {
	case repository.ErrOrderNotFound:
		return apperror.New(apperror.CodeNotFound, "order not found")
	case repository.ErrVersionConflict:
		return apperror.New(apperror.CodeConflict, "order was modified concurrently, reload and retry")
	default:
		return apperror.Wrap(err, apperror.CodeInternal, "order operation failed")
	}
}

func (h *Handler) auditLog(r *http.Request, action audit.Action, outcome audit.Outcome, resourceID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	b := audit.NewEntry().
		Service("orchestrator-svc").
		Method(r.Method + " " + r.URL.Path).
		Action(action).
		Outcome(outcome).
		Resource("order", resourceID)
	for k, v := range meta {
		b = b.Meta(k, v)
	}
	if err := h.audit.Log(r.Context(), b.Build()); err != nil {
		logger.Log.Warn("httpapi: failed to write audit entry", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := apperror.NewEnvelope(err, r.URL.Path, r.Method, r.Header.Get("X-Correlation-ID"), h.gateway)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
