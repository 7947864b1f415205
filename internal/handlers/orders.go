package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// OrderHandlers exposes order history, order detail and the customer's order actions.
type OrderHandlers struct {
	actions *services.OrderActions
	tracker *services.StatusTracker
	present presenter
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderTracker keeps non-terminal orders polled while the customer views them.
func WithOrderTracker(tracker *services.StatusTracker) OrderOption {
	return func(h *OrderHandlers) {
		h.tracker = tracker
	}
}

// WithOrderFormatter renders amounts in the store currency and locale.
func WithOrderFormatter(f *format.Formatter) OrderOption {
	return func(h *OrderHandlers) {
		h.present.formatter = f
	}
}

// NewOrderHandlers constructs order handlers.
func NewOrderHandlers(actions *services.OrderActions, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{actions: actions}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Delete("/{orderID}/watch", h.stopWatching)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/return", h.requestReturn)
}

type returnRequest struct {
	Reason       string `json:"reason"`
	RefundTarget string `json:"refundTarget"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.actions == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	_, ok := requireCustomer(w, r)
	return ok
}

// load fetches the order named in the path through the marketplace, which enforces ownership.
func (h *OrderHandlers) load(w http.ResponseWriter, r *http.Request) (domain.Order, bool) {
	if !h.available(w, r) {
		return domain.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.actions.Get(r.Context(), orderID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return domain.Order{}, false
	}
	return order, true
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	orders, err := h.actions.List(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	resp := orderListResponse{Orders: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, h.present.order(order, false))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.load(w, r)
	if !ok {
		return
	}
	payload := h.present.order(order, true)
	if h.tracker != nil && !h.present.lifecycle.IsTerminal(order.Status) {
		if _, err := h.tracker.View(r.Context(), order.ID, &order); err == nil {
			payload.Tracking = true
		}
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) stopWatching(w http.ResponseWriter, r *http.Request) {
	order, ok := h.load(w, r)
	if !ok {
		return
	}
	if h.tracker != nil {
		h.tracker.Unview(order.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.load(w, r)
	if !ok {
		return
	}
	updated, err := h.actions.Cancel(r.Context(), order)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	h.nudge(updated.ID)
	writeJSONResponse(w, http.StatusOK, h.present.order(updated, true))
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	order, ok := h.load(w, r)
	if !ok {
		return
	}
	var req returnRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	target, ok := domain.ParseRefundTarget(req.RefundTarget)
	if !ok {
		writeServiceError(r.Context(), w, services.ErrInvalidRefundTarget)
		return
	}
	updated, err := h.actions.RequestReturn(r.Context(), order, req.Reason, target)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	h.nudge(updated.ID)
	writeJSONResponse(w, http.StatusOK, h.present.order(updated, true))
}

func (h *OrderHandlers) nudge(orderID string) {
	if h.tracker != nil {
		h.tracker.Nudge(orderID)
	}
}
