package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// PaymentHandlers handles the customer's return from the hosted payment page.
type PaymentHandlers struct {
	verifier *services.PaymentVerifier
	tracker  *services.StatusTracker
	present  presenter
}

// NewPaymentHandlers constructs payment return handlers. tracker may be nil.
func NewPaymentHandlers(verifier *services.PaymentVerifier, tracker *services.StatusTracker, formatter *format.Formatter) *PaymentHandlers {
	return &PaymentHandlers{verifier: verifier, tracker: tracker, present: presenter{formatter: formatter}}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/return", h.paymentReturn)
}

func (h *PaymentHandlers) paymentReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireCustomer(w, r); !ok {
		return
	}
	query := r.URL.Query()
	order, err := h.verifier.VerifyOrderPayment(ctx, query.Get("order_id"), query.Get("session_id"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if h.tracker != nil {
		h.tracker.Nudge(order.ID)
	}
	writeJSONResponse(w, http.StatusOK, h.present.order(order, true))
}
