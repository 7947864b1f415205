package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/httpx"
)

const maxWebhookBody = 64 * 1024

// WebhookHandlers receives payment provider notifications.
type WebhookHandlers struct {
	processor *payments.WebhookProcessor
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(processor *payments.WebhookProcessor) *WebhookHandlers {
	return &WebhookHandlers{processor: processor}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
	Nudged   bool   `json:"nudged"`
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.processor.Enabled() {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_disabled", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}
	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	note, err := h.processor.Process(ctx, body, r.Header.Get(payments.SignatureHeader))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrMalformedEvent):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook event could not be decoded", http.StatusBadRequest))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "webhook could not be processed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  note.EventID,
		OrderID:  note.OrderID,
		Nudged:   note.Nudged,
	})
}
