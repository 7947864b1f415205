package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

const defaultOrderHistoryURL = "/orders/{orderId}"

// Handoff is where the customer is sent to pay.
type Handoff struct {
	OrderID     string
	RedirectURL string
}

// PaymentHandoffDeps wires the payment handoff.
type PaymentHandoffDeps struct {
	Sessions        CheckoutSessionCreator
	OrderHistoryURL string
	Metrics         *Metrics
	Logger          Logger
}

// PaymentHandoff opens the hosted gateway page for an order that still has a balance to pay.
type PaymentHandoff struct {
	sessions    CheckoutSessionCreator
	historyTmpl string
	metrics     *Metrics
	logger      Logger
}

// NewPaymentHandoff constructs a PaymentHandoff.
func NewPaymentHandoff(deps PaymentHandoffDeps) (*PaymentHandoff, error) {
	if deps.Sessions == nil {
		return nil, errors.New("payment handoff: checkout session creator is required")
	}
	tmpl := strings.TrimSpace(deps.OrderHistoryURL)
	if tmpl == "" {
		tmpl = defaultOrderHistoryURL
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &PaymentHandoff{
		sessions:    deps.Sessions,
		historyTmpl: tmpl,
		metrics:     deps.Metrics,
		logger:      logger,
	}, nil
}

// Begin requests a gateway session for orderID. On failure the order stays CREATED and the
// returned GatewayInitError points the customer to the order in their history.
func (h *PaymentHandoff) Begin(ctx context.Context, orderID, idempotencyKey string) (Handoff, error) {
	orderID = strings.TrimSpace(orderID)
	redirect, err := h.sessions.CreateCheckoutSession(ctx, orderID, idempotencyKey)
	if err == nil && strings.TrimSpace(redirect) == "" {
		err = errors.New("gateway returned no checkout url")
	}
	if err != nil {
		h.metrics.gatewayFailure(ctx, "session")
		h.logger(ctx, "payment.handoff.failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return Handoff{}, &GatewayInitError{
			OrderID:     orderID,
			FallbackURL: h.OrderHistoryURL(orderID),
			Err:         err,
		}
	}
	h.logger(ctx, "payment.handoff.started", map[string]any{"orderId": orderID})
	return Handoff{OrderID: orderID, RedirectURL: redirect}, nil
}

// OrderHistoryURL renders the order-history location of orderID.
func (h *PaymentHandoff) OrderHistoryURL(orderID string) string {
	return OrderHistoryURL(h.historyTmpl, orderID)
}

// OrderHistoryURL substitutes orderID into tmpl's {orderId} placeholder.
func OrderHistoryURL(tmpl, orderID string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultOrderHistoryURL
	}
	return strings.ReplaceAll(tmpl, "{orderId}", url.PathEscape(orderID))
}
