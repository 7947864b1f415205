// Package payments verifies payment service provider notifications and turns them into order
// status refreshes.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader is the header carrying Stripe's webhook signature.
const SignatureHeader = "Stripe-Signature"

const defaultTolerance = 5 * time.Minute

var (
	// ErrWebhookDisabled is returned when no signing secret is configured.
	ErrWebhookDisabled = errors.New("payments: webhook secret not configured")
	// ErrInvalidSignature is returned for payloads whose signature does not verify.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when the event object cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// Logger records webhook processing events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Nudger refreshes the tracked status of an order. It reports whether the order was being tracked.
type Nudger interface {
	Nudge(orderID string) bool
}

// Notification is the part of a verified event the storefront acts on.
type Notification struct {
	EventID string
	Type    string
	OrderID string
	// TopUp marks wallet top-up sessions, which have no order to refresh.
	TopUp bool
	// Nudged reports whether a tracked order was refreshed.
	Nudged bool
}

var handledEvents = map[stripe.EventType]bool{
	"checkout.session.completed":               true,
	"checkout.session.async_payment_succeeded": true,
	"checkout.session.async_payment_failed":    true,
	"checkout.session.expired":                 true,
	"payment_intent.succeeded":                 true,
	"payment_intent.payment_failed":            true,
	"charge.refunded":                          true,
}

// WebhookProcessorDeps wires the processor.
type WebhookProcessorDeps struct {
	Secret    string
	Tolerance time.Duration
	Orders    Nudger
	Logger    Logger
}

// WebhookProcessor verifies Stripe webhooks and nudges the status tracker of the referenced order.
// The marketplace remains the source of truth; the event only triggers an immediate re-fetch.
type WebhookProcessor struct {
	secret    string
	tolerance time.Duration
	orders    Nudger
	logger    Logger
}

// NewWebhookProcessor constructs a WebhookProcessor. An empty secret yields a processor that
// rejects every payload with ErrWebhookDisabled.
func NewWebhookProcessor(deps WebhookProcessorDeps) (*WebhookProcessor, error) {
	if deps.Orders == nil {
		return nil, errors.New("payments: order nudger is required")
	}
	tolerance := deps.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookProcessor{
		secret:    strings.TrimSpace(deps.Secret),
		tolerance: tolerance,
		orders:    deps.Orders,
		logger:    logger,
	}, nil
}

// Enabled reports whether a signing secret is configured.
func (p *WebhookProcessor) Enabled() bool {
	return p != nil && p.secret != ""
}

// Process verifies payload against signature and refreshes the referenced order. Unhandled event
// types are acknowledged without side effects.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (Notification, error) {
	if !p.Enabled() {
		return Notification{}, ErrWebhookDisabled
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.logger(ctx, "payments.webhook.rejected", map[string]any{"error": err.Error()})
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	note := Notification{EventID: event.ID, Type: string(event.Type)}
	if !handledEvents[event.Type] {
		p.logger(ctx, "payments.webhook.ignored", map[string]any{"eventId": event.ID, "type": note.Type})
		return note, nil
	}

	ref, err := decodeReference(event.Data)
	if err != nil {
		return note, err
	}
	note.OrderID = ref.orderID()
	note.TopUp = ref.isTopUp()
	if note.OrderID != "" && !note.TopUp {
		note.Nudged = p.orders.Nudge(note.OrderID)
	}
	p.logger(ctx, "payments.webhook.processed", map[string]any{
		"eventId": event.ID,
		"type":    note.Type,
		"orderId": note.OrderID,
		"topUp":   note.TopUp,
		"nudged":  note.Nudged,
	})
	return note, nil
}

type objectReference struct {
	Metadata          map[string]string `json:"metadata"`
	ClientReferenceID string            `json:"client_reference_id"`
}

func decodeReference(data *stripe.EventData) (objectReference, error) {
	var ref objectReference
	if data == nil || len(data.Raw) == 0 {
		return ref, ErrMalformedEvent
	}
	if err := json.Unmarshal(data.Raw, &ref); err != nil {
		return ref, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return ref, nil
}

func (r objectReference) orderID() string {
	for _, key := range []string{"order_id", "orderId"} {
		if id := strings.TrimSpace(r.Metadata[key]); id != "" {
			return id
		}
	}
	return strings.TrimSpace(r.ClientReferenceID)
}

func (r objectReference) isTopUp() bool {
	kind := strings.ToLower(strings.TrimSpace(r.Metadata["type"]))
	return kind == "wallet_top_up" || kind == "top_up"
}
