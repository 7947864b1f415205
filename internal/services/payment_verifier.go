package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

const defaultTopUpRedirectDelay = 3 * time.Second

// TopUpResult reports a confirmed wallet top-up. RedirectAfter tells the client how long to show
// the confirmation before returning to the wallet.
type TopUpResult struct {
	AmountAdded   decimal.Decimal
	RedirectAfter time.Duration
}

// PaymentVerifierDeps wires the payment verifier.
type PaymentVerifierDeps struct {
	Payments           PaymentAPI
	OrderHistoryURL    string
	TopUpRedirectDelay time.Duration
	Metrics            *Metrics
	Logger             Logger
}

// PaymentVerifier confirms gateway sessions after the customer returns from the hosted page.
// Each confirmation is attempted once; failures point the customer at their order history.
type PaymentVerifier struct {
	payments      PaymentAPI
	historyTmpl   string
	redirectDelay time.Duration
	metrics       *Metrics
	logger        Logger
}

// NewPaymentVerifier constructs a PaymentVerifier.
func NewPaymentVerifier(deps PaymentVerifierDeps) (*PaymentVerifier, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment verifier: payment api is required")
	}
	delay := deps.TopUpRedirectDelay
	if delay <= 0 {
		delay = defaultTopUpRedirectDelay
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &PaymentVerifier{
		payments:      deps.Payments,
		historyTmpl:   deps.OrderHistoryURL,
		redirectDelay: delay,
		metrics:       deps.Metrics,
		logger:        logger,
	}, nil
}

// VerifyOrderPayment confirms the gateway session of an order and returns the order as settled by
// the marketplace.
func (v *PaymentVerifier) VerifyOrderPayment(ctx context.Context, orderID, sessionID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	sessionID = strings.TrimSpace(sessionID)
	fail := func(err error) (domain.Order, error) {
		v.metrics.gatewayFailure(ctx, "verify")
		v.logger(ctx, "payment.verify.failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return domain.Order{}, &VerificationError{
			OrderID:     orderID,
			FallbackURL: OrderHistoryURL(v.historyTmpl, orderID),
			Err:         err,
		}
	}
	if orderID == "" || sessionID == "" {
		return fail(errors.New("order id and session id are required"))
	}

	order, err := v.payments.VerifyPayment(ctx, orderID, sessionID)
	if err != nil {
		return fail(err)
	}
	v.logger(ctx, "payment.verified", map[string]any{"orderId": orderID, "status": string(order.Status)})
	return order, nil
}

// ConfirmTopUp credits a wallet top-up session.
func (v *PaymentVerifier) ConfirmTopUp(ctx context.Context, sessionID string) (TopUpResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TopUpResult{}, fmt.Errorf("%w: session id is required", ErrTopUpFailed)
	}
	confirmation, err := v.payments.ConfirmTopUp(ctx, sessionID)
	if err != nil {
		v.metrics.gatewayFailure(ctx, "top_up")
		v.logger(ctx, "wallet.topup.confirm_failed", map[string]any{"sessionId": sessionID, "error": err.Error()})
		return TopUpResult{}, fmt.Errorf("%w: %w", ErrTopUpFailed, err)
	}
	v.logger(ctx, "wallet.topup.confirmed", map[string]any{"amount": confirmation.AmountAdded.String()})
	return TopUpResult{AmountAdded: confirmation.AmountAdded, RedirectAfter: v.redirectDelay}, nil
}
