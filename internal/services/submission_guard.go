package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

// SubmissionOutcome tells the caller what happens after the order was created.
type SubmissionOutcome string

const (
	// SubmissionCompleted means the order was fully paid by wallet and coupon.
	SubmissionCompleted SubmissionOutcome = "completed"
	// SubmissionAwaitingPayment means a gateway handoff is required.
	SubmissionAwaitingPayment SubmissionOutcome = "awaiting_payment"
)

// SubmitCommand carries the state of a checkout at the moment the customer places the order.
// Eligibility is the selector's verdict on the selection; nil means it can be submitted.
type SubmitCommand struct {
	Address     domain.Address
	Selection   domain.SelectionSnapshot
	Eligibility error
	CouponCode  string
	UseWallet   bool
	Pricing     domain.PriceBreakdown
}

// SubmitResult is the created order as reported by the marketplace.
type SubmitResult struct {
	OrderID     string
	Outcome     SubmissionOutcome
	Pricing     domain.PriceBreakdown
	SubmittedAt time.Time
}

// NeedsPayment reports whether a gateway handoff must follow.
func (r SubmitResult) NeedsPayment() bool {
	return r.Outcome == SubmissionAwaitingPayment
}

// SubmissionGuardDeps wires the submission guard.
type SubmissionGuardDeps struct {
	Orders         OrderCreator
	IdempotencyKey string
	Metrics        *Metrics
	Clock          func() time.Time
	Logger         Logger
}

// SubmissionGuard sends at most one order creation per checkout session. A submit that arrives
// while another is in flight is dropped; a submit after success returns the first result.
type SubmissionGuard struct {
	orders  OrderCreator
	key     string
	metrics *Metrics
	now     func() time.Time
	logger  Logger

	inFlight atomic.Bool

	mu     sync.Mutex
	result *SubmitResult
}

// NewSubmissionGuard constructs a guard. A ULID idempotency key is generated when none is given.
func NewSubmissionGuard(deps SubmissionGuardDeps) (*SubmissionGuard, error) {
	if deps.Orders == nil {
		return nil, errors.New("submission guard: order creator is required")
	}
	key := strings.TrimSpace(deps.IdempotencyKey)
	if key == "" {
		key = ulid.Make().String()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &SubmissionGuard{
		orders:  deps.Orders,
		key:     key,
		metrics: deps.Metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// IdempotencyKey returns the key sent with every order creation of this session.
func (g *SubmissionGuard) IdempotencyKey() string {
	return g.key
}

// InFlight reports whether a submission is currently being sent.
func (g *SubmissionGuard) InFlight() bool {
	return g.inFlight.Load()
}

// Result returns the remembered result of a successful submission.
func (g *SubmissionGuard) Result() (SubmitResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.result == nil {
		return SubmitResult{}, false
	}
	return *g.result, true
}

// Submit validates cmd and creates the order.
func (g *SubmissionGuard) Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error) {
	if result, ok := g.Result(); ok {
		return result, nil
	}
	if cmd.Address.IsZero() {
		return SubmitResult{}, ErrMissingAddress
	}
	if cmd.Selection.Empty() {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidSelection, ErrEmptySelection)
	}
	if cmd.Eligibility != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidSelection, cmd.Eligibility)
	}

	if !g.inFlight.CompareAndSwap(false, true) {
		g.metrics.duplicate(ctx)
		g.logger(ctx, "checkout.submit.duplicate", map[string]any{"idempotencyKey": g.key})
		return SubmitResult{}, ErrDuplicateSubmission
	}
	defer g.inFlight.Store(false)

	if result, ok := g.Result(); ok {
		return result, nil
	}

	resp, err := g.orders.CreateOrder(ctx, marketplace.CreateOrderRequest{
		ShippingAddress: cmd.Address,
		UseWallet:       cmd.UseWallet,
		CouponCode:      cmd.CouponCode,
		VariantIDs:      cmd.Selection.VariantIDs,
		IdempotencyKey:  g.key,
	})
	if err != nil {
		g.metrics.submission(ctx, "failed")
		g.logger(ctx, "checkout.submit.failed", map[string]any{"idempotencyKey": g.key, "error": err.Error()})
		if apiErr, ok := marketplace.AsAPIError(err); ok && apiErr.Status == http.StatusConflict {
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrStockUnavailable, err)
		}
		return SubmitResult{}, fmt.Errorf("checkout: create order: %w", err)
	}

	outcome := SubmissionCompleted
	if resp.NeedsPayment {
		outcome = SubmissionAwaitingPayment
	}
	result := SubmitResult{
		OrderID:     resp.OrderID,
		Outcome:     outcome,
		Pricing:     cmd.Pricing,
		SubmittedAt: g.now(),
	}

	g.mu.Lock()
	g.result = &result
	g.mu.Unlock()

	g.metrics.submission(ctx, string(outcome))
	g.logger(ctx, "checkout.submit.created", map[string]any{
		"orderId":      result.OrderID,
		"needsPayment": resp.NeedsPayment,
	})
	return result, nil
}
