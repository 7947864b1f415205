package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

const couponClearedNotice = "Your coupon no longer applies to the selected items and was removed."

// SelectionAction names a selection change requested by the customer.
type SelectionAction string

const (
	SelectionToggle      SelectionAction = "toggle"
	SelectionSelect      SelectionAction = "select"
	SelectionDeselect    SelectionAction = "deselect"
	SelectionSelectAll   SelectionAction = "select_all"
	SelectionDeselectAll SelectionAction = "deselect_all"
)

// CheckoutView is a consistent read of a checkout session.
type CheckoutView struct {
	ID            string
	Lines         []domain.CartLine
	Selection     domain.SelectionSnapshot
	Eligible      bool
	Ineligible    []domain.CartLine
	Coupon        *domain.Coupon
	CouponNotice  string
	Pricing       domain.PriceBreakdown
	UseWallet     bool
	WalletBalance decimal.Decimal
	Address       domain.Address
	Submission    *CheckoutResult
	UpdatedAt     time.Time
}

// CheckoutResult is what the customer sees after placing the order. Handoff is set when the
// remaining balance goes to the gateway; FallbackURL is set when the handoff failed.
type CheckoutResult struct {
	Order       SubmitResult
	Handoff     *Handoff
	FallbackURL string
}

// CheckoutSessionDeps wires one checkout session.
type CheckoutSessionDeps struct {
	ID              string
	Owner           string
	Marketplace     Marketplace
	Feed            *CartFeed
	Tracker         *StatusTracker
	OrderHistoryURL string
	RequestTimeout  time.Duration
	Metrics         *Metrics
	Clock           func() time.Time
	Logger          Logger
}

// CheckoutSession composes selection, coupon, pricing, submission and payment handoff for one
// customer checkout. Its mutex is never held while the marketplace is called.
type CheckoutSession struct {
	id       string
	owner    string
	wallet   WalletAPI
	selector *CartSelector
	coupons  *CouponValidator
	pricing  PricingEngine
	guard    *SubmissionGuard
	handoff  *PaymentHandoff
	tracker  *StatusTracker
	timeout  time.Duration
	now      func() time.Time
	logger   Logger

	cartStale   atomic.Bool
	unsubscribe func()
	closeOnce   sync.Once

	mu            sync.Mutex
	loaded        bool
	address       domain.Address
	useWallet     bool
	walletBalance decimal.Decimal
	couponNotice  string
	result        *CheckoutResult
	handoffErr    error
	watching      string
	lastActive    time.Time
}

// NewCheckoutSession constructs a session. Load must be called before it is used.
func NewCheckoutSession(deps CheckoutSessionDeps) (*CheckoutSession, error) {
	if deps.Marketplace == nil {
		return nil, errors.New("checkout session: marketplace is required")
	}
	id := strings.TrimSpace(deps.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	selector, err := NewCartSelector(CartSelectorDeps{
		Cart:   deps.Marketplace,
		Feed:   deps.Feed,
		Owner:  deps.Owner,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponValidator(CouponValidatorDeps{
		Preview:   deps.Marketplace,
		Selection: selector.Snapshot,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	guard, err := NewSubmissionGuard(SubmissionGuardDeps{
		Orders:  deps.Marketplace,
		Metrics: deps.Metrics,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	handoff, err := NewPaymentHandoff(PaymentHandoffDeps{
		Sessions:        deps.Marketplace,
		OrderHistoryURL: deps.OrderHistoryURL,
		Metrics:         deps.Metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	s := &CheckoutSession{
		id:       id,
		owner:    deps.Owner,
		wallet:   deps.Marketplace,
		selector: selector,
		coupons:  coupons,
		guard:    guard,
		handoff:  handoff,
		tracker:  deps.Tracker,
		timeout:  timeout,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
	s.lastActive = s.now()
	if deps.Feed != nil {
		events, cancel := deps.Feed.Subscribe()
		s.unsubscribe = cancel
		go s.watchCart(events)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *CheckoutSession) ID() string { return s.id }

// Owner returns the identity of the customer the session belongs to.
func (s *CheckoutSession) Owner() string { return s.owner }

// IdempotencyKey returns the key attached to this session's order creation.
func (s *CheckoutSession) IdempotencyKey() string { return s.guard.IdempotencyKey() }

// LastActive returns when the session was last used.
func (s *CheckoutSession) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Load fetches the cart and wallet. The first load selects every purchasable line.
func (s *CheckoutSession) Load(ctx context.Context) (CheckoutView, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	if _, err := s.selector.Load(callCtx); err != nil {
		return CheckoutView{}, err
	}
	s.cartStale.Store(false)

	s.mu.Lock()
	first := !s.loaded
	s.loaded = true
	s.mu.Unlock()
	if first {
		s.selector.SelectAll()
	}

	s.refreshWallet(ctx)
	s.revalidateCoupon(ctx)
	return s.View(), nil
}

// Sync reloads the cart when another session of the same customer changed it.
func (s *CheckoutSession) Sync(ctx context.Context) error {
	if !s.cartStale.Load() {
		return nil
	}
	_, err := s.Load(ctx)
	return err
}

// UpdateSelection applies a selection change and revalidates the coupon.
func (s *CheckoutSession) UpdateSelection(ctx context.Context, action SelectionAction, variantID string) (CheckoutView, error) {
	s.touch()
	switch action {
	case SelectionToggle:
		if _, err := s.selector.Toggle(variantID); err != nil {
			return CheckoutView{}, err
		}
	case SelectionSelect:
		if err := s.selector.Select(variantID); err != nil {
			return CheckoutView{}, err
		}
	case SelectionDeselect:
		s.selector.Deselect(variantID)
	case SelectionSelectAll:
		s.selector.SelectAll()
	case SelectionDeselectAll:
		s.selector.DeselectAll()
	default:
		return CheckoutView{}, fmt.Errorf("%w: unknown selection action %q", ErrInvalidSelection, action)
	}
	s.revalidateCoupon(ctx)
	return s.View(), nil
}

// SetQuantity changes a line's quantity and revalidates the coupon.
func (s *CheckoutSession) SetQuantity(ctx context.Context, variantID string, quantity int) (CheckoutView, error) {
	s.touch()
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	if _, err := s.selector.SetQuantity(callCtx, variantID, quantity); err != nil {
		return CheckoutView{}, err
	}
	s.revalidateCoupon(ctx)
	return s.View(), nil
}

// RemoveLine deletes a line from the cart and revalidates the coupon.
func (s *CheckoutSession) RemoveLine(ctx context.Context, variantID string) (CheckoutView, error) {
	s.touch()
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	if _, err := s.selector.RemoveLine(callCtx, variantID); err != nil {
		return CheckoutView{}, err
	}
	s.revalidateCoupon(ctx)
	return s.View(), nil
}

// ApplyCoupon validates code against the current selection.
func (s *CheckoutSession) ApplyCoupon(ctx context.Context, code string) (CheckoutView, error) {
	s.touch()
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	if _, err := s.coupons.Apply(callCtx, code, s.selector.Snapshot()); err != nil {
		return CheckoutView{}, err
	}
	s.setNotice("")
	return s.View(), nil
}

// RemoveCoupon clears the applied coupon.
func (s *CheckoutSession) RemoveCoupon() CheckoutView {
	s.touch()
	s.coupons.Remove()
	s.setNotice("")
	return s.View()
}

// SetUseWallet toggles paying from the wallet balance first.
func (s *CheckoutSession) SetUseWallet(ctx context.Context, use bool) CheckoutView {
	s.touch()
	if use {
		s.refreshWallet(ctx)
	}
	s.mu.Lock()
	s.useWallet = use
	s.mu.Unlock()
	return s.View()
}

// SetAddress chooses the shipping address.
func (s *CheckoutSession) SetAddress(address domain.Address) CheckoutView {
	s.touch()
	s.mu.Lock()
	s.address = address
	s.mu.Unlock()
	return s.View()
}

// Price prices the current selection at full precision.
func (s *CheckoutSession) Price() domain.PriceBreakdown {
	s.mu.Lock()
	balance, useWallet := s.walletBalance, s.useWallet
	s.mu.Unlock()
	return s.pricing.Price(PricingInput{
		Snapshot:      s.selector.Cart(),
		Selection:     s.selector.Snapshot(),
		Coupon:        s.coupons.Applied(),
		WalletBalance: balance,
		UseWallet:     useWallet,
	})
}

// View returns the session state with pricing rounded for display.
func (s *CheckoutSession) View() CheckoutView {
	cart := s.selector.Cart()
	pricing := s.Price()

	s.mu.Lock()
	defer s.mu.Unlock()
	view := CheckoutView{
		ID:            s.id,
		Lines:         cart.Lines,
		Selection:     s.selector.Snapshot(),
		Eligible:      s.selector.IsCheckoutEligible(),
		Ineligible:    s.selector.Ineligible(),
		Coupon:        s.coupons.Applied(),
		CouponNotice:  s.couponNotice,
		Pricing:       pricing.Rounded(),
		UseWallet:     s.useWallet,
		WalletBalance: s.walletBalance,
		Address:       s.address,
		UpdatedAt:     s.lastActive,
	}
	if view.Coupon != nil && view.Coupon.Basis != view.Selection.Basis {
		view.Coupon = nil
	}
	if s.result != nil {
		result := *s.result
		view.Submission = &result
	}
	return view
}

// Submit places the order and, when a balance remains, opens the gateway. The order exists even
// when a GatewayInitError is returned; the result then carries the order-history fallback.
func (s *CheckoutSession) Submit(ctx context.Context) (CheckoutResult, error) {
	s.touch()

	s.mu.Lock()
	if s.result != nil {
		result, err := *s.result, s.handoffErr
		s.mu.Unlock()
		return result, err
	}
	address, useWallet := s.address, s.useWallet
	s.mu.Unlock()

	pricing := s.Price()
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	submitted, err := s.guard.Submit(callCtx, SubmitCommand{
		Address:     address,
		Selection:   s.selector.Snapshot(),
		Eligibility: s.selector.Eligibility(),
		CouponCode:  pricing.CouponCode,
		UseWallet:   useWallet,
		Pricing:     pricing,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	result := CheckoutResult{Order: submitted}
	var handoffErr error
	if submitted.NeedsPayment() {
		handoffCtx, cancelHandoff := s.callContext(ctx)
		handoff, err := s.handoff.Begin(handoffCtx, submitted.OrderID, s.guard.IdempotencyKey()+"-pay")
		cancelHandoff()
		if err != nil {
			handoffErr = err
			var gatewayErr *GatewayInitError
			if errors.As(err, &gatewayErr) {
				result.FallbackURL = gatewayErr.FallbackURL
			}
		} else {
			result.Handoff = &handoff
		}
	}

	s.mu.Lock()
	first := s.result == nil
	if first {
		s.result = &result
		s.handoffErr = handoffErr
	} else {
		result, handoffErr = *s.result, s.handoffErr
	}
	s.mu.Unlock()
	s.cartStale.Store(true)

	if first && s.tracker != nil {
		if _, err := s.tracker.Watch(ctx, submitted.OrderID, nil); err != nil {
			s.logger(ctx, "order.watch.failed", map[string]any{"orderId": submitted.OrderID, "error": err.Error()})
		} else {
			s.mu.Lock()
			s.watching = submitted.OrderID
			s.mu.Unlock()
		}
	}
	return result, handoffErr
}

// Close releases the session's cart subscription and its hold on the submitted order's poller.
// Pollers other viewers still rely on keep running.
func (s *CheckoutSession) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		watching := s.watching
		s.watching = ""
		s.mu.Unlock()
		if watching != "" && s.tracker != nil {
			s.tracker.Release(watching)
		}
	})
}

func (s *CheckoutSession) watchCart(events <-chan CartEvent) {
	for event := range events {
		if event.Source == any(s.selector) || event.Owner != s.owner {
			continue
		}
		s.cartStale.Store(true)
	}
}

func (s *CheckoutSession) revalidateCoupon(ctx context.Context) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	outcome, err := s.coupons.Revalidate(callCtx, s.selector.Snapshot())
	switch {
	case errors.Is(err, ErrStaleValidation):
		return
	case err != nil:
		s.logger(ctx, "checkout.coupon.revalidate_failed", map[string]any{"sessionId": s.id, "error": err.Error()})
		return
	case outcome.Cleared:
		s.setNotice(firstNonBlank(outcome.Message, couponClearedNotice))
	}
}

func (s *CheckoutSession) refreshWallet(ctx context.Context) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	wallet, err := s.wallet.Wallet(callCtx)
	if err != nil {
		s.logger(ctx, "checkout.wallet.fetch_failed", map[string]any{"sessionId": s.id, "error": err.Error()})
		return
	}
	s.mu.Lock()
	s.walletBalance = wallet.Balance
	s.mu.Unlock()
}

func (s *CheckoutSession) setNotice(notice string) {
	s.mu.Lock()
	s.couponNotice = notice
	s.mu.Unlock()
}

func (s *CheckoutSession) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

func (s *CheckoutSession) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
