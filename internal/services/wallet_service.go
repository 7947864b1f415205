package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

var (
	// ErrInvalidTopUpAmount is returned for non-positive top-up amounts.
	ErrInvalidTopUpAmount = errors.New("wallet: top-up amount must be positive")
	// ErrWalletUnavailable wraps failures while reading the wallet.
	ErrWalletUnavailable = errors.New("wallet: unavailable")
)

// WalletServiceDeps wires the wallet service.
type WalletServiceDeps struct {
	Wallet         WalletAPI
	Coupons        CouponCatalog
	Verifier       *PaymentVerifier
	RequestTimeout time.Duration
	Clock          func() time.Time
	Logger         Logger
}

// WalletService exposes the wallet overview, top-ups and the coupon offers shown next to them.
type WalletService struct {
	wallet   WalletAPI
	coupons  CouponCatalog
	verifier *PaymentVerifier
	timeout  time.Duration
	now      func() time.Time
	logger   Logger
}

// NewWalletService constructs a WalletService.
func NewWalletService(deps WalletServiceDeps) (*WalletService, error) {
	if deps.Wallet == nil {
		return nil, errors.New("wallet service: wallet api is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("wallet service: payment verifier is required")
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
	return &WalletService{
		wallet:   deps.Wallet,
		coupons:  deps.Coupons,
		verifier: deps.Verifier,
		timeout:  timeout,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Wallet returns the balance and transactions, newest first.
func (s *WalletService) Wallet(ctx context.Context) (domain.Wallet, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	wallet, err := s.wallet.Wallet(callCtx)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("%w: %w", ErrWalletUnavailable, err)
	}
	slices.SortStableFunc(wallet.Transactions, func(a, b domain.WalletTransaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return wallet, nil
}

// StartTopUp opens a gateway session crediting amount and returns its URL. An empty key gets a
// fresh ULID.
func (s *WalletService) StartTopUp(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return "", ErrInvalidTopUpAmount
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = ulid.Make().String()
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	redirect, err := s.wallet.StartTopUp(callCtx, amount, key)
	if err == nil && strings.TrimSpace(redirect) == "" {
		err = errors.New("gateway returned no checkout url")
	}
	if err != nil {
		s.logger(ctx, "wallet.topup.start_failed", map[string]any{"amount": amount.String(), "error": err.Error()})
		return "", fmt.Errorf("%w: %w", ErrTopUpFailed, err)
	}
	s.logger(ctx, "wallet.topup.started", map[string]any{"amount": amount.String()})
	return redirect, nil
}

// ConfirmTopUp credits a completed top-up session.
func (s *WalletService) ConfirmTopUp(ctx context.Context, sessionID string) (TopUpResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.verifier.ConfirmTopUp(callCtx, sessionID)
}

// Offers lists coupon offers that have not expired.
func (s *WalletService) Offers(ctx context.Context) ([]domain.CouponOffer, error) {
	if s.coupons == nil {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	offers, err := s.coupons.Coupons(callCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCouponValidationFailed, err)
	}
	now := s.now()
	return slices.DeleteFunc(offers, func(offer domain.CouponOffer) bool {
		return offer.ExpiresAt != nil && !offer.ExpiresAt.After(now)
	}), nil
}
