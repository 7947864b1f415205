package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

func TestPaymentHandoffBegin(t *testing.T) {
	stub := &stubMarketplace{
		checkoutFunc: func(_ context.Context, orderID, key string) (string, error) {
			if orderID != "ord_1" || key != "key-pay" {
				t.Fatalf("unexpected session request %s / %s", orderID, key)
			}
			return "https://pay.example.test/c/cs_1", nil
		},
	}
	handoff, err := NewPaymentHandoff(PaymentHandoffDeps{Sessions: stub})
	if err != nil {
		t.Fatalf("NewPaymentHandoff: %v", err)
	}

	got, err := handoff.Begin(context.Background(), " ord_1 ", "key-pay")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got.OrderID != "ord_1" || got.RedirectURL != "https://pay.example.test/c/cs_1" {
		t.Fatalf("unexpected handoff %+v", got)
	}
}

func TestPaymentHandoffFailurePointsToOrderHistory(t *testing.T) {
	cases := map[string]func(context.Context, string, string) (string, error){
		"gateway error": func(context.Context, string, string) (string, error) {
			return "", &marketplace.APIError{Status: 502, Message: "bad gateway"}
		},
		"empty url": func(context.Context, string, string) (string, error) {
			return "  ", nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			stub := &stubMarketplace{checkoutFunc: fn}
			handoff, err := NewPaymentHandoff(PaymentHandoffDeps{Sessions: stub, OrderHistoryURL: "/account/orders/{orderId}"})
			if err != nil {
				t.Fatalf("NewPaymentHandoff: %v", err)
			}
			_, err = handoff.Begin(context.Background(), "ord 7", "k")
			var initErr *GatewayInitError
			if !errors.As(err, &initErr) || !errors.Is(err, ErrGatewayInitFailed) {
				t.Fatalf("expected GatewayInitError, got %v", err)
			}
			if initErr.FallbackURL != "/account/orders/ord%207" {
				t.Fatalf("unexpected fallback %q", initErr.FallbackURL)
			}
			if stub.count("checkoutSession") != 1 {
				t.Fatal("the gateway session must be requested exactly once")
			}
		})
	}
}

func TestOrderHistoryURLDefaultsTemplate(t *testing.T) {
	if got := OrderHistoryURL("", "ord_1"); got != "/orders/ord_1" {
		t.Fatalf("OrderHistoryURL = %q", got)
	}
}

func TestPaymentVerifierVerifyOrderPayment(t *testing.T) {
	stub := &stubMarketplace{
		verifyFunc: func(_ context.Context, orderID, sessionID string) (domain.Order, error) {
			if sessionID != "cs_1" {
				return domain.Order{}, &marketplace.APIError{Status: 400, Message: "Session does not match order"}
			}
			return domain.Order{ID: orderID, Status: domain.OrderStatusConfirmed}, nil
		},
	}
	verifier, err := NewPaymentVerifier(PaymentVerifierDeps{Payments: stub})
	if err != nil {
		t.Fatalf("NewPaymentVerifier: %v", err)
	}
	ctx := context.Background()

	order, err := verifier.VerifyOrderPayment(ctx, "ord_1", "cs_1")
	if err != nil || order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("VerifyOrderPayment = %+v, %v", order, err)
	}

	_, err = verifier.VerifyOrderPayment(ctx, "ord_1", "cs_other")
	var verifyErr *VerificationError
	if !errors.As(err, &verifyErr) || verifyErr.FallbackURL != "/orders/ord_1" {
		t.Fatalf("expected VerificationError with fallback, got %v", err)
	}
	if got := UserMessage(err); got != "Session does not match order" {
		t.Fatalf("UserMessage = %q", got)
	}

	before := stub.count("verify")
	if _, err := verifier.VerifyOrderPayment(ctx, "ord_1", " "); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected verification failure for empty session, got %v", err)
	}
	if stub.count("verify") != before {
		t.Fatal("an empty session id must not reach the marketplace")
	}
}

func TestPaymentVerifierConfirmTopUp(t *testing.T) {
	stub := &stubMarketplace{
		confirmTopUpFunc: func(_ context.Context, sessionID string) (marketplace.TopUpConfirmation, error) {
			if sessionID == "cs_topup_1" {
				return marketplace.TopUpConfirmation{AmountAdded: dec("750")}, nil
			}
			return marketplace.TopUpConfirmation{}, errors.New("unknown session")
		},
	}
	verifier, err := NewPaymentVerifier(PaymentVerifierDeps{Payments: stub, TopUpRedirectDelay: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPaymentVerifier: %v", err)
	}

	result, err := verifier.ConfirmTopUp(context.Background(), "cs_topup_1")
	if err != nil {
		t.Fatalf("ConfirmTopUp: %v", err)
	}
	assertMoney(t, "amount added", result.AmountAdded, "750")
	if result.RedirectAfter != 5*time.Second {
		t.Fatalf("RedirectAfter = %s", result.RedirectAfter)
	}
	if _, err := verifier.ConfirmTopUp(context.Background(), "cs_nope"); !errors.Is(err, ErrTopUpFailed) {
		t.Fatalf("expected ErrTopUpFailed, got %v", err)
	}
}

func newTestWalletService(t *testing.T, stub *stubMarketplace, now time.Time) *WalletService {
	t.Helper()
	verifier, err := NewPaymentVerifier(PaymentVerifierDeps{Payments: stub})
	if err != nil {
		t.Fatalf("NewPaymentVerifier: %v", err)
	}
	svc, err := NewWalletService(WalletServiceDeps{
		Wallet:   stub,
		Coupons:  stub,
		Verifier: verifier,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewWalletService: %v", err)
	}
	return svc
}

func TestWalletServiceSortsTransactionsNewestFirst(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	stub := &stubMarketplace{
		walletFunc: func(context.Context) (domain.Wallet, error) {
			return domain.Wallet{
				Balance: dec("900"),
				Transactions: []domain.WalletTransaction{
					{ID: "t1", Amount: dec("1000"), Type: domain.WalletTransactionTopUp, CreatedAt: base},
					{ID: "t3", Amount: dec("200"), Type: domain.WalletTransactionRefund, CreatedAt: base.Add(2 * time.Hour)},
					{ID: "t2", Amount: dec("-300"), Type: domain.WalletTransactionDebit, CreatedAt: base.Add(time.Hour)},
				},
			}, nil
		},
	}
	svc := newTestWalletService(t, stub, base)

	wallet, err := svc.Wallet(context.Background())
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	var ids []string
	for _, txn := range wallet.Transactions {
		ids = append(ids, txn.ID)
	}
	if len(ids) != 3 || ids[0] != "t3" || ids[1] != "t2" || ids[2] != "t1" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestWalletServiceStartTopUp(t *testing.T) {
	var gotAmount decimal.Decimal
	var gotKey string
	stub := &stubMarketplace{
		startTopUpFunc: func(_ context.Context, amount decimal.Decimal, key string) (string, error) {
			gotAmount, gotKey = amount, key
			return "https://pay.example.test/c/cs_topup_1", nil
		},
	}
	svc := newTestWalletService(t, stub, time.Now())
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.001"} {
		if _, err := svc.StartTopUp(ctx, dec(amount), ""); !errors.Is(err, ErrInvalidTopUpAmount) {
			t.Fatalf("amount %s: expected ErrInvalidTopUpAmount, got %v", amount, err)
		}
	}
	if stub.count("startTopUp") != 0 {
		t.Fatal("invalid amounts must not reach the marketplace")
	}

	redirect, err := svc.StartTopUp(ctx, dec("499.995"), "")
	if err != nil {
		t.Fatalf("StartTopUp: %v", err)
	}
	if redirect != "https://pay.example.test/c/cs_topup_1" {
		t.Fatalf("unexpected redirect %q", redirect)
	}
	assertMoney(t, "top-up amount", gotAmount, "500")
	if gotKey == "" {
		t.Fatal("expected a generated idempotency key")
	}
}

func TestWalletServiceOffersDropExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	stub := &stubMarketplace{
		couponsFunc: func(context.Context) ([]domain.CouponOffer, error) {
			return []domain.CouponOffer{
				{Code: "OLD", ExpiresAt: &past},
				{Code: "OPEN"},
				{Code: "SOON", ExpiresAt: &future},
			}, nil
		},
	}
	svc := newTestWalletService(t, stub, now)

	offers, err := svc.Offers(context.Background())
	if err != nil {
		t.Fatalf("Offers: %v", err)
	}
	if len(offers) != 2 || offers[0].Code != "OPEN" || offers[1].Code != "SOON" {
		t.Fatalf("unexpected offers %+v", offers)
	}
}
