package services

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

func TestPricingEngineScenarios(t *testing.T) {
	snapshot := cartOf(line("v1", 2, "400", 5), line("v2", 1, "400", 5), line("v3", 1, "999", 5))
	selection := selectionOf(snapshot, 1, "v1", "v2")
	coupon := &domain.Coupon{Code: "SAVE200", Discount: dec("200"), Basis: selection.Basis}

	tests := []struct {
		name      string
		input     PricingInput
		subtotal  string
		discount  string
		wallet    string
		payable   string
		gateway   bool
		couponKey string
	}{
		{
			name:      "coupon and partial wallet",
			input:     PricingInput{Snapshot: snapshot, Selection: selection, Coupon: coupon, WalletBalance: dec("500"), UseWallet: true},
			subtotal:  "1200",
			discount:  "200",
			wallet:    "500",
			payable:   "500",
			gateway:   true,
			couponKey: "SAVE200",
		},
		{
			name:      "wallet covers everything",
			input:     PricingInput{Snapshot: snapshot, Selection: selection, Coupon: coupon, WalletBalance: dec("2000"), UseWallet: true},
			subtotal:  "1200",
			discount:  "200",
			wallet:    "1000",
			payable:   "0",
			gateway:   false,
			couponKey: "SAVE200",
		},
		{
			name:     "wallet not used",
			input:    PricingInput{Snapshot: snapshot, Selection: selection, WalletBalance: dec("2000")},
			subtotal: "1200",
			discount: "0",
			wallet:   "0",
			payable:  "1200",
			gateway:  true,
		},
		{
			name: "coupon from another selection is ignored",
			input: PricingInput{
				Snapshot:  snapshot,
				Selection: selectionOf(snapshot, 2, "v1"),
				Coupon:    coupon,
			},
			subtotal: "800",
			discount: "0",
			wallet:   "0",
			payable:  "800",
			gateway:  true,
		},
		{
			name: "coupon validated before a price change is ignored",
			input: PricingInput{
				Snapshot:  cartOf(line("v1", 2, "350", 5), line("v2", 1, "400", 5), line("v3", 1, "999", 5)),
				Selection: selectionOf(cartOf(line("v1", 2, "350", 5), line("v2", 1, "400", 5)), 2, "v1", "v2"),
				Coupon:    coupon,
			},
			subtotal: "1100",
			discount: "0",
			wallet:   "0",
			payable:  "1100",
			gateway:  true,
		},
		{
			name: "discount larger than subtotal is clamped",
			input: PricingInput{
				Snapshot:      snapshot,
				Selection:     selection,
				Coupon:        &domain.Coupon{Code: "HUGE", Discount: dec("5000"), Basis: selection.Basis},
				WalletBalance: dec("100"),
				UseWallet:     true,
			},
			subtotal:  "1200",
			discount:  "1200",
			wallet:    "0",
			payable:   "0",
			gateway:   false,
			couponKey: "HUGE",
		},
		{
			name:     "negative balance contributes nothing",
			input:    PricingInput{Snapshot: snapshot, Selection: selection, WalletBalance: dec("-50"), UseWallet: true},
			subtotal: "1200",
			discount: "0",
			wallet:   "0",
			payable:  "1200",
			gateway:  true,
		},
		{
			name:     "empty selection",
			input:    PricingInput{Snapshot: snapshot, WalletBalance: dec("10"), UseWallet: true},
			subtotal: "0",
			discount: "0",
			wallet:   "0",
			payable:  "0",
			gateway:  false,
		},
	}

	var engine PricingEngine
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Price(tt.input)
			assertMoney(t, "subtotal", got.Subtotal, tt.subtotal)
			assertMoney(t, "discount", got.Discount, tt.discount)
			assertMoney(t, "wallet", got.WalletContribution, tt.wallet)
			assertMoney(t, "payable", got.PayableToGateway, tt.payable)
			if got.RequiresGateway() != tt.gateway {
				t.Fatalf("RequiresGateway() = %v, want %v", got.RequiresGateway(), tt.gateway)
			}
			if got.CouponCode != tt.couponKey {
				t.Fatalf("coupon code = %q, want %q", got.CouponCode, tt.couponKey)
			}
			sum := got.PayableToGateway.Add(got.WalletContribution).Add(got.Discount)
			if !sum.Equal(got.Subtotal) {
				t.Fatalf("parts %s do not add up to subtotal %s", sum, got.Subtotal)
			}
		})
	}
}

func TestPricingEngineFractionalAmountsStayExactAfterRounding(t *testing.T) {
	snapshot := cartOf(line("a", 3, "33.335", 5), line("b", 1, "0.005", 5))
	selection := selectionOf(snapshot, 1, "a", "b")
	got := PricingEngine{}.Price(PricingInput{
		Snapshot:      snapshot,
		Selection:     selection,
		Coupon:        &domain.Coupon{Code: "X", Discount: dec("10.125"), Basis: selection.Basis},
		WalletBalance: dec("45.555"),
		UseWallet:     true,
	})

	rounded := got.Rounded()
	sum := rounded.PayableToGateway.Add(rounded.WalletContribution).Add(rounded.Discount)
	if !sum.Equal(rounded.Subtotal) {
		t.Fatalf("rounded parts %s do not add up to %s", sum, rounded.Subtotal)
	}
	if rounded.Subtotal.Exponent() < -2 {
		t.Fatalf("subtotal not rounded: %s", rounded.Subtotal)
	}
}

func assertMoney(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s = %s, want %s", label, got, want)
	}
}
