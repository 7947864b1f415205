package services

import (
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// PricingInput is everything needed to price a selection.
type PricingInput struct {
	Snapshot      domain.CartSnapshot
	Selection     domain.SelectionSnapshot
	Coupon        *domain.Coupon
	WalletBalance decimal.Decimal
	UseWallet     bool
}

// PricingEngine splits the price of a selection across coupon, wallet and gateway. It holds no
// state and performs no I/O.
type PricingEngine struct{}

// Price computes the breakdown at full precision. A coupon only counts when it was validated
// against the same selection basis, and its discount never exceeds the subtotal.
func (PricingEngine) Price(in PricingInput) domain.PriceBreakdown {
	subtotal := decimal.Zero
	for _, id := range in.Selection.VariantIDs {
		if line, ok := in.Snapshot.Line(id); ok {
			subtotal = subtotal.Add(line.Subtotal())
		}
	}

	discount := decimal.Zero
	couponCode := ""
	if c := in.Coupon; c != nil && c.Basis != "" && c.Basis == in.Selection.Basis {
		discount = domain.ClampMoney(c.Discount, subtotal)
		couponCode = c.Code
	}
	remainder := decimal.Max(subtotal.Sub(discount), decimal.Zero)

	wallet := decimal.Zero
	if in.UseWallet {
		wallet = domain.ClampMoney(in.WalletBalance, remainder)
	}

	return domain.PriceBreakdown{
		Subtotal:           subtotal,
		Discount:           discount,
		WalletContribution: wallet,
		PayableToGateway:   remainder.Sub(wallet),
		WalletBalance:      in.WalletBalance,
		UseWallet:          in.UseWallet,
		CouponCode:         couponCode,
	}
}
