package domain

import "github.com/shopspring/decimal"

// Coupon is an applied coupon. Basis records the selection it was validated against; a coupon
// whose basis differs from the live selection contributes no discount.
type Coupon struct {
	Code     string
	Discount decimal.Decimal
	Message  string
	Basis    string
	Revision uint64
}

// PriceBreakdown splits the subtotal of a selection into discount, wallet and gateway parts.
// PayableToGateway + WalletContribution + Discount always equals Subtotal.
type PriceBreakdown struct {
	Subtotal           decimal.Decimal
	Discount           decimal.Decimal
	WalletContribution decimal.Decimal
	PayableToGateway   decimal.Decimal
	WalletBalance      decimal.Decimal
	UseWallet          bool
	CouponCode         string
}

// RequiresGateway reports whether an external payment session is needed.
func (p PriceBreakdown) RequiresGateway() bool {
	return p.PayableToGateway.IsPositive()
}

// Rounded returns the breakdown rounded to the minor unit for display. Subtotal, discount and
// wallet contribution are rounded individually and the gateway share is derived from them, so the
// parts still add up to the rounded subtotal.
func (p PriceBreakdown) Rounded() PriceBreakdown {
	subtotal := RoundMoney(p.Subtotal)
	discount := ClampMoney(RoundMoney(p.Discount), subtotal)
	remainder := subtotal.Sub(discount)
	wallet := ClampMoney(RoundMoney(p.WalletContribution), remainder)

	out := p
	out.Subtotal = subtotal
	out.Discount = discount
	out.WalletContribution = wallet
	out.PayableToGateway = remainder.Sub(wallet)
	out.WalletBalance = RoundMoney(p.WalletBalance)
	return out
}
