package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletTransactionType classifies wallet ledger entries.
type WalletTransactionType string

const (
	WalletTransactionTopUp      WalletTransactionType = "top_up"
	WalletTransactionDebit      WalletTransactionType = "debit"
	WalletTransactionRefund     WalletTransactionType = "refund"
	WalletTransactionWithdrawal WalletTransactionType = "withdrawal"
)

// WalletTransactionStatus is the settlement state of a ledger entry.
type WalletTransactionStatus string

const (
	WalletTransactionPending   WalletTransactionStatus = "pending"
	WalletTransactionCompleted WalletTransactionStatus = "completed"
	WalletTransactionFailed    WalletTransactionStatus = "failed"
)

// WalletTransaction is a signed ledger entry. Completed entries never change.
type WalletTransaction struct {
	ID          string
	Amount      decimal.Decimal
	Type        WalletTransactionType
	Status      WalletTransactionStatus
	Description string
	CreatedAt   time.Time
}

// Wallet is the customer's balance with recent transactions.
type Wallet struct {
	Balance      decimal.Decimal
	Transactions []WalletTransaction
}

// DiscountType distinguishes flat and percentage coupons.
type DiscountType string

const (
	DiscountTypeFlat       DiscountType = "flat"
	DiscountTypePercentage DiscountType = "percentage"
)

// CouponOffer is a coupon advertised to the customer. The discount it grants is always
// computed by the marketplace preview, never from these fields.
type CouponOffer struct {
	Code          string
	Description   string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	MinOrderValue decimal.Decimal
	MaxDiscount   decimal.Decimal
	ExpiresAt     *time.Time
}
