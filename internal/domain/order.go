package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the order lifecycle states reported by the marketplace.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusConfirmed       OrderStatus = "CONFIRMED"
	OrderStatusPacked          OrderStatus = "PACKED"
	OrderStatusShipped         OrderStatus = "SHIPPED"
	OrderStatusOutForDelivery  OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusReturnRequested OrderStatus = "RETURN_REQUESTED"
	OrderStatusReturned        OrderStatus = "RETURNED"
	OrderStatusReturnRejected  OrderStatus = "RETURN_REJECTED"
)

// ParseOrderStatus normalises the marketplace's spelling ("out for delivery", "Cancelled",
// "canceled") into an OrderStatus.
func ParseOrderStatus(raw string) OrderStatus {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	if normalized == "CANCELED" {
		normalized = string(OrderStatusCancelled)
	}
	return OrderStatus(normalized)
}

// PaymentStatus is the state of the gateway leg of an order.
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusVerified  PaymentStatus = "verified"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// ParsePaymentStatus maps marketplace payment states onto PaymentStatus.
func ParsePaymentStatus(raw string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "verified", "paid", "completed", "succeeded", "success":
		return PaymentStatusVerified
	case "failed", "cancelled", "canceled", "expired":
		return PaymentStatusFailed
	default:
		return PaymentStatusInitiated
	}
}

// PaymentRecord describes how an order is paid. Wallet-only orders have no SessionRef.
type PaymentRecord struct {
	Provider   string
	SessionRef string
	Status     PaymentStatus
	Method     string
}

// Address is the shipping address snapshot attached to an order.
type Address struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// IsZero reports whether no address was chosen.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.ID) == "" && strings.TrimSpace(a.Line1) == ""
}

// OrderItem is the line snapshot captured at submission time.
type OrderItem struct {
	ProductID   string
	VariantID   string
	ProductName string
	VendorID    string
	Quantity    int
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
}

// OrderPricing is the pricing snapshot stored with an order.
type OrderPricing struct {
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	WalletUsed    decimal.Decimal
	PayableAmount decimal.Decimal
	CouponCode    string
}

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
	Note   string
}

// Order is owned by the marketplace; the storefront only reads it.
type Order struct {
	ID              string
	Items           []OrderItem
	ShippingAddress Address
	Pricing         OrderPricing
	Payment         PaymentRecord
	Status          OrderStatus
	StatusHistory   []StatusChange
	ReturnReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RefundTarget selects where a return refund is paid.
type RefundTarget string

const (
	RefundTargetWallet                RefundTarget = "WALLET"
	RefundTargetOriginalPaymentMethod RefundTarget = "ORIGINAL_PAYMENT_METHOD"
)

// ParseRefundTarget accepts the canonical names case-insensitively.
func ParseRefundTarget(raw string) (RefundTarget, bool) {
	switch RefundTarget(strings.ToUpper(strings.TrimSpace(raw))) {
	case RefundTargetWallet:
		return RefundTargetWallet, true
	case RefundTargetOriginalPaymentMethod, "CARD", "ORIGINAL":
		return RefundTargetOriginalPaymentMethod, true
	default:
		return "", false
	}
}
