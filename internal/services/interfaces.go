package services

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

// CartAPI reads and mutates the customer's cart.
type CartAPI interface {
	Cart(ctx context.Context) (domain.CartSnapshot, error)
	UpdateCartItem(ctx context.Context, variantID string, quantity int) error
	RemoveCartItem(ctx context.Context, variantID string) error
}

// PreviewAPI prices a candidate selection with an optional coupon.
type PreviewAPI interface {
	Preview(ctx context.Context, couponCode string, variantIDs []string) (marketplace.Preview, error)
}

// CouponCatalog lists coupon offers.
type CouponCatalog interface {
	Coupons(ctx context.Context) ([]domain.CouponOffer, error)
}

// OrderCreator submits orders.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req marketplace.CreateOrderRequest) (marketplace.CreateOrderResponse, error)
}

// CheckoutSessionCreator opens hosted gateway pages.
type CheckoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, orderID, idempotencyKey string) (string, error)
}

// PaymentAPI confirms gateway sessions.
type PaymentAPI interface {
	VerifyPayment(ctx context.Context, orderID, sessionID string) (domain.Order, error)
	ConfirmTopUp(ctx context.Context, sessionID string) (marketplace.TopUpConfirmation, error)
}

// OrderReader fetches orders.
type OrderReader interface {
	Order(ctx context.Context, orderID string) (domain.Order, error)
	Orders(ctx context.Context) ([]domain.Order, error)
}

// OrderMutator performs customer-initiated order transitions.
type OrderMutator interface {
	CancelOrder(ctx context.Context, orderID string) error
	RequestReturn(ctx context.Context, orderID string, req marketplace.ReturnRequest) error
}

// WalletAPI reads the wallet and starts top-ups.
type WalletAPI interface {
	Wallet(ctx context.Context) (domain.Wallet, error)
	StartTopUp(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// Marketplace is every collaborator call the storefront makes. *marketplace.Client implements it.
type Marketplace interface {
	CartAPI
	PreviewAPI
	CouponCatalog
	OrderCreator
	CheckoutSessionCreator
	PaymentAPI
	OrderReader
	OrderMutator
	WalletAPI
}

var _ Marketplace = (*marketplace.Client)(nil)

// Logger is the structured event hook used across services.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}
