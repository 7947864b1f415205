package services

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var errStubNotConfigured = errors.New("stub: not configured")

type stubMarketplace struct {
	mu sync.Mutex

	cartFunc          func(context.Context) (domain.CartSnapshot, error)
	updateItemFunc    func(context.Context, string, int) error
	removeItemFunc    func(context.Context, string) error
	previewFunc       func(context.Context, string, []string) (marketplace.Preview, error)
	couponsFunc       func(context.Context) ([]domain.CouponOffer, error)
	createOrderFunc   func(context.Context, marketplace.CreateOrderRequest) (marketplace.CreateOrderResponse, error)
	checkoutFunc      func(context.Context, string, string) (string, error)
	verifyFunc        func(context.Context, string, string) (domain.Order, error)
	confirmTopUpFunc  func(context.Context, string) (marketplace.TopUpConfirmation, error)
	orderFunc         func(context.Context, string) (domain.Order, error)
	ordersFunc        func(context.Context) ([]domain.Order, error)
	cancelFunc        func(context.Context, string) error
	returnFunc        func(context.Context, string, marketplace.ReturnRequest) error
	walletFunc        func(context.Context) (domain.Wallet, error)
	startTopUpFunc    func(context.Context, decimal.Decimal, string) (string, error)
	calls             map[string]int
}

func (s *stubMarketplace) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name]++
}

func (s *stubMarketplace) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubMarketplace) Cart(ctx context.Context) (domain.CartSnapshot, error) {
	s.record("cart")
	if s.cartFunc == nil {
		return domain.CartSnapshot{}, errStubNotConfigured
	}
	return s.cartFunc(ctx)
}

func (s *stubMarketplace) UpdateCartItem(ctx context.Context, variantID string, quantity int) error {
	s.record("updateItem")
	if s.updateItemFunc == nil {
		return nil
	}
	return s.updateItemFunc(ctx, variantID, quantity)
}

func (s *stubMarketplace) RemoveCartItem(ctx context.Context, variantID string) error {
	s.record("removeItem")
	if s.removeItemFunc == nil {
		return nil
	}
	return s.removeItemFunc(ctx, variantID)
}

func (s *stubMarketplace) Preview(ctx context.Context, code string, ids []string) (marketplace.Preview, error) {
	s.record("preview")
	if s.previewFunc == nil {
		return marketplace.Preview{}, errStubNotConfigured
	}
	return s.previewFunc(ctx, code, ids)
}

func (s *stubMarketplace) Coupons(ctx context.Context) ([]domain.CouponOffer, error) {
	s.record("coupons")
	if s.couponsFunc == nil {
		return nil, nil
	}
	return s.couponsFunc(ctx)
}

func (s *stubMarketplace) CreateOrder(ctx context.Context, req marketplace.CreateOrderRequest) (marketplace.CreateOrderResponse, error) {
	s.record("createOrder")
	if s.createOrderFunc == nil {
		return marketplace.CreateOrderResponse{}, errStubNotConfigured
	}
	return s.createOrderFunc(ctx, req)
}

func (s *stubMarketplace) CreateCheckoutSession(ctx context.Context, orderID, key string) (string, error) {
	s.record("checkoutSession")
	if s.checkoutFunc == nil {
		return "", errStubNotConfigured
	}
	return s.checkoutFunc(ctx, orderID, key)
}

func (s *stubMarketplace) VerifyPayment(ctx context.Context, orderID, sessionID string) (domain.Order, error) {
	s.record("verify")
	if s.verifyFunc == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.verifyFunc(ctx, orderID, sessionID)
}

func (s *stubMarketplace) ConfirmTopUp(ctx context.Context, sessionID string) (marketplace.TopUpConfirmation, error) {
	s.record("confirmTopUp")
	if s.confirmTopUpFunc == nil {
		return marketplace.TopUpConfirmation{}, errStubNotConfigured
	}
	return s.confirmTopUpFunc(ctx, sessionID)
}

func (s *stubMarketplace) Order(ctx context.Context, orderID string) (domain.Order, error) {
	s.record("order")
	if s.orderFunc == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.orderFunc(ctx, orderID)
}

func (s *stubMarketplace) Orders(ctx context.Context) ([]domain.Order, error) {
	s.record("orders")
	if s.ordersFunc == nil {
		return nil, nil
	}
	return s.ordersFunc(ctx)
}

func (s *stubMarketplace) CancelOrder(ctx context.Context, orderID string) error {
	s.record("cancel")
	if s.cancelFunc == nil {
		return nil
	}
	return s.cancelFunc(ctx, orderID)
}

func (s *stubMarketplace) RequestReturn(ctx context.Context, orderID string, req marketplace.ReturnRequest) error {
	s.record("return")
	if s.returnFunc == nil {
		return nil
	}
	return s.returnFunc(ctx, orderID, req)
}

func (s *stubMarketplace) Wallet(ctx context.Context) (domain.Wallet, error) {
	s.record("wallet")
	if s.walletFunc == nil {
		return domain.Wallet{}, nil
	}
	return s.walletFunc(ctx)
}

func (s *stubMarketplace) StartTopUp(ctx context.Context, amount decimal.Decimal, key string) (string, error) {
	s.record("startTopUp")
	if s.startTopUpFunc == nil {
		return "", errStubNotConfigured
	}
	return s.startTopUpFunc(ctx, amount, key)
}

func cartOf(lines ...domain.CartLine) domain.CartSnapshot {
	return domain.CartSnapshot{Lines: lines}
}

func line(id string, qty int, price string, stock int) domain.CartLine {
	return domain.CartLine{
		VariantID:      id,
		ProductID:      "p-" + id,
		ProductName:    "Product " + id,
		VendorID:       "vendor-1",
		Quantity:       qty,
		UnitPrice:      dec(price),
		AvailableStock: stock,
	}
}

func selectionOf(snapshot domain.CartSnapshot, revision uint64, ids ...string) domain.SelectionSnapshot {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return domain.SelectionSnapshot{
		VariantIDs: sorted,
		Basis:      domain.SelectionBasis(snapshot, sorted),
		Revision:   revision,
	}
}
