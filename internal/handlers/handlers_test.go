package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/storefront/internal/marketplace"
	"github.com/hanko-field/storefront/internal/marketplace/marketplacetest"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/services"
)

const (
	customerToken = "Bearer tok-customer-1"
	otherToken    = "Bearer tok-customer-2"
	webhookSecret = "whsec_handlers_test"
)

type testStack struct {
	srv     *marketplacetest.Server
	router  chi.Router
	tracker *services.StatusTracker
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	srv := marketplacetest.NewServer(t)
	client, err := marketplace.NewClient(srv.BaseURL(), marketplace.WithTimeout(2*time.Second))
	require.NoError(t, err)

	tracker, err := services.NewStatusTracker(services.StatusTrackerDeps{Orders: client, Interval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(tracker.Close)

	feed := services.NewCartFeed()
	t.Cleanup(feed.Close)

	registry, err := services.NewSessionRegistry(services.SessionRegistryDeps{
		Marketplace:     client,
		Feed:            feed,
		Tracker:         tracker,
		OrderHistoryURL: "/account/orders/{orderId}",
		RequestTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	actions, err := services.NewOrderActions(services.OrderActionsDeps{Orders: client, Mutations: client})
	require.NoError(t, err)
	verifier, err := services.NewPaymentVerifier(services.PaymentVerifierDeps{Payments: client, OrderHistoryURL: "/account/orders/{orderId}"})
	require.NoError(t, err)
	wallet, err := services.NewWalletService(services.WalletServiceDeps{Wallet: client, Coupons: client, Verifier: verifier})
	require.NoError(t, err)
	processor, err := payments.NewWebhookProcessor(payments.WebhookProcessorDeps{Secret: webhookSecret, Orders: tracker})
	require.NoError(t, err)

	formatter, err := format.New("INR", "en-IN")
	require.NoError(t, err)

	submitIdem := idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithOptionalKey())
	checkout := NewCheckoutHandlers(registry, WithSubmitMiddlewares(submitIdem), WithCheckoutFormatter(formatter))
	orders := NewOrderHandlers(actions, WithOrderTracker(tracker), WithOrderFormatter(formatter))
	walletHandlers := NewWalletHandlers(wallet, formatter)

	router := NewRouter(
		WithMiddlewares(observability.AuthForwardingMiddleware),
		WithCheckoutRoutes(checkout.Routes),
		WithOrderRoutes(orders.Routes),
		WithWalletRoutes(walletHandlers.Routes),
		WithCouponRoutes(walletHandlers.CouponRoutes),
		WithPaymentRoutes(NewPaymentHandlers(verifier, tracker, formatter).Routes),
		WithWebhookRoutes(NewWebhookHandlers(processor).Routes),
	)
	return &testStack{srv: srv, router: router, tracker: tracker}
}

func (s *testStack) seedCart() {
	s.srv.SetCart(
		marketplacetest.CartItem{VariantID: "v1", ProductID: "p1", ProductName: "Mug", VendorID: "s1", Quantity: 2, Price: dec("400"), Stock: 5},
		marketplacetest.CartItem{VariantID: "v2", ProductID: "p2", ProductName: "Lamp", VendorID: "s2", Quantity: 1, Price: dec("400"), Stock: 3},
	)
	s.srv.SetCoupon("SAVE200", marketplacetest.CouponRule{Discount: dec("200"), Valid: true, Message: "You saved ₹200"})
	s.srv.SetCoupon("SAVE10", marketplacetest.CouponRule{Valid: false, Message: "Expired"})
}

func (s *testStack) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (s *testStack) openSession(t *testing.T) checkoutPayload {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/checkout/sessions", customerToken, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[checkoutPayload](t, rr)
}

var shippingAddress = map[string]string{
	"id": "addr-1", "recipient": "Asha", "line1": "12 MG Road", "city": "Bengaluru", "postalCode": "560001", "country": "IN",
}

func TestCheckoutRequiresCredential(t *testing.T) {
	stack := newTestStack(t)
	rr := stack.do(t, http.MethodPost, "/api/v1/checkout/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCheckoutFlowSubmitsOnceAndHandsOff(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	stack.srv.SetWalletBalance(dec("500"))

	session := stack.openSession(t)
	require.Len(t, session.Lines, 2)
	assert.ElementsMatch(t, []string{"v1", "v2"}, session.Selected)
	assert.Equal(t, "1200.00", session.Pricing.Subtotal.Amount)
	assert.Equal(t, "₹1,200.00", session.Pricing.Subtotal.Display)
	base := "/api/v1/checkout/sessions/" + session.ID

	rr := stack.do(t, http.MethodPost, base+"/coupon", customerToken, map[string]string{"code": "SAVE200"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decodeBody[checkoutPayload](t, rr)
	require.NotNil(t, view.Coupon)
	assert.Equal(t, "200.00", view.Pricing.Discount.Amount)

	rr = stack.do(t, http.MethodPut, base+"/wallet", customerToken, map[string]bool{"useWallet": true})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = stack.do(t, http.MethodPut, base+"/address", customerToken, shippingAddress)
	require.Equal(t, http.StatusOK, rr.Code)
	view = decodeBody[checkoutPayload](t, rr)
	assert.Equal(t, "500.00", view.Pricing.WalletContribution.Amount)
	assert.Equal(t, "500.00", view.Pricing.PayableToGateway.Amount)

	rr = stack.do(t, http.MethodPost, base+"/submit", customerToken, nil, "Idempotency-Key", "tab-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	submitted := decodeBody[submissionPayload](t, rr)
	assert.Equal(t, "awaiting_payment", submitted.Outcome)
	assert.Equal(t, "https://pay.example.test/c/cs_test_"+submitted.OrderID, submitted.RedirectURL)

	replay := stack.do(t, http.MethodPost, base+"/submit", customerToken, nil, "Idempotency-Key", "tab-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get(idempotency.ReplayHeader))
	assert.JSONEq(t, rr.Body.String(), replay.Body.String())

	again := stack.do(t, http.MethodPost, base+"/submit", customerToken, nil)
	require.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, submitted.OrderID, decodeBody[submissionPayload](t, again).OrderID)

	assert.Equal(t, 1, stack.srv.OrderCount())
	assert.Equal(t, 1, stack.srv.Calls("POST /payment/create-checkout-session"))
	assert.Contains(t, stack.srv.AuthHeaders(), customerToken)
}

func TestCheckoutGatewayFailureReturnsFallback(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	stack.srv.FailCheckoutSession = true

	session := stack.openSession(t)
	base := "/api/v1/checkout/sessions/" + session.ID
	require.Equal(t, http.StatusOK, stack.do(t, http.MethodPut, base+"/address", customerToken, shippingAddress).Code)

	rr := stack.do(t, http.MethodPost, base+"/submit", customerToken, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	submitted := decodeBody[submissionPayload](t, rr)
	assert.Empty(t, submitted.RedirectURL)
	assert.Equal(t, "/account/orders/"+submitted.OrderID, submitted.FallbackURL)
	assert.NotEmpty(t, submitted.Message)

	order, ok := stack.srv.Order(submitted.OrderID)
	require.True(t, ok)
	assert.Equal(t, "CREATED", order.Status)
}

func TestCheckoutSubmitValidation(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)

	rr := stack.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+session.ID+"/submit", customerToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "missing_address", body["error"])
	assert.Equal(t, "Please choose a shipping address.", body["message"])
	assert.Zero(t, stack.srv.OrderCount())
}

func TestCheckoutCouponRejectionUsesMarketplaceReason(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)

	rr := stack.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+session.ID+"/coupon", customerToken, map[string]string{"code": "SAVE10"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "coupon_rejected", body["error"])
	assert.Equal(t, "Expired", body["message"])
}

func TestCheckoutInvalidCouponReplacesAppliedOne(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)
	base := "/api/v1/checkout/sessions/" + session.ID

	rr := stack.do(t, http.MethodPost, base+"/coupon", customerToken, map[string]string{"code": "SAVE200"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, decodeBody[checkoutPayload](t, rr).Coupon)

	rr = stack.do(t, http.MethodPost, base+"/coupon", customerToken, map[string]string{"code": "SAVE10"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = stack.do(t, http.MethodGet, base, customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decodeBody[checkoutPayload](t, rr)
	assert.Nil(t, view.Coupon)
	assert.Equal(t, "0.00", view.Pricing.Discount.Amount)
}

func TestCheckoutSelectionAndQuantity(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)
	base := "/api/v1/checkout/sessions/" + session.ID

	rr := stack.do(t, http.MethodPost, base+"/selection", customerToken, map[string]string{"action": "toggle", "variantId": "v2"})
	require.Equal(t, http.StatusOK, rr.Code)
	view := decodeBody[checkoutPayload](t, rr)
	assert.Equal(t, []string{"v1"}, view.Selected)
	assert.Equal(t, "800.00", view.Pricing.Subtotal.Amount)

	rr = stack.do(t, http.MethodPut, base+"/lines/v1", customerToken, map[string]int{"quantity": 9})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "stock_unavailable", decodeBody[map[string]any](t, rr)["error"])

	rr = stack.do(t, http.MethodPut, base+"/lines/v1", customerToken, map[string]int{"quantity": 3})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1200.00", decodeBody[checkoutPayload](t, rr).Pricing.Subtotal.Amount)

	rr = stack.do(t, http.MethodPost, base+"/selection", customerToken, map[string]string{"action": "toggle", "variantId": "nope"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCheckoutSessionsAreScopedToCustomer(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)
	path := "/api/v1/checkout/sessions/" + session.ID

	assert.Equal(t, http.StatusNotFound, stack.do(t, http.MethodGet, path, otherToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, stack.do(t, http.MethodDelete, path, otherToken, nil).Code)
	assert.Equal(t, http.StatusOK, stack.do(t, http.MethodGet, path, customerToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, stack.do(t, http.MethodDelete, path, customerToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, stack.do(t, http.MethodGet, path, customerToken, nil).Code)
}

func TestOrderCancelIsGatedLocally(t *testing.T) {
	stack := newTestStack(t)
	stack.srv.PutOrder(marketplacetest.Order{ID: "ord_shipped", Status: "SHIPPED", Subtotal: dec("800"), Payable: dec("800")})

	rr := stack.do(t, http.MethodPost, "/api/v1/orders/ord_shipped/cancel", customerToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "invalid_transition", decodeBody[map[string]any](t, rr)["error"])
	assert.Zero(t, stack.srv.Calls("POST /orders/:id/cancel"))
}

func TestOrderCancelAndDetail(t *testing.T) {
	stack := newTestStack(t)
	stack.srv.PutOrder(marketplacetest.Order{ID: "ord_new", Status: "CONFIRMED", Subtotal: dec("800"), Payable: dec("800")})

	rr := stack.do(t, http.MethodGet, "/api/v1/orders/ord_new", customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody[orderPayload](t, rr)
	assert.True(t, detail.Tracking)
	assert.Equal(t, []string{"cancel"}, detail.AllowedActions)
	assert.NotEmpty(t, detail.Timeline)

	rr = stack.do(t, http.MethodPost, "/api/v1/orders/ord_new/cancel", customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[orderPayload](t, rr).Status)

	assert.Equal(t, http.StatusNoContent, stack.do(t, http.MethodDelete, "/api/v1/orders/ord_new/watch", customerToken, nil).Code)
	_, tracked := stack.tracker.Poller("ord_new")
	assert.False(t, tracked)

	assert.Equal(t, http.StatusNotFound, stack.do(t, http.MethodGet, "/api/v1/orders/ord_missing", customerToken, nil).Code)
}

func TestOrderReturnValidation(t *testing.T) {
	stack := newTestStack(t)
	stack.srv.PutOrder(marketplacetest.Order{ID: "ord_done", Status: "DELIVERED", Subtotal: dec("800"), Payable: dec("800")})
	path := "/api/v1/orders/ord_done/return"

	rr := stack.do(t, http.MethodPost, path, customerToken, map[string]string{"reason": "Broken", "refundTarget": "bank"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = stack.do(t, http.MethodPost, path, customerToken, map[string]string{"reason": " ", "refundTarget": "WALLET"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "Please tell us why you are returning this order.", decodeBody[map[string]any](t, rr)["message"])

	rr = stack.do(t, http.MethodPost, path, customerToken, map[string]string{"reason": "Broken handle", "refundTarget": "ORIGINAL_PAYMENT_METHOD"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "RETURN_REQUESTED", decodeBody[orderPayload](t, rr).Status)
	order, _ := stack.srv.Order("ord_done")
	assert.True(t, order.RefundToCard)
}

func TestPaymentReturnVerifiesOrder(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()
	session := stack.openSession(t)
	base := "/api/v1/checkout/sessions/" + session.ID
	require.Equal(t, http.StatusOK, stack.do(t, http.MethodPut, base+"/address", customerToken, shippingAddress).Code)
	rr := stack.do(t, http.MethodPost, base+"/submit", customerToken, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	orderID := decodeBody[submissionPayload](t, rr).OrderID

	rr = stack.do(t, http.MethodGet, "/api/v1/payments/return?order_id="+orderID+"&session_id=cs_wrong", customerToken, nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	failure := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "/account/orders/"+orderID, failure["fallbackUrl"])

	rr = stack.do(t, http.MethodGet, "/api/v1/payments/return?order_id="+orderID+"&session_id=cs_test_"+orderID, customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	order := decodeBody[orderPayload](t, rr)
	assert.Equal(t, "CONFIRMED", order.Status)
	assert.Equal(t, "verified", order.PaymentStatus)
}

func TestWalletTopUpFlow(t *testing.T) {
	stack := newTestStack(t)
	stack.srv.SetWalletBalance(dec("100"))

	rr := stack.do(t, http.MethodPost, "/api/v1/wallet/top-ups", customerToken, map[string]string{"amount": "0"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = stack.do(t, http.MethodPost, "/api/v1/wallet/top-ups", customerToken, `{"amount":250}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "https://pay.example.test/c/cs_topup_1", decodeBody[topUpResponse](t, rr).RedirectURL)

	rr = stack.do(t, http.MethodGet, "/api/v1/wallet/top-ups/confirm?session_id=cs_topup_1", customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	confirmed := decodeBody[topUpConfirmResponse](t, rr)
	assert.Equal(t, "250.00", confirmed.AmountAdded.Amount)
	assert.Equal(t, int64(3000), confirmed.RedirectAfterMS)

	rr = stack.do(t, http.MethodGet, "/api/v1/wallet", customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	wallet := decodeBody[walletPayload](t, rr)
	assert.Equal(t, "350.00", wallet.Balance.Amount)
	require.Len(t, wallet.Transactions, 1)
	assert.Equal(t, "top_up", wallet.Transactions[0].Type)
}

func TestCouponOffers(t *testing.T) {
	stack := newTestStack(t)
	stack.seedCart()

	rr := stack.do(t, http.MethodGet, "/api/v1/coupons", customerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	offers := decodeBody[offersResponse](t, rr)
	assert.NotEmpty(t, offers.Coupons)
}

func TestStripeWebhookNudgesTrackedOrder(t *testing.T) {
	stack := newTestStack(t)
	stack.srv.PutOrder(marketplacetest.Order{ID: "ord_paid", Status: "CREATED", Subtotal: dec("800"), Payable: dec("800")})
	_, err := stack.tracker.Watch(context.Background(), "ord_paid", nil)
	require.NoError(t, err)

	body := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"order_id":"ord_paid"}}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(body), Secret: webhookSecret, Timestamp: time.Now()})

	rr := stack.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", string(signed.Payload), payments.SignatureHeader, signed.Header)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[webhookResponse](t, rr)
	assert.Equal(t, "ord_paid", resp.OrderID)
	assert.True(t, resp.Nudged)

	rr = stack.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", body, payments.SignatureHeader, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type ignoreNudges struct{}

func (ignoreNudges) Nudge(string) bool { return false }

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	processor, err := payments.NewWebhookProcessor(payments.WebhookProcessorDeps{Orders: ignoreNudges{}})
	require.NoError(t, err)
	router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(processor).Routes))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouterFallbacks(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "route_not_found", decodeBody[map[string]any](t, rr)["error"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestHealthProbes(t *testing.T) {
	ready := true
	health := NewHealthHandlers(WithReadinessCheck("marketplace", func(context.Context) error {
		if !ready {
			return errors.New("circuit open")
		}
		return nil
	}))
	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	ready = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"marketplace": "circuit open"}, body["checks"])
}
