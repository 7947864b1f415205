// Package marketplace is the HTTP client for the marketplace JSON API that owns carts, orders,
// payments and wallets.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxFailures  = 5
	defaultOpenTimeout  = 30 * time.Second
	maxResponseBytes    = 1 << 20
	idempotencyHeader   = "Idempotency-Key"
	requestIDHeader     = "X-Request-Id"
	breakerName         = "marketplace"
	contentTypeJSON     = "application/json"
	authorizationHeader = "Authorization"
)

var errServerStatus = errors.New("marketplace: server error")

// Client calls the marketplace API on behalf of the customer whose bearer token is on the context.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*rawResponse]
	logger  *zap.Logger
	clock   func() time.Time
}

type rawResponse struct {
	status int
	body   []byte
}

// Option customises the client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient  *http.Client
	timeout     time.Duration
	maxFailures int
	openTimeout time.Duration
	logger      *zap.Logger
	clock       func() time.Time
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreaker configures how many consecutive failures open the circuit and for how long.
func WithBreaker(maxFailures int, openTimeout time.Duration) Option {
	return func(o *clientOptions) {
		if maxFailures > 0 {
			o.maxFailures = maxFailures
		}
		if openTimeout > 0 {
			o.openTimeout = openTimeout
		}
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithClock overrides the time source used to stamp cart snapshots.
func WithClock(clock func() time.Time) Option {
	return func(o *clientOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewClient builds a client rooted at baseURL (for example https://market.example.com/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("marketplace: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("marketplace: invalid base url: %w", err)
	}

	options := clientOptions{
		timeout:     defaultTimeout,
		maxFailures: defaultMaxFailures,
		openTimeout: defaultOpenTimeout,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   options.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := options.logger
	maxFailures := uint32(options.maxFailures)
	breaker := gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     options.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
		clock:   options.clock,
	}, nil
}

// Ready reports ErrUnavailable while the circuit is open.
func (c *Client) Ready(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

// Cart fetches the customer's cart.
func (c *Client) Cart(ctx context.Context) (domain.CartSnapshot, error) {
	var payload cartPayload
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(nil, "cart"), nil, "", &payload); err != nil {
		return domain.CartSnapshot{}, err
	}
	return payload.toSnapshot(c.clock().UTC()), nil
}

// UpdateCartItem sets the quantity of a cart line.
func (c *Client) UpdateCartItem(ctx context.Context, variantID string, quantity int) error {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return fmt.Errorf("%w: variant id", ErrMissingID)
	}
	body := map[string]int{"quantity": quantity}
	return c.doJSON(ctx, http.MethodPut, c.endpoint(nil, "cart", "items", variantID), body, "", nil)
}

// RemoveCartItem deletes a cart line.
func (c *Client) RemoveCartItem(ctx context.Context, variantID string) error {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return fmt.Errorf("%w: variant id", ErrMissingID)
	}
	return c.doJSON(ctx, http.MethodDelete, c.endpoint(nil, "cart", "items", variantID), nil, "", nil)
}

// Coupons lists coupon offers available to the customer.
func (c *Client) Coupons(ctx context.Context) ([]domain.CouponOffer, error) {
	var payload couponsPayload
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(nil, "coupons"), nil, "", &payload); err != nil {
		return nil, err
	}
	offers := make([]domain.CouponOffer, 0, len(payload.Coupons))
	for _, offer := range payload.Coupons {
		offers = append(offers, offer.toDomain())
	}
	return offers, nil
}

// Preview prices a candidate selection, optionally with a coupon code.
func (c *Client) Preview(ctx context.Context, couponCode string, variantIDs []string) (Preview, error) {
	query := url.Values{}
	if code := strings.TrimSpace(couponCode); code != "" {
		query.Set("coupon_code", code)
	}
	query.Set("variant_ids", strings.Join(variantIDs, ","))

	var payload previewPayload
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(query, "checkout", "preview"), nil, "", &payload); err != nil {
		return Preview{}, err
	}
	return payload.toPreview(), nil
}

// CreateOrder submits the order. The idempotency key lets the marketplace collapse retries.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	body := createOrderPayload{
		ShippingAddress: addressToPayload(req.ShippingAddress),
		UseWallet:       req.UseWallet,
		CouponCode:      strings.ToUpper(strings.TrimSpace(req.CouponCode)),
		VariantIDs:      req.VariantIDs,
	}
	var payload createOrderResultPayload
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "orders"), body, req.IdempotencyKey, &payload); err != nil {
		return CreateOrderResponse{}, err
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		return CreateOrderResponse{}, errors.New("marketplace: order response missing order_id")
	}
	return CreateOrderResponse{OrderID: orderID, NeedsPayment: payload.PaymentInfo.NeedsPayment}, nil
}

// CreateCheckoutSession asks the gateway for a hosted checkout page for the order.
func (c *Client) CreateCheckoutSession(ctx context.Context, orderID, idempotencyKey string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", fmt.Errorf("%w: order id", ErrMissingID)
	}
	body := map[string]string{"orderId": orderID}
	var payload checkoutSessionPayload
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "payment", "create-checkout-session"), body, idempotencyKey, &payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(payload.URL), nil
}

// VerifyPayment confirms a gateway session and returns the settled order.
func (c *Client) VerifyPayment(ctx context.Context, orderID, sessionID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id", ErrMissingID)
	}
	query := url.Values{}
	query.Set("session_id", strings.TrimSpace(sessionID))
	raw, err := c.do(ctx, http.MethodGet, c.endpoint(query, "payment", "verify", orderID), nil, "")
	if err != nil {
		return domain.Order{}, err
	}
	order, err := decodeOrder(raw)
	if err != nil {
		return domain.Order{}, fmt.Errorf("marketplace: decode verified order: %w", err)
	}
	if order.ID == "" {
		order.ID = orderID
	}
	return order, nil
}

// Wallet fetches the wallet balance and transactions.
func (c *Client) Wallet(ctx context.Context) (domain.Wallet, error) {
	var payload walletPayload
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(nil, "wallet"), nil, "", &payload); err != nil {
		return domain.Wallet{}, err
	}
	return payload.toDomain(), nil
}

// StartTopUp creates a gateway session crediting amount to the wallet and returns its URL.
func (c *Client) StartTopUp(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	if !amount.IsPositive() {
		return "", errors.New("marketplace: top-up amount must be positive")
	}
	body := map[string]json.Number{"amount": json.Number(domain.RoundMoney(amount).String())}
	var payload checkoutSessionPayload
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "wallet", "top-up"), body, idempotencyKey, &payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(payload.URL), nil
}

// ConfirmTopUp confirms a wallet top-up gateway session.
func (c *Client) ConfirmTopUp(ctx context.Context, sessionID string) (TopUpConfirmation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TopUpConfirmation{}, fmt.Errorf("%w: session id", ErrMissingID)
	}
	var payload topUpConfirmPayload
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "wallet", "confirm-top-up", sessionID), nil, "", &payload); err != nil {
		return TopUpConfirmation{}, err
	}
	return TopUpConfirmation{AmountAdded: payload.AmountAdded}, nil
}

// Orders lists the customer's orders.
func (c *Client) Orders(ctx context.Context) ([]domain.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, c.endpoint(nil, "orders"), nil, "")
	if err != nil {
		return nil, err
	}
	orders, err := decodeOrders(raw)
	if err != nil {
		return nil, fmt.Errorf("marketplace: decode orders: %w", err)
	}
	return orders, nil
}

// Order fetches one order.
func (c *Client) Order(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id", ErrMissingID)
	}
	raw, err := c.do(ctx, http.MethodGet, c.endpoint(nil, "orders", orderID), nil, "")
	if err != nil {
		return domain.Order{}, err
	}
	order, err := decodeOrder(raw)
	if err != nil {
		return domain.Order{}, fmt.Errorf("marketplace: decode order: %w", err)
	}
	if order.ID == "" {
		order.ID = orderID
	}
	return order, nil
}

// CancelOrder requests cancellation. The caller re-fetches the order afterwards.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id", ErrMissingID)
	}
	return c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "orders", orderID, "cancel"), nil, "", nil)
}

// RequestReturn files a return request for a delivered order.
func (c *Client) RequestReturn(ctx context.Context, orderID string, req ReturnRequest) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id", ErrMissingID)
	}
	body := returnPayload{Reason: req.Reason, RefundToCard: req.RefundToCard}
	return c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "orders", orderID, "return"), body, "", nil)
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	endpoint := c.baseURL + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, idempotencyKey string, out any) error {
	raw, err := c.do(ctx, method, endpoint, body, idempotencyKey)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("marketplace: decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, idempotencyKey string) ([]byte, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marketplace: encode request: %w", err)
		}
		payload = encoded
	}

	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", contentTypeJSON)
		if payload != nil {
			req.Header.Set("Content-Type", contentTypeJSON)
		}
		if key := strings.TrimSpace(idempotencyKey); key != "" {
			req.Header.Set(idempotencyHeader, key)
		}
		if token := requestctx.AuthToken(ctx); token != "" {
			req.Header.Set(authorizationHeader, "Bearer "+token)
		}
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			req.Header.Set(requestIDHeader, reqID)
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		raw := &rawResponse{status: httpResp.StatusCode, body: data}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return raw, errServerStatus
		}
		return raw, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, errServerStatus) && resp != nil:
		return nil, parseAPIError(resp.status, resp.body)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.status >= http.StatusBadRequest {
		return nil, parseAPIError(resp.status, resp.body)
	}
	return resp.body, nil
}
