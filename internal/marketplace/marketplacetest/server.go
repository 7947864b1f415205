// Package marketplacetest provides an in-memory marketplace API served over httptest for tests.
package marketplacetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// CartItem seeds a cart line.
type CartItem struct {
	VariantID   string
	ProductID   string
	ProductName string
	VendorID    string
	Quantity    int
	Price       decimal.Decimal
	Stock       int
}

// CouponRule decides what the preview reports for a code.
type CouponRule struct {
	Discount decimal.Decimal
	Valid    bool
	Message  string
}

// Order is the fake's order record.
type Order struct {
	ID            string
	Items         []CartItem
	Status        string
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	WalletUsed    decimal.Decimal
	Payable       decimal.Decimal
	CouponCode    string
	PaymentStatus string
	SessionID     string
	History       []string
	ReturnReason  string
	RefundToCard  bool
	Address       map[string]any
	CreatedAt     time.Time
}

// Server is a fake marketplace. Exported fields may be changed between requests.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	cart          []CartItem
	coupons       map[string]CouponRule
	offers        []map[string]any
	orders        map[string]*Order
	orderSeq      int
	keys          map[string]string
	walletBalance decimal.Decimal
	walletTxns    []map[string]any
	topUps        map[string]decimal.Decimal
	calls         map[string]int
	authHeaders   []string

	// FailCheckoutSession makes payment/create-checkout-session return 502.
	FailCheckoutSession bool
	// EmptyCheckoutURL makes payment/create-checkout-session return an empty url.
	EmptyCheckoutURL bool
	// FailPreview makes checkout/preview return 503.
	FailPreview bool
	// FailOrderFetch makes GET orders/:id return 503.
	FailOrderFetch bool
	// OrderGate, when set, blocks POST orders until it is closed or receives.
	OrderGate chan struct{}
	// PreviewHook runs before a preview response is written.
	PreviewHook func(code string)
}

// NewServer starts a fake marketplace that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		coupons: make(map[string]CouponRule),
		orders:  make(map[string]*Order),
		keys:    make(map[string]string),
		topUps:  make(map[string]decimal.Decimal),
		calls:   make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the API root for marketplace.NewClient.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// SetCart replaces the cart contents.
func (s *Server) SetCart(items ...CartItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = slices.Clone(items)
}

// SetCoupon registers how the preview treats code.
func (s *Server) SetCoupon(code string, rule CouponRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[strings.ToUpper(code)] = rule
	s.offers = append(s.offers, map[string]any{
		"code":           strings.ToUpper(code),
		"discount_type":  "flat",
		"discount_value": rule.Discount,
		"description":    rule.Message,
	})
}

// SetWalletBalance sets the wallet balance.
func (s *Server) SetWalletBalance(balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walletBalance = balance
}

// WalletBalance returns the current wallet balance.
func (s *Server) WalletBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletBalance
}

// SetOrderStatus moves an order to status, as a merchant would.
func (s *Server) SetOrderStatus(orderID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderID]; ok {
		order.Status = status
		order.History = append(order.History, status)
	}
}

// PutOrder inserts an order directly.
func (s *Server) PutOrder(order Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if len(order.History) == 0 {
		order.History = []string{order.Status}
	}
	s.orders[order.ID] = &order
}

// Order returns a copy of a stored order.
func (s *Server) Order(orderID string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// OrderCount returns how many orders were created.
func (s *Server) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Calls returns how many times a route was hit, for example "POST /orders".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// AuthHeaders returns every Authorization header received.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.authHeaders)
}

// CartItem returns the stored cart line for variantID.
func (s *Server) CartItem(variantID string) (CartItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.cart {
		if item.VariantID == variantID {
			return item, true
		}
	}
	return CartItem{}, false
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Route("/api", func(r chi.Router) {
		r.Get("/cart", s.getCart)
		r.Put("/cart/items/{variantID}", s.putCartItem)
		r.Delete("/cart/items/{variantID}", s.deleteCartItem)
		r.Get("/coupons", s.getCoupons)
		r.Get("/checkout/preview", s.getPreview)
		r.Post("/orders", s.postOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/{orderID}", s.getOrder)
		r.Post("/orders/{orderID}/cancel", s.cancelOrder)
		r.Post("/orders/{orderID}/return", s.returnOrder)
		r.Post("/payment/create-checkout-session", s.createCheckoutSession)
		r.Get("/payment/verify/{orderID}", s.verifyPayment)
		r.Get("/wallet", s.getWallet)
		r.Post("/wallet/top-up", s.startTopUp)
		r.Post("/wallet/confirm-top-up/{sessionID}", s.confirmTopUp)
	})
	return r
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/api")
		s.mu.Lock()
		s.calls[route]++
		if id := routeFamily(route); id != route {
			s.calls[id]++
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			s.authHeaders = append(s.authHeaders, auth)
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// routeFamily collapses ids so tests can count "GET /orders/:id" regardless of the id.
func routeFamily(route string) string {
	method, path, _ := strings.Cut(route, " ")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "orders":
		parts[1] = ":id"
	case len(parts) == 3 && parts[0] == "payment" && parts[1] == "verify":
		parts[2] = ":id"
	case len(parts) == 3 && parts[0] == "wallet" && parts[1] == "confirm-top-up":
		parts[2] = ":id"
	case len(parts) == 3 && parts[0] == "cart" && parts[1] == "items":
		parts[2] = ":id"
	default:
		return route
	}
	return method + " /" + strings.Join(parts, "/")
}

func (s *Server) getCart(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.cart))
	for _, item := range s.cart {
		items = append(items, map[string]any{
			"variant_id":   item.VariantID,
			"product_id":   item.ProductID,
			"product_name": item.ProductName,
			"vendor_id":    item.VendorID,
			"quantity":     item.Quantity,
			"price":        json.Number(item.Price.String()),
			"stock":        item.Stock,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) putCartItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	variantID := chi.URLParam(r, "variantID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cart {
		if s.cart[i].VariantID != variantID {
			continue
		}
		if body.Quantity > s.cart[i].Stock {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Only %d left in stock", s.cart[i].Stock))
			return
		}
		s.cart[i].Quantity = body.Quantity
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	writeError(w, http.StatusNotFound, "Cart item not found")
}

func (s *Server) deleteCartItem(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "variantID")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = slices.DeleteFunc(s.cart, func(item CartItem) bool { return item.VariantID == variantID })
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) getCoupons(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	offers := slices.Clone(s.offers)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"coupons": offers})
}

func (s *Server) getPreview(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("coupon_code")))
	if s.PreviewHook != nil {
		s.PreviewHook(code)
	}
	if s.FailPreview {
		writeError(w, http.StatusServiceUnavailable, "pricing unavailable")
		return
	}
	ids := splitIDs(r.URL.Query().Get("variant_ids"))

	s.mu.Lock()
	subtotal := s.subtotalLocked(ids)
	discount := decimal.Zero
	var coupon map[string]any
	if code != "" {
		rule, ok := s.coupons[code]
		switch {
		case !ok:
			coupon = map[string]any{"is_valid": false, "message": "Invalid coupon code", "code": code}
		case !rule.Valid:
			coupon = map[string]any{"is_valid": false, "message": rule.Message, "code": code}
		default:
			discount = decimal.Min(rule.Discount, subtotal)
			coupon = map[string]any{"is_valid": true, "message": rule.Message, "code": code}
		}
	}
	balance := s.walletBalance
	s.mu.Unlock()

	summary := map[string]any{
		"subtotal":       json.Number(subtotal.String()),
		"discount":       json.Number(discount.String()),
		"total":          json.Number(subtotal.Sub(discount).String()),
		"wallet_balance": json.Number(balance.String()),
	}
	if coupon != nil {
		summary["coupon"] = coupon
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids, "summary": summary})
}

func (s *Server) postOrder(w http.ResponseWriter, r *http.Request) {
	if gate := s.OrderGate; gate != nil {
		<-gate
	}
	var body struct {
		ShippingAddress map[string]any `json:"shipping_address"`
		UseWallet       bool           `json:"use_wallet"`
		CouponCode      string         `json:"coupon_code"`
		VariantIDs      []string       `json:"variant_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body.VariantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "No items selected")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Header.Get("Idempotency-Key")
	if existing, ok := s.keys[key]; ok && key != "" {
		order := s.orders[existing]
		writeJSON(w, http.StatusCreated, map[string]any{
			"order_id":     order.ID,
			"payment_info": map[string]any{"needs_payment": order.Payable.IsPositive()},
		})
		return
	}

	items := make([]CartItem, 0, len(body.VariantIDs))
	for _, id := range body.VariantIDs {
		item, ok := s.cartItemLocked(id)
		if !ok {
			writeError(w, http.StatusBadRequest, "Item no longer in cart")
			return
		}
		if item.Quantity > item.Stock {
			writeError(w, http.StatusConflict, fmt.Sprintf("%s is out of stock", item.ProductName))
			return
		}
		items = append(items, item)
	}
	subtotal := s.subtotalLocked(body.VariantIDs)
	discount := decimal.Zero
	code := strings.ToUpper(strings.TrimSpace(body.CouponCode))
	if rule, ok := s.coupons[code]; ok && rule.Valid {
		discount = decimal.Min(rule.Discount, subtotal)
	}
	remainder := subtotal.Sub(discount)
	walletUsed := decimal.Zero
	if body.UseWallet {
		walletUsed = decimal.Min(decimal.Max(s.walletBalance, decimal.Zero), remainder)
		s.walletBalance = s.walletBalance.Sub(walletUsed)
	}
	payable := remainder.Sub(walletUsed)

	s.orderSeq++
	id := fmt.Sprintf("ord_%04d", s.orderSeq)
	paymentStatus := "initiated"
	if !payable.IsPositive() {
		paymentStatus = "verified"
	}
	s.orders[id] = &Order{
		ID:            id,
		Items:         items,
		Status:        "CREATED",
		Subtotal:      subtotal,
		Discount:      discount,
		WalletUsed:    walletUsed,
		Payable:       payable,
		CouponCode:    code,
		PaymentStatus: paymentStatus,
		History:       []string{"CREATED"},
		Address:       body.ShippingAddress,
		CreatedAt:     time.Now().UTC(),
	}
	if key != "" {
		s.keys[key] = id
	}
	if walletUsed.IsPositive() {
		s.walletTxns = append(s.walletTxns, map[string]any{
			"id": "txn_" + id, "amount": json.Number(walletUsed.Neg().String()), "type": "debit", "status": "completed",
		})
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"order_id":     id,
		"payment_info": map[string]any{"needs_payment": payable.IsPositive()},
	})
}

func (s *Server) listOrders(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	orders := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, orderJSON(s.orders[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	if s.FailOrderFetch {
		writeError(w, http.StatusServiceUnavailable, "orders unavailable")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[chi.URLParam(r, "orderID")]
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderJSON(order)})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[chi.URLParam(r, "orderID")]
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if order.Status != "CREATED" && order.Status != "CONFIRMED" {
		writeError(w, http.StatusBadRequest, "Order can no longer be cancelled")
		return
	}
	order.Status = "CANCELLED"
	order.History = append(order.History, "CANCELLED")
	refund := order.WalletUsed
	if order.PaymentStatus == "verified" {
		refund = refund.Add(order.Payable)
	}
	s.walletBalance = s.walletBalance.Add(refund)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) returnOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason       string `json:"reason"`
		RefundToCard bool   `json:"refund_to_card"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "Return reason is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[chi.URLParam(r, "orderID")]
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if order.Status != "DELIVERED" {
		writeError(w, http.StatusBadRequest, "Only delivered orders can be returned")
		return
	}
	order.Status = "RETURN_REQUESTED"
	order.History = append(order.History, "RETURN_REQUESTED")
	order.ReturnReason = body.Reason
	order.RefundToCard = body.RefundToCard
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if s.FailCheckoutSession {
		writeError(w, http.StatusBadGateway, "Payment gateway unavailable")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[body.OrderID]
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	order.SessionID = "cs_test_" + order.ID
	if s.EmptyCheckoutURL {
		writeJSON(w, http.StatusOK, map[string]any{"url": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": "https://pay.example.test/c/" + order.SessionID})
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[chi.URLParam(r, "orderID")]
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if sessionID == "" || sessionID != order.SessionID {
		writeError(w, http.StatusBadRequest, "Payment not completed")
		return
	}
	order.PaymentStatus = "verified"
	if order.Status == "CREATED" {
		order.Status = "CONFIRMED"
		order.History = append(order.History, "CONFIRMED")
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderJSON(order)})
}

func (s *Server) getWallet(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      json.Number(s.walletBalance.String()),
		"transactions": slices.Clone(s.walletTxns),
	})
}

func (s *Server) startTopUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID := fmt.Sprintf("cs_topup_%d", len(s.topUps)+1)
	s.topUps[sessionID] = body.Amount
	writeJSON(w, http.StatusOK, map[string]any{"url": "https://pay.example.test/c/" + sessionID})
}

func (s *Server) confirmTopUp(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.topUps[sessionID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Top-up session not found")
		return
	}
	delete(s.topUps, sessionID)
	s.walletBalance = s.walletBalance.Add(amount)
	s.walletTxns = append(s.walletTxns, map[string]any{
		"id": "txn_" + sessionID, "amount": json.Number(amount.String()), "type": "top_up", "status": "completed",
	})
	writeJSON(w, http.StatusOK, map[string]any{"amount_added": json.Number(amount.String())})
}

func (s *Server) cartItemLocked(variantID string) (CartItem, bool) {
	for _, item := range s.cart {
		if item.VariantID == variantID {
			return item, true
		}
	}
	return CartItem{}, false
}

func (s *Server) subtotalLocked(ids []string) decimal.Decimal {
	total := decimal.Zero
	for _, id := range ids {
		if item, ok := s.cartItemLocked(id); ok {
			total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}
	}
	return total
}

func orderJSON(order *Order) map[string]any {
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"product_id":   item.ProductID,
			"variant_id":   item.VariantID,
			"product_name": item.ProductName,
			"vendor_id":    item.VendorID,
			"quantity":     item.Quantity,
			"price":        json.Number(item.Price.String()),
		})
	}
	history := make([]map[string]any, 0, len(order.History))
	for _, status := range order.History {
		history = append(history, map[string]any{"status": status, "at": order.CreatedAt.Format(time.RFC3339)})
	}
	return map[string]any{
		"_id":    order.ID,
		"items":  items,
		"status": order.Status,
		"pricing": map[string]any{
			"subtotal":       json.Number(order.Subtotal.String()),
			"discount":       json.Number(order.Discount.String()),
			"wallet_used":    json.Number(order.WalletUsed.String()),
			"payable_amount": json.Number(order.Payable.String()),
			"coupon_code":    order.CouponCode,
		},
		"payment": map[string]any{
			"provider":   "stripe",
			"session_id": order.SessionID,
			"status":     order.PaymentStatus,
		},
		"shipping_address": order.Address,
		"status_history":   history,
		"return_reason":    order.ReturnReason,
		"created_at":       order.CreatedAt.Format(time.RFC3339),
		"updated_at":       order.CreatedAt.Format(time.RFC3339),
	}
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
