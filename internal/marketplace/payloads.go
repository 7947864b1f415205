package marketplace

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// PreviewCoupon is the coupon verdict embedded in a checkout preview.
type PreviewCoupon struct {
	Code    string
	Valid   bool
	Message string
}

// Preview is the marketplace's read-only pricing of a candidate selection.
type Preview struct {
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	WalletBalance decimal.Decimal
	Coupon        *PreviewCoupon
}

// CreateOrderRequest is the body of POST orders.
type CreateOrderRequest struct {
	ShippingAddress domain.Address
	UseWallet       bool
	CouponCode      string
	VariantIDs      []string
	IdempotencyKey  string
}

// CreateOrderResponse reports the created order and whether the gateway must be involved.
type CreateOrderResponse struct {
	OrderID      string
	NeedsPayment bool
}

// TopUpConfirmation is the result of confirming a wallet top-up session.
type TopUpConfirmation struct {
	AmountAdded decimal.Decimal
}

// ReturnRequest is the body of POST orders/:id/return.
type ReturnRequest struct {
	Reason       string
	RefundToCard bool
}

type cartPayload struct {
	Items []cartItemPayload `json:"items"`
}

type cartItemPayload struct {
	VariantID    string          `json:"variant_id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	VariantLabel string          `json:"variant_label"`
	VendorID     string          `json:"vendor_id"`
	Image        string          `json:"image"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Stock        int             `json:"stock"`
}

func (p cartPayload) toSnapshot(fetchedAt time.Time) domain.CartSnapshot {
	lines := make([]domain.CartLine, 0, len(p.Items))
	for _, item := range p.Items {
		variantID := strings.TrimSpace(item.VariantID)
		if variantID == "" {
			continue
		}
		lines = append(lines, domain.CartLine{
			VariantID:      variantID,
			ProductID:      strings.TrimSpace(item.ProductID),
			ProductName:    strings.TrimSpace(item.ProductName),
			VariantLabel:   strings.TrimSpace(item.VariantLabel),
			VendorID:       strings.TrimSpace(item.VendorID),
			ImageURL:       strings.TrimSpace(item.Image),
			Quantity:       item.Quantity,
			UnitPrice:      item.Price,
			AvailableStock: item.Stock,
		})
	}
	return domain.CartSnapshot{Lines: lines, FetchedAt: fetchedAt}
}

type couponsPayload struct {
	Coupons []couponOfferPayload `json:"coupons"`
}

type couponOfferPayload struct {
	Code          string          `json:"code"`
	Description   string          `json:"description"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	MinOrderValue decimal.Decimal `json:"min_order_value"`
	MaxDiscount   decimal.Decimal `json:"max_discount"`
	ExpiresAt     string          `json:"expires_at"`
}

func (p couponOfferPayload) toDomain() domain.CouponOffer {
	offer := domain.CouponOffer{
		Code:          strings.ToUpper(strings.TrimSpace(p.Code)),
		Description:   strings.TrimSpace(p.Description),
		DiscountType:  domain.DiscountTypeFlat,
		DiscountValue: p.DiscountValue,
		MinOrderValue: p.MinOrderValue,
		MaxDiscount:   p.MaxDiscount,
	}
	if strings.EqualFold(strings.TrimSpace(p.DiscountType), string(domain.DiscountTypePercentage)) {
		offer.DiscountType = domain.DiscountTypePercentage
	}
	if ts := parseTime(p.ExpiresAt); !ts.IsZero() {
		offer.ExpiresAt = &ts
	}
	return offer
}

type previewPayload struct {
	Summary struct {
		Subtotal      decimal.Decimal `json:"subtotal"`
		Discount      decimal.Decimal `json:"discount"`
		Total         decimal.Decimal `json:"total"`
		WalletBalance decimal.Decimal `json:"wallet_balance"`
		Coupon        *struct {
			IsValid bool   `json:"is_valid"`
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"coupon"`
	} `json:"summary"`
}

func (p previewPayload) toPreview() Preview {
	preview := Preview{
		Subtotal:      p.Summary.Subtotal,
		Discount:      p.Summary.Discount,
		Total:         p.Summary.Total,
		WalletBalance: p.Summary.WalletBalance,
	}
	if c := p.Summary.Coupon; c != nil {
		preview.Coupon = &PreviewCoupon{
			Code:    strings.ToUpper(strings.TrimSpace(c.Code)),
			Valid:   c.IsValid,
			Message: strings.TrimSpace(c.Message),
		}
	}
	return preview
}

type addressPayload struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func addressToPayload(a domain.Address) addressPayload {
	return addressPayload{
		ID:         strings.TrimSpace(a.ID),
		Recipient:  strings.TrimSpace(a.Recipient),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		ID:         p.ID,
		Recipient:  p.Recipient,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
		Phone:      p.Phone,
	}
}

type createOrderPayload struct {
	ShippingAddress addressPayload `json:"shipping_address"`
	UseWallet       bool           `json:"use_wallet"`
	CouponCode      string         `json:"coupon_code,omitempty"`
	VariantIDs      []string       `json:"variant_ids"`
}

type createOrderResultPayload struct {
	OrderID     string `json:"order_id"`
	PaymentInfo struct {
		NeedsPayment bool `json:"needs_payment"`
	} `json:"payment_info"`
}

type checkoutSessionPayload struct {
	URL string `json:"url"`
}

type topUpConfirmPayload struct {
	AmountAdded decimal.Decimal `json:"amount_added"`
}

type returnPayload struct {
	Reason       string `json:"reason"`
	RefundToCard bool   `json:"refund_to_card"`
}

type walletPayload struct {
	Balance      decimal.Decimal            `json:"balance"`
	Transactions []walletTransactionPayload `json:"transactions"`
}

type walletTransactionPayload struct {
	ID          string          `json:"id"`
	LegacyID    string          `json:"_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	CreatedAt   string          `json:"created_at"`
}

func (p walletPayload) toDomain() domain.Wallet {
	wallet := domain.Wallet{
		Balance:      p.Balance,
		Transactions: make([]domain.WalletTransaction, 0, len(p.Transactions)),
	}
	for _, tx := range p.Transactions {
		wallet.Transactions = append(wallet.Transactions, domain.WalletTransaction{
			ID:          firstNonEmpty(tx.ID, tx.LegacyID),
			Amount:      tx.Amount,
			Type:        domain.WalletTransactionType(strings.ToLower(strings.TrimSpace(tx.Type))),
			Status:      domain.WalletTransactionStatus(strings.ToLower(strings.TrimSpace(tx.Status))),
			Description: strings.TrimSpace(tx.Description),
			CreatedAt:   parseTime(tx.CreatedAt),
		})
	}
	return wallet
}

type orderPayload struct {
	ID              string                `json:"id"`
	LegacyID        string                `json:"_id"`
	Items           []orderItemPayload    `json:"items"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Pricing         orderPricingPayload   `json:"pricing"`
	Payment         paymentPayload        `json:"payment"`
	Status          string                `json:"status"`
	StatusHistory   []statusChangePayload `json:"status_history"`
	ReturnReason    string                `json:"return_reason"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
}

type orderItemPayload struct {
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id"`
	ProductName string          `json:"product_name"`
	VendorID    string          `json:"vendor_id"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type orderPricingPayload struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	WalletUsed    decimal.Decimal `json:"wallet_used"`
	PayableAmount decimal.Decimal `json:"payable_amount"`
	CouponCode    string          `json:"coupon_code"`
}

type paymentPayload struct {
	Provider  string `json:"provider"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Method    string `json:"method"`
}

type statusChangePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note"`
}

func (p orderPayload) toDomain() domain.Order {
	order := domain.Order{
		ID:              firstNonEmpty(p.ID, p.LegacyID),
		ShippingAddress: p.ShippingAddress.toDomain(),
		Pricing: domain.OrderPricing{
			Subtotal:      p.Pricing.Subtotal,
			Discount:      p.Pricing.Discount,
			WalletUsed:    p.Pricing.WalletUsed,
			PayableAmount: p.Pricing.PayableAmount,
			CouponCode:    strings.ToUpper(strings.TrimSpace(p.Pricing.CouponCode)),
		},
		Payment: domain.PaymentRecord{
			Provider:   strings.TrimSpace(p.Payment.Provider),
			SessionRef: strings.TrimSpace(p.Payment.SessionID),
			Status:     domain.ParsePaymentStatus(p.Payment.Status),
			Method:     strings.TrimSpace(p.Payment.Method),
		},
		Status:       domain.ParseOrderStatus(p.Status),
		ReturnReason: strings.TrimSpace(p.ReturnReason),
		CreatedAt:    parseTime(p.CreatedAt),
		UpdatedAt:    parseTime(p.UpdatedAt),
	}
	order.Items = make([]domain.OrderItem, 0, len(p.Items))
	for _, item := range p.Items {
		subtotal := item.Subtotal
		if subtotal.IsZero() {
			subtotal = item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		}
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:   strings.TrimSpace(item.ProductID),
			VariantID:   strings.TrimSpace(item.VariantID),
			ProductName: strings.TrimSpace(item.ProductName),
			VendorID:    strings.TrimSpace(item.VendorID),
			Quantity:    item.Quantity,
			UnitPrice:   item.Price,
			Subtotal:    subtotal,
		})
	}
	order.StatusHistory = make([]domain.StatusChange, 0, len(p.StatusHistory))
	for _, change := range p.StatusHistory {
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.ParseOrderStatus(change.Status),
			At:     parseTime(change.At),
			Note:   strings.TrimSpace(change.Note),
		})
	}
	return order
}

// decodeOrder accepts both {"order": {...}} and a bare order object.
func decodeOrder(body []byte) (domain.Order, error) {
	var envelope struct {
		Order *orderPayload `json:"order"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Order{}, err
	}
	if envelope.Order != nil {
		return envelope.Order.toDomain(), nil
	}
	var bare orderPayload
	if err := json.Unmarshal(body, &bare); err != nil {
		return domain.Order{}, err
	}
	return bare.toDomain(), nil
}

// decodeOrders accepts {"orders": [...]} and a bare array.
func decodeOrders(body []byte) ([]domain.Order, error) {
	var payloads []orderPayload
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, err
		}
	} else {
		var envelope struct {
			Orders []orderPayload `json:"orders"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		payloads = envelope.Orders
	}
	orders := make([]domain.Order, 0, len(payloads))
	for _, p := range payloads {
		orders = append(orders, p.toDomain())
	}
	return orders, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseTime(val string) time.Time {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if ts, err := time.Parse(layout, val); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
