package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/services"
)

type moneyPayload struct {
	Amount  string `json:"amount"`
	Display string `json:"display"`
}

type linePayload struct {
	VariantID      string       `json:"variantId"`
	ProductID      string       `json:"productId"`
	ProductName    string       `json:"productName"`
	VariantLabel   string       `json:"variantLabel,omitempty"`
	VendorID       string       `json:"vendorId"`
	ImageURL       string       `json:"imageUrl,omitempty"`
	Quantity       int          `json:"quantity"`
	AvailableStock int          `json:"availableStock"`
	UnitPrice      moneyPayload `json:"unitPrice"`
	Subtotal       moneyPayload `json:"subtotal"`
	Selected       bool         `json:"selected"`
	Purchasable    bool         `json:"purchasable"`
}

type pricingPayload struct {
	Subtotal           moneyPayload `json:"subtotal"`
	Discount           moneyPayload `json:"discount"`
	WalletContribution moneyPayload `json:"walletContribution"`
	PayableToGateway   moneyPayload `json:"payableToGateway"`
	WalletBalance      moneyPayload `json:"walletBalance"`
	UseWallet          bool         `json:"useWallet"`
	CouponCode         string       `json:"couponCode,omitempty"`
	RequiresGateway    bool         `json:"requiresGateway"`
}

type couponPayload struct {
	Code     string       `json:"code"`
	Discount moneyPayload `json:"discount"`
	Message  string       `json:"message,omitempty"`
}

type addressPayload struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type submissionPayload struct {
	OrderID     string         `json:"orderId"`
	Outcome     string         `json:"outcome"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
	FallbackURL string         `json:"fallbackUrl,omitempty"`
	Message     string         `json:"message,omitempty"`
	Pricing     pricingPayload `json:"pricing"`
	SubmittedAt string         `json:"submittedAt"`
}

type checkoutPayload struct {
	ID            string             `json:"id"`
	Lines         []linePayload      `json:"lines"`
	Selected      []string           `json:"selected"`
	Revision      uint64             `json:"revision"`
	Eligible      bool               `json:"eligible"`
	Ineligible    []string           `json:"ineligible,omitempty"`
	Coupon        *couponPayload     `json:"coupon"`
	CouponNotice  string             `json:"couponNotice,omitempty"`
	Pricing       pricingPayload     `json:"pricing"`
	UseWallet     bool               `json:"useWallet"`
	WalletBalance moneyPayload       `json:"walletBalance"`
	Address       *addressPayload    `json:"address"`
	Submission    *submissionPayload `json:"submission,omitempty"`
	UpdatedAt     string             `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ProductID   string       `json:"productId"`
	VariantID   string       `json:"variantId"`
	ProductName string       `json:"productName"`
	VendorID    string       `json:"vendorId"`
	Quantity    int          `json:"quantity"`
	UnitPrice   moneyPayload `json:"unitPrice"`
	Subtotal    moneyPayload `json:"subtotal"`
}

type orderPricingPayload struct {
	Subtotal      moneyPayload `json:"subtotal"`
	Discount      moneyPayload `json:"discount"`
	WalletUsed    moneyPayload `json:"walletUsed"`
	PayableAmount moneyPayload `json:"payableAmount"`
	CouponCode    string       `json:"couponCode,omitempty"`
}

type timelinePayload struct {
	Status  string `json:"status"`
	Reached bool   `json:"reached"`
	Current bool   `json:"current"`
}

type statusChangePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note,omitempty"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"paymentStatus"`
	PaymentMethod   string                `json:"paymentMethod,omitempty"`
	Items           []orderItemPayload    `json:"items,omitempty"`
	Pricing         orderPricingPayload   `json:"pricing"`
	ShippingAddress *addressPayload       `json:"shippingAddress,omitempty"`
	StatusHistory   []statusChangePayload `json:"statusHistory,omitempty"`
	Timeline        []timelinePayload     `json:"timeline,omitempty"`
	AllowedActions  []string              `json:"allowedActions"`
	ReturnReason    string                `json:"returnReason,omitempty"`
	CreatedAt       string                `json:"createdAt,omitempty"`
	CreatedOn       string                `json:"createdOn,omitempty"`
	Tracking        bool                  `json:"tracking,omitempty"`
}

type walletTransactionPayload struct {
	ID          string       `json:"id"`
	Amount      moneyPayload `json:"amount"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	Description string       `json:"description,omitempty"`
	CreatedAt   string       `json:"createdAt,omitempty"`
}

type walletPayload struct {
	Balance      moneyPayload               `json:"balance"`
	Transactions []walletTransactionPayload `json:"transactions"`
}

type couponOfferPayload struct {
	Code          string        `json:"code"`
	Description   string        `json:"description,omitempty"`
	DiscountType  string        `json:"discountType"`
	DiscountValue string        `json:"discountValue"`
	MinOrderValue *moneyPayload `json:"minOrderValue,omitempty"`
	MaxDiscount   *moneyPayload `json:"maxDiscount,omitempty"`
	ExpiresAt     string        `json:"expiresAt,omitempty"`
}

// presenter renders domain values as response payloads.
type presenter struct {
	formatter *format.Formatter
	lifecycle services.OrderLifecycle
}

func (p presenter) money(amount decimal.Decimal) moneyPayload {
	rounded := domain.RoundMoney(amount)
	display := rounded.StringFixed(domain.MoneyScale)
	if p.formatter != nil {
		display = p.formatter.Money(rounded)
	}
	return moneyPayload{Amount: rounded.StringFixed(domain.MoneyScale), Display: display}
}

func (p presenter) optionalMoney(amount decimal.Decimal) *moneyPayload {
	if amount.IsZero() {
		return nil
	}
	m := p.money(amount)
	return &m
}

func (p presenter) pricing(b domain.PriceBreakdown) pricingPayload {
	return pricingPayload{
		Subtotal:           p.money(b.Subtotal),
		Discount:           p.money(b.Discount),
		WalletContribution: p.money(b.WalletContribution),
		PayableToGateway:   p.money(b.PayableToGateway),
		WalletBalance:      p.money(b.WalletBalance),
		UseWallet:          b.UseWallet,
		CouponCode:         b.CouponCode,
		RequiresGateway:    b.RequiresGateway(),
	}
}

func (p presenter) checkout(view services.CheckoutView) checkoutPayload {
	payload := checkoutPayload{
		ID:            view.ID,
		Lines:         make([]linePayload, 0, len(view.Lines)),
		Selected:      append([]string{}, view.Selection.VariantIDs...),
		Revision:      view.Selection.Revision,
		Eligible:      view.Eligible,
		CouponNotice:  view.CouponNotice,
		Pricing:       p.pricing(view.Pricing),
		UseWallet:     view.UseWallet,
		WalletBalance: p.money(view.WalletBalance),
		Address:       addressOrNil(view.Address),
		UpdatedAt:     formatTimestamp(view.UpdatedAt),
	}
	for _, line := range view.Lines {
		payload.Lines = append(payload.Lines, linePayload{
			VariantID:      line.VariantID,
			ProductID:      line.ProductID,
			ProductName:    line.ProductName,
			VariantLabel:   line.VariantLabel,
			VendorID:       line.VendorID,
			ImageURL:       line.ImageURL,
			Quantity:       line.Quantity,
			AvailableStock: line.AvailableStock,
			UnitPrice:      p.money(line.UnitPrice),
			Subtotal:       p.money(line.Subtotal()),
			Selected:       view.Selection.Contains(line.VariantID),
			Purchasable:    line.Purchasable(),
		})
	}
	for _, line := range view.Ineligible {
		payload.Ineligible = append(payload.Ineligible, line.VariantID)
	}
	if view.Coupon != nil {
		payload.Coupon = &couponPayload{
			Code:     view.Coupon.Code,
			Discount: p.money(view.Coupon.Discount),
			Message:  view.Coupon.Message,
		}
	}
	if view.Submission != nil {
		submission := p.submission(*view.Submission, nil)
		payload.Submission = &submission
	}
	return payload
}

func (p presenter) submission(result services.CheckoutResult, handoffErr error) submissionPayload {
	payload := submissionPayload{
		OrderID:     result.Order.OrderID,
		Outcome:     string(result.Order.Outcome),
		FallbackURL: result.FallbackURL,
		Pricing:     p.pricing(result.Order.Pricing.Rounded()),
		SubmittedAt: formatTimestamp(result.Order.SubmittedAt),
	}
	if result.Handoff != nil {
		payload.RedirectURL = result.Handoff.RedirectURL
	}
	if handoffErr != nil {
		payload.Message = services.UserMessage(handoffErr)
	}
	return payload
}

func (p presenter) order(order domain.Order, detailed bool) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		Status:        string(order.Status),
		PaymentStatus: string(order.Payment.Status),
		PaymentMethod: order.Payment.Method,
		Pricing: orderPricingPayload{
			Subtotal:      p.money(order.Pricing.Subtotal),
			Discount:      p.money(order.Pricing.Discount),
			WalletUsed:    p.money(order.Pricing.WalletUsed),
			PayableAmount: p.money(order.Pricing.PayableAmount),
			CouponCode:    order.Pricing.CouponCode,
		},
		AllowedActions: []string{},
		ReturnReason:   order.ReturnReason,
		CreatedAt:      formatTimestamp(order.CreatedAt),
	}
	if p.formatter != nil {
		payload.CreatedOn = p.formatter.Date(order.CreatedAt)
	}
	for _, action := range p.lifecycle.AllowedActions(order.Status) {
		payload.AllowedActions = append(payload.AllowedActions, string(action))
	}
	if !detailed {
		return payload
	}

	payload.ShippingAddress = addressOrNil(order.ShippingAddress)
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			ProductName: item.ProductName,
			VendorID:    item.VendorID,
			Quantity:    item.Quantity,
			UnitPrice:   p.money(item.UnitPrice),
			Subtotal:    p.money(item.Subtotal),
		})
	}
	for _, change := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			Status: string(change.Status),
			At:     formatTimestamp(change.At),
			Note:   change.Note,
		})
	}
	for _, step := range p.lifecycle.Timeline(order) {
		payload.Timeline = append(payload.Timeline, timelinePayload{
			Status:  string(step.Status),
			Reached: step.Reached,
			Current: step.Current,
		})
	}
	return payload
}

func (p presenter) wallet(wallet domain.Wallet) walletPayload {
	payload := walletPayload{
		Balance:      p.money(wallet.Balance),
		Transactions: make([]walletTransactionPayload, 0, len(wallet.Transactions)),
	}
	for _, txn := range wallet.Transactions {
		payload.Transactions = append(payload.Transactions, walletTransactionPayload{
			ID:          txn.ID,
			Amount:      p.money(txn.Amount),
			Type:        string(txn.Type),
			Status:      string(txn.Status),
			Description: txn.Description,
			CreatedAt:   formatTimestamp(txn.CreatedAt),
		})
	}
	return payload
}

func (p presenter) offer(offer domain.CouponOffer) couponOfferPayload {
	payload := couponOfferPayload{
		Code:          offer.Code,
		Description:   offer.Description,
		DiscountType:  string(offer.DiscountType),
		DiscountValue: offer.DiscountValue.String(),
		MinOrderValue: p.optionalMoney(offer.MinOrderValue),
		MaxDiscount:   p.optionalMoney(offer.MaxDiscount),
	}
	if offer.ExpiresAt != nil {
		payload.ExpiresAt = formatTimestamp(*offer.ExpiresAt)
	}
	return payload
}

func addressOrNil(addr domain.Address) *addressPayload {
	if addr.IsZero() {
		return nil
	}
	return &addressPayload{
		ID:         addr.ID,
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
