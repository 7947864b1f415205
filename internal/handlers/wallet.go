package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// WalletHandlers exposes the wallet overview, top-ups and coupon offers.
type WalletHandlers struct {
	wallet  *services.WalletService
	present presenter
}

// NewWalletHandlers constructs wallet handlers.
func NewWalletHandlers(wallet *services.WalletService, formatter *format.Formatter) *WalletHandlers {
	return &WalletHandlers{wallet: wallet, present: presenter{formatter: formatter}}
}

// Routes registers wallet endpoints under the provided router.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getWallet)
	r.Post("/top-ups", h.startTopUp)
	r.Get("/top-ups/confirm", h.confirmTopUp)
}

// CouponRoutes registers the coupon offer listing.
func (h *WalletHandlers) CouponRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOffers)
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type topUpResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

type topUpConfirmResponse struct {
	AmountAdded     moneyPayload `json:"amountAdded"`
	RedirectAfterMS int64        `json:"redirectAfterMs"`
}

type offersResponse struct {
	Coupons []couponOfferPayload `json:"coupons"`
}

func (h *WalletHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.wallet == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("wallet_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return false
	}
	_, ok := requireCustomer(w, r)
	return ok
}

func (h *WalletHandlers) getWallet(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	wallet, err := h.wallet.Wallet(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.wallet(wallet))
}

func (h *WalletHandlers) startTopUp(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	var req topUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	redirect, err := h.wallet.StartTopUp(r.Context(), req.Amount, key)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, topUpResponse{RedirectURL: redirect})
}

func (h *WalletHandlers) confirmTopUp(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	result, err := h.wallet.ConfirmTopUp(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, topUpConfirmResponse{
		AmountAdded:     h.present.money(result.AmountAdded),
		RedirectAfterMS: result.RedirectAfter.Milliseconds(),
	})
}

func (h *WalletHandlers) listOffers(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	offers, err := h.wallet.Offers(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	resp := offersResponse{Coupons: make([]couponOfferPayload, 0, len(offers))}
	for _, offer := range offers {
		resp.Coupons = append(resp.Coupons, h.present.offer(offer))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
