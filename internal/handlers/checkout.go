package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CheckoutHandlers exposes checkout session endpoints.
type CheckoutHandlers struct {
	sessions *services.SessionRegistry
	present  presenter
	submitMW []func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitMiddlewares wraps the submit route, typically with the idempotency middleware.
func WithSubmitMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.submitMW = append(h.submitMW, mw...)
	}
}

// WithCheckoutFormatter renders amounts in the store currency and locale.
func WithCheckoutFormatter(f *format.Formatter) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.present.formatter = f
	}
}

// NewCheckoutHandlers constructs checkout handlers backed by the session registry.
func NewCheckoutHandlers(sessions *services.SessionRegistry, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{sessions: sessions}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.createSession)
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Delete("/", h.discardSession)
		s.Post("/selection", h.updateSelection)
		s.Put("/lines/{variantID}", h.setQuantity)
		s.Delete("/lines/{variantID}", h.removeLine)
		s.Post("/coupon", h.applyCoupon)
		s.Delete("/coupon", h.removeCoupon)
		s.Put("/wallet", h.setWallet)
		s.Put("/address", h.setAddress)
		s.With(h.submitMW...).Post("/submit", h.submit)
	})
}

type selectionRequest struct {
	Action    string `json:"action"`
	VariantID string `json:"variantId"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type walletToggleRequest struct {
	UseWallet bool `json:"useWallet"`
}

type addressRequest struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireCustomer(w, r)
	if !ok {
		return
	}
	session, view, err := h.sessions.Create(ctx, owner)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+session.ID())
	writeJSONResponse(w, http.StatusCreated, h.present.checkout(view))
}

// session resolves the caller's session from the path, writing the error response on failure.
func (h *CheckoutHandlers) session(w http.ResponseWriter, r *http.Request) (*services.CheckoutSession, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	owner, ok := requireCustomer(w, r)
	if !ok {
		return nil, false
	}
	session, err := h.sessions.Get(ctx, owner, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return nil, false
	}
	return session, true
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(session.View()))
}

func (h *CheckoutHandlers) discardSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireCustomer(w, r)
	if !ok {
		return
	}
	if h.sessions == nil || !h.sessions.Discard(owner, chi.URLParam(r, "sessionID")) {
		writeServiceError(r.Context(), w, services.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) updateSelection(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	action := services.SelectionAction(strings.ToLower(strings.TrimSpace(req.Action)))
	view, err := session.UpdateSelection(r.Context(), action, strings.TrimSpace(req.VariantID))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(view))
}

func (h *CheckoutHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req quantityRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	view, err := session.SetQuantity(r.Context(), chi.URLParam(r, "variantID"), req.Quantity)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(view))
}

func (h *CheckoutHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := session.RemoveLine(r.Context(), chi.URLParam(r, "variantID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(view))
}

func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req couponRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	view, err := session.ApplyCoupon(r.Context(), req.Code)
	if errors.Is(err, services.ErrStaleValidation) {
		writeIgnored(w)
		return
	}
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(view))
}

func (h *CheckoutHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(session.RemoveCoupon()))
}

func (h *CheckoutHandlers) setWallet(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req walletToggleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(session.SetUseWallet(r.Context(), req.UseWallet)))
}

func (h *CheckoutHandlers) setAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req addressRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	address := domain.Address{
		ID:         strings.TrimSpace(req.ID),
		Recipient:  strings.TrimSpace(req.Recipient),
		Line1:      strings.TrimSpace(req.Line1),
		Line2:      strings.TrimSpace(req.Line2),
		City:       strings.TrimSpace(req.City),
		State:      strings.TrimSpace(req.State),
		PostalCode: strings.TrimSpace(req.PostalCode),
		Country:    strings.TrimSpace(req.Country),
		Phone:      strings.TrimSpace(req.Phone),
	}
	if address.IsZero() {
		writeServiceError(r.Context(), w, services.ErrMissingAddress)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.present.checkout(session.SetAddress(address)))
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	result, err := session.Submit(r.Context())
	switch {
	case errors.Is(err, services.ErrDuplicateSubmission):
		writeIgnored(w)
		return
	case err != nil && result.Order.OrderID == "":
		writeServiceError(r.Context(), w, err)
		return
	}
	// The order exists from here on, so gateway failures are reported in the body.
	writeJSONResponse(w, http.StatusCreated, h.present.submission(result, err))
}
