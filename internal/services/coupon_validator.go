package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
)

// CouponValidatorDeps wires the coupon validator. Selection reports the live selection so late
// responses can be recognised.
type CouponValidatorDeps struct {
	Preview   PreviewAPI
	Selection func() domain.SelectionSnapshot
	Metrics   *Metrics
	Logger    Logger
}

// CouponValidator holds at most one applied coupon and validates codes against the marketplace.
type CouponValidator struct {
	preview   PreviewAPI
	selection func() domain.SelectionSnapshot
	metrics   *Metrics
	logger    Logger

	mu      sync.Mutex
	applied *domain.Coupon
	seq     uint64
}

// Revalidation is the outcome of re-checking the applied coupon after the selection changed.
type Revalidation struct {
	Coupon  *domain.Coupon
	Cleared bool
	Message string
}

// NewCouponValidator constructs a validator with no coupon applied.
func NewCouponValidator(deps CouponValidatorDeps) (*CouponValidator, error) {
	if deps.Preview == nil {
		return nil, errors.New("coupon validator: preview api is required")
	}
	if deps.Selection == nil {
		return nil, errors.New("coupon validator: selection source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &CouponValidator{
		preview:   deps.Preview,
		selection: deps.Selection,
		metrics:   deps.Metrics,
		logger:    logger,
	}, nil
}

// Apply validates code against snap. A valid coupon replaces the applied one. An invalidity answer
// clears the applied coupon and returns a CouponRejectedError with the marketplace's reason; a
// failed call leaves the applied coupon untouched.
func (v *CouponValidator) Apply(ctx context.Context, code string, snap domain.SelectionSnapshot) (domain.Coupon, error) {
	code = normalizeCouponCode(code)
	if code == "" {
		return domain.Coupon{}, ErrCouponCodeRequired
	}
	if snap.Empty() {
		return domain.Coupon{}, ErrEmptySelection
	}

	seq := v.begin()
	preview, err := v.preview.Preview(ctx, code, snap.VariantIDs)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.staleLocked(seq, snap) {
		v.metrics.couponCheck(ctx, "stale")
		return domain.Coupon{}, ErrStaleValidation
	}
	if err != nil {
		if rejected := rejectionFromAPI(code, err); rejected != nil {
			v.clearLocked(ctx, code)
			v.metrics.couponCheck(ctx, "rejected")
			return domain.Coupon{}, rejected
		}
		v.metrics.couponCheck(ctx, "error")
		v.logger(ctx, "coupon.validation.failed", map[string]any{"code": code, "error": err.Error()})
		return domain.Coupon{}, fmt.Errorf("%w: %w", ErrCouponValidationFailed, err)
	}
	if preview.Coupon == nil || !preview.Coupon.Valid {
		v.clearLocked(ctx, code)
		v.metrics.couponCheck(ctx, "rejected")
		return domain.Coupon{}, &CouponRejectedError{Code: code, Message: rejectionMessage(preview)}
	}

	coupon := domain.Coupon{
		Code:     code,
		Discount: preview.Discount,
		Message:  preview.Coupon.Message,
		Basis:    snap.Basis,
		Revision: snap.Revision,
	}
	v.applied = &coupon
	v.metrics.couponCheck(ctx, "applied")
	v.logger(ctx, "coupon.applied", map[string]any{"code": code, "discount": coupon.Discount.String()})
	return coupon, nil
}

// Remove clears the applied coupon. Responses to calls still in flight are discarded.
func (v *CouponValidator) Remove() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.applied = nil
	v.seq++
}

// Applied returns a copy of the applied coupon, or nil.
func (v *CouponValidator) Applied() *domain.Coupon {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.applied == nil {
		return nil
	}
	c := *v.applied
	return &c
}

// Revalidate re-checks the applied coupon against snap. An invalid result clears the coupon
// silently; a failed call keeps it, and its outdated basis keeps it out of pricing until a later
// revalidation succeeds.
func (v *CouponValidator) Revalidate(ctx context.Context, snap domain.SelectionSnapshot) (Revalidation, error) {
	current := v.Applied()
	if current == nil {
		return Revalidation{}, nil
	}
	if current.Basis == snap.Basis {
		return Revalidation{Coupon: current}, nil
	}
	if snap.Empty() {
		v.mu.Lock()
		v.applied = nil
		v.seq++
		v.mu.Unlock()
		return Revalidation{Cleared: true}, nil
	}

	seq := v.begin()
	preview, err := v.preview.Preview(ctx, current.Code, snap.VariantIDs)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.staleLocked(seq, snap) {
		v.metrics.couponCheck(ctx, "stale")
		return Revalidation{}, ErrStaleValidation
	}
	if err != nil && rejectionFromAPI(current.Code, err) == nil {
		v.metrics.couponCheck(ctx, "error")
		v.logger(ctx, "coupon.revalidation.failed", map[string]any{"code": current.Code, "error": err.Error()})
		return Revalidation{Coupon: current}, fmt.Errorf("%w: %w", ErrCouponValidationFailed, err)
	}
	if err != nil || preview.Coupon == nil || !preview.Coupon.Valid {
		message := ""
		if err == nil {
			message = rejectionMessage(preview)
		} else if apiErr, ok := marketplace.AsAPIError(err); ok {
			message = apiErr.Message
		}
		v.applied = nil
		v.metrics.couponCheck(ctx, "cleared")
		v.logger(ctx, "coupon.cleared", map[string]any{"code": current.Code, "reason": message})
		return Revalidation{Cleared: true, Message: message}, nil
	}

	coupon := domain.Coupon{
		Code:     current.Code,
		Discount: preview.Discount,
		Message:  preview.Coupon.Message,
		Basis:    snap.Basis,
		Revision: snap.Revision,
	}
	v.applied = &coupon
	v.metrics.couponCheck(ctx, "revalidated")
	return Revalidation{Coupon: &coupon}, nil
}

func (v *CouponValidator) clearLocked(ctx context.Context, rejected string) {
	if v.applied == nil {
		return
	}
	v.logger(ctx, "coupon.cleared", map[string]any{"code": v.applied.Code, "rejected": rejected})
	v.applied = nil
}

func (v *CouponValidator) begin() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	return v.seq
}

// staleLocked reports whether a response issued as seq for snap has been overtaken, either by a
// newer call or by a change of the live selection.
func (v *CouponValidator) staleLocked(seq uint64, snap domain.SelectionSnapshot) bool {
	if seq != v.seq {
		return true
	}
	return v.selection().Revision != snap.Revision
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func rejectionMessage(preview marketplace.Preview) string {
	if preview.Coupon == nil {
		return ""
	}
	return preview.Coupon.Message
}

// rejectionFromAPI treats a 4xx answer to a preview as a refusal of the coupon.
func rejectionFromAPI(code string, err error) *CouponRejectedError {
	apiErr, ok := marketplace.AsAPIError(err)
	if !ok || !apiErr.ClientFault() || apiErr.NotFound() {
		return nil
	}
	return &CouponRejectedError{Code: code, Message: apiErr.Message}
}
