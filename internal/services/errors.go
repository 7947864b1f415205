package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/marketplace"
	"github.com/hanko-field/storefront/internal/platform/textutil"
)

var (
	// ErrMissingAddress is returned when submitting without a shipping address.
	ErrMissingAddress = errors.New("checkout: shipping address is required")
	// ErrEmptySelection is returned when an operation needs at least one selected line.
	ErrEmptySelection = errors.New("checkout: no items selected")
	// ErrInvalidSelection is returned when the selection cannot be submitted.
	ErrInvalidSelection = errors.New("checkout: selection is not eligible")
	// ErrStockUnavailable marks lines whose quantity exceeds available stock.
	ErrStockUnavailable = errors.New("checkout: stock unavailable")
	// ErrUnknownLine is returned for a variant id that is not in the cart.
	ErrUnknownLine = errors.New("checkout: line not in cart")
	// ErrDuplicateSubmission is returned while another submission of the same session is in flight.
	ErrDuplicateSubmission = errors.New("checkout: submission already in progress")

	// ErrCouponCodeRequired is returned for an empty coupon code.
	ErrCouponCodeRequired = errors.New("coupon: code is required")
	// ErrCouponValidationFailed wraps transport and service failures during coupon validation.
	ErrCouponValidationFailed = errors.New("coupon: validation failed")
	// ErrStaleValidation marks a coupon response that no longer matches the live selection.
	ErrStaleValidation = errors.New("coupon: stale validation result")
	// ErrCouponRejected is matched by CouponRejectedError.
	ErrCouponRejected = errors.New("coupon: rejected")

	// ErrGatewayInitFailed is matched by GatewayInitError.
	ErrGatewayInitFailed = errors.New("payment: gateway session could not be created")
	// ErrVerificationFailed is matched by VerificationError.
	ErrVerificationFailed = errors.New("payment: verification failed")
	// ErrTopUpFailed wraps wallet top-up failures.
	ErrTopUpFailed = errors.New("wallet: top-up failed")

	// ErrInvalidTransition is matched by TransitionError.
	ErrInvalidTransition = errors.New("order: transition not allowed")
	// ErrReturnReasonRequired is returned for an empty return reason.
	ErrReturnReasonRequired = errors.New("order: return reason is required")
	// ErrInvalidRefundTarget is returned for an unknown refund target.
	ErrInvalidRefundTarget = errors.New("order: invalid refund target")
	// ErrOrderNotFound is returned when the marketplace does not know the order.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnavailable wraps failures while reading or mutating an order.
	ErrOrderUnavailable = errors.New("order: unavailable")

	// ErrSessionNotFound is returned for unknown or expired checkout sessions.
	ErrSessionNotFound = errors.New("checkout: session not found")
	// ErrCartUnavailable wraps failures while reading or mutating the cart.
	ErrCartUnavailable = errors.New("checkout: cart unavailable")
)

// CouponRejectedError carries the marketplace's reason for refusing a coupon verbatim.
type CouponRejectedError struct {
	Code    string
	Message string
}

func (e *CouponRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coupon %s rejected", e.Code)
	}
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Message)
}

func (e *CouponRejectedError) Is(target error) bool { return target == ErrCouponRejected }

// GatewayInitError reports that an order exists but the hosted payment page could not be opened.
// FallbackURL points to the order in the customer's order history.
type GatewayInitError struct {
	OrderID     string
	FallbackURL string
	Err         error
}

func (e *GatewayInitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment: gateway session for order %s could not be created", e.OrderID)
	}
	return fmt.Sprintf("payment: gateway session for order %s could not be created: %v", e.OrderID, e.Err)
}

func (e *GatewayInitError) Is(target error) bool { return target == ErrGatewayInitFailed }

func (e *GatewayInitError) Unwrap() error { return e.Err }

// VerificationError reports that the payment of an order could not be confirmed.
type VerificationError struct {
	OrderID     string
	FallbackURL string
	Err         error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment: verification of order %s failed", e.OrderID)
	}
	return fmt.Sprintf("payment: verification of order %s failed: %v", e.OrderID, e.Err)
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerificationFailed }

func (e *VerificationError) Unwrap() error { return e.Err }

// TransitionError is a customer action rejected locally because of the order's status.
type TransitionError struct {
	OrderID string
	Action  Action
	Status  domain.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: %s not allowed in status %s", e.OrderID, e.Action, e.Status)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StockError lists the selected lines that block submission.
type StockError struct {
	Lines []domain.CartLine
}

func (e *StockError) Error() string {
	ids := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		ids = append(ids, line.VariantID)
	}
	return fmt.Sprintf("checkout: stock unavailable for %s", strings.Join(ids, ", "))
}

func (e *StockError) Is(target error) bool { return target == ErrStockUnavailable }

// Kind groups errors by how the caller should react.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindGateway    Kind = "gateway"
	KindTransient  Kind = "transient"
	KindStock      Kind = "stock"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStockUnavailable):
		return KindStock
	case errors.Is(err, ErrDuplicateSubmission), errors.Is(err, ErrStaleValidation):
		return KindConflict
	case errors.Is(err, ErrGatewayInitFailed), errors.Is(err, ErrVerificationFailed), errors.Is(err, ErrTopUpFailed):
		return KindGateway
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrUnknownLine):
		return KindNotFound
	case errors.Is(err, ErrMissingAddress),
		errors.Is(err, ErrEmptySelection),
		errors.Is(err, ErrInvalidSelection),
		errors.Is(err, ErrCouponCodeRequired),
		errors.Is(err, ErrCouponRejected),
		errors.Is(err, ErrCouponValidationFailed),
		errors.Is(err, ErrReturnReasonRequired),
		errors.Is(err, ErrInvalidRefundTarget),
		errors.Is(err, ErrInvalidTopUpAmount),
		errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrCartUnavailable),
		errors.Is(err, ErrOrderUnavailable),
		errors.Is(err, ErrWalletUnavailable),
		errors.Is(err, marketplace.ErrUnavailable):
		return KindTransient
	}
	if apiErr, ok := marketplace.AsAPIError(err); ok {
		switch {
		case apiErr.NotFound():
			return KindNotFound
		case apiErr.ClientFault():
			return KindValidation
		default:
			return KindTransient
		}
	}
	return KindInternal
}

const (
	msgGeneric           = "Something went wrong. Please try again."
	msgCouponGeneric     = "We couldn't check that coupon right now. Please try again."
	msgGatewayGeneric    = "Your order was placed but the payment page could not be opened. You can pay from your order history."
	msgVerifyGeneric     = "We couldn't confirm your payment yet. Please check your order history."
	msgTopUpGeneric      = "We couldn't complete your wallet top-up. Please try again."
	msgMissingAddress    = "Please choose a shipping address."
	msgEmptySelection    = "Please select at least one item."
	msgInvalidSelection  = "Some selected items can't be ordered right now."
	msgStock             = "Some selected items are out of stock. Remove them to continue."
	msgDuplicate         = "Your order is already being placed."
	msgCouponRequired    = "Please enter a coupon code."
	msgCouponRejected    = "This coupon can't be applied."
	msgReturnReason      = "Please tell us why you are returning this order."
	msgRefundTarget      = "Please choose where to receive your refund."
	msgTopUpAmount       = "Please enter an amount greater than zero."
	msgInvalidTransition = "This action is no longer available for this order."
	msgNotFound          = "We couldn't find what you were looking for."
	msgUnavailable       = "The store is temporarily unavailable. Please try again shortly."
)

// UserMessage returns a short customer-facing reason for err. Reasons supplied by the marketplace
// are preferred and are reduced to plain text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rejected *CouponRejectedError
	if errors.As(err, &rejected) {
		return textutil.Message(rejected.Message, msgCouponRejected)
	}

	remote := ""
	if apiErr, ok := marketplace.AsAPIError(err); ok && apiErr.ClientFault() {
		remote = apiErr.Message
	}

	switch {
	case errors.Is(err, ErrMissingAddress):
		return msgMissingAddress
	case errors.Is(err, ErrStockUnavailable):
		return textutil.Message(remote, msgStock)
	case errors.Is(err, ErrEmptySelection):
		return msgEmptySelection
	case errors.Is(err, ErrInvalidSelection):
		return textutil.Message(remote, msgInvalidSelection)
	case errors.Is(err, ErrDuplicateSubmission):
		return msgDuplicate
	case errors.Is(err, ErrCouponCodeRequired):
		return msgCouponRequired
	case errors.Is(err, ErrCouponValidationFailed), errors.Is(err, ErrStaleValidation):
		return msgCouponGeneric
	case errors.Is(err, ErrGatewayInitFailed):
		return msgGatewayGeneric
	case errors.Is(err, ErrVerificationFailed):
		return textutil.Message(remote, msgVerifyGeneric)
	case errors.Is(err, ErrTopUpFailed):
		return textutil.Message(remote, msgTopUpGeneric)
	case errors.Is(err, ErrReturnReasonRequired):
		return msgReturnReason
	case errors.Is(err, ErrInvalidRefundTarget):
		return msgRefundTarget
	case errors.Is(err, ErrInvalidTopUpAmount):
		return msgTopUpAmount
	case errors.Is(err, ErrInvalidTransition):
		return msgInvalidTransition
	}

	switch Classify(err) {
	case KindNotFound:
		return textutil.Message(remote, msgNotFound)
	case KindValidation:
		return textutil.Message(remote, msgGeneric)
	case KindTransient:
		return msgUnavailable
	default:
		return msgGeneric
	}
}
