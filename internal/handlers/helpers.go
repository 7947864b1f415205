package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
	"github.com/hanko-field/storefront/internal/services"
)

const (
	defaultMaxBody = 16 * 1024
	// retryAfter is advertised while the marketplace is unreachable or its breaker is open.
	retryAfter = 5 * time.Second
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded JSON body into dst and writes the error response on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, defaultMaxBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// customerID derives a stable, non-reversible owner key from the forwarded credential.
// Authentication happens upstream; the key only scopes in-process state such as checkout sessions.
func customerID(ctx context.Context) (string, bool) {
	token := requestctx.AuthToken(ctx)
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16]), true
}

func requireCustomer(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := customerID(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return owner, true
}

// writeServiceError maps service errors onto the JSON error envelope. The message is always the
// customer-facing reason; internal error text never reaches the response.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	message := services.UserMessage(err)
	kind := services.Classify(err)
	var apiErr httpx.Error
	switch kind {
	case services.KindValidation:
		apiErr = httpx.NewError(validationCode(err), message, http.StatusUnprocessableEntity)
	case services.KindStock:
		apiErr = httpx.NewError("stock_unavailable", message, http.StatusConflict)
		var stockErr *services.StockError
		if errors.As(err, &stockErr) && len(stockErr.Lines) > 0 {
			ids := make([]string, 0, len(stockErr.Lines))
			for _, line := range stockErr.Lines {
				ids = append(ids, line.VariantID)
			}
			apiErr = apiErr.WithDetail("variantIds", ids)
		}
	case services.KindConflict:
		apiErr = httpx.NewError("conflict", message, http.StatusConflict)
	case services.KindNotFound:
		apiErr = httpx.NewError("not_found", message, http.StatusNotFound)
	case services.KindGateway:
		apiErr = httpx.NewError("payment_gateway_error", message, http.StatusBadGateway)
		apiErr = apiErr.WithDetail("fallbackUrl", fallbackURL(err))
	case services.KindTransient:
		apiErr = httpx.Unavailable("marketplace_unavailable", message, retryAfter)
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		apiErr = httpx.NewError("internal_error", message, http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, apiErr)
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, services.ErrCouponRejected):
		return "coupon_rejected"
	case errors.Is(err, services.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, services.ErrMissingAddress):
		return "missing_address"
	case errors.Is(err, services.ErrEmptySelection):
		return "empty_selection"
	default:
		return "invalid_request"
	}
}

func fallbackURL(err error) string {
	var initErr *services.GatewayInitError
	if errors.As(err, &initErr) {
		return initErr.FallbackURL
	}
	var verifyErr *services.VerificationError
	if errors.As(err, &verifyErr) {
		return verifyErr.FallbackURL
	}
	return ""
}

// writeIgnored acknowledges a request dropped because an equivalent one is already in flight.
func writeIgnored(w http.ResponseWriter) {
	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "ignored"})
}
