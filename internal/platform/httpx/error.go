package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
)

// Error is the JSON error envelope returned by the storefront BFF. Details are merged into the
// top level of the body so clients read `fallbackUrl` or `variantIds` next to `message`.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
}

// NewError constructs an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, codeLimit),
		Message: clean(message, messageLimit),
		Status:  status,
	}
}

// Unavailable builds a 503 that asks clients to retry after the given delay.
func Unavailable(code, message string, retryAfter time.Duration) Error {
	e := NewError(code, message, http.StatusServiceUnavailable)
	e.RetryAfter = retryAfter
	return e
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithDetail returns a copy of e carrying key. Empty values are dropped.
func (e Error) WithDetail(key string, value any) Error {
	if key == "" || value == nil {
		return e
	}
	if s, ok := value.(string); ok && s == "" {
		return e
	}
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError writes err as JSON, stamping the request and trace identifiers of ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if err.RetryAfter > 0 {
		seconds := int((err.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	body := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: clean(middleware.GetReqID(ctx), 80),
		TraceID:   clean(requestctx.TraceID(ctx), 64),
	}
	if len(err.Details) == 0 {
		WriteJSON(w, status, body)
		return
	}

	payload := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = body.Error
	payload["message"] = body.Message
	payload["status"] = body.Status
	if body.RequestID != "" {
		payload["request_id"] = body.RequestID
	}
	if body.TraceID != "" {
		payload["trace_id"] = body.TraceID
	}
	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// clean collapses whitespace and truncates on a rune boundary.
func clean(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if len(value) <= limit {
		return value
	}
	value = value[:limit]
	for len(value) > 0 && !utf8.ValidString(value) {
		value = value[:len(value)-1]
	}
	return value
}
