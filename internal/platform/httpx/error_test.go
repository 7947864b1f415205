package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

func TestWriteErrorMergesDetails(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()

	err := NewError("payment_gateway_error", "Pay from  your\norder history", http.StatusBadGateway).
		WithDetail("fallbackUrl", "/orders/ord_1").
		WithDetail("ignored", "")
	WriteError(ctx, rr, err)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "payment_gateway_error", body["error"])
	assert.Equal(t, "Pay from your order history", body["message"])
	assert.Equal(t, "/orders/ord_1", body["fallbackUrl"])
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.NotContains(t, body, "ignored")
	assert.NotContains(t, body, "request_id")
}

func TestWithDetailDoesNotShareMaps(t *testing.T) {
	base := NewError("stock_unavailable", "out of stock", http.StatusConflict).WithDetail("a", 1)
	derived := base.WithDetail("b", 2)
	assert.Len(t, base.Details, 1)
	assert.Len(t, derived.Details, 2)
}

func TestUnavailableSetsRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, Unavailable("marketplace_unavailable", "try later", 1500*time.Millisecond))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
}

func TestNewErrorDefaultsAndTruncates(t *testing.T) {
	err := NewError("x", strings.Repeat("é", 400), 0)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.LessOrEqual(t, len(err.Message), messageLimit)
	assert.True(t, strings.HasPrefix(err.Message, "éé"))
	assert.Equal(t, "500 x: "+err.Message, err.Error())
}
