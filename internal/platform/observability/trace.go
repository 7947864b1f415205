package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const traceResponseHeader = "X-Trace-Id"

var tracer = otel.Tracer("github.com/hanko-field/storefront/internal/platform/observability")

// TraceMiddleware extracts W3C trace context, starts a server span, and stores trace metadata
// on the request context.
func TraceMiddleware() func(http.Handler) http.Handler {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, spanNameFromRequest(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(
				attribute.String("http.request.method", SanitizeMethod(r.Method)),
				attribute.String("url.path", SanitizeRoute(r.URL.Path)),
			)

			spanCtx := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID: spanCtx.TraceID().String(),
				SpanID:  spanCtx.SpanID().String(),
				Sampled: spanCtx.IsSampled(),
			}
			ctx = requestctx.WithTrace(ctx, info)
			if spanCtx.HasTraceID() {
				w.Header().Set(traceResponseHeader, info.TraceID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func spanNameFromRequest(r *http.Request) string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + SanitizeRoute(r.URL.Path)
}
