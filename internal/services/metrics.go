package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hanko-field/storefront/internal/services"

// Metrics records checkout counters. The zero value and a nil pointer are valid and record nothing.
type Metrics struct {
	submissions     metric.Int64Counter
	duplicates      metric.Int64Counter
	couponChecks    metric.Int64Counter
	gatewayFailures metric.Int64Counter
	pollTicks       metric.Int64Counter
}

// NewMetrics registers counters on meter, or on the global meter provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.submissions, err = meter.Int64Counter("checkout.submissions",
		metric.WithDescription("Order submissions by outcome")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("checkout.duplicate_submissions",
		metric.WithDescription("Submissions dropped because one was already in flight")); err != nil {
		return nil, err
	}
	if m.couponChecks, err = meter.Int64Counter("checkout.coupon_validations",
		metric.WithDescription("Coupon validations by result")); err != nil {
		return nil, err
	}
	if m.gatewayFailures, err = meter.Int64Counter("payment.gateway_failures",
		metric.WithDescription("Gateway session and verification failures")); err != nil {
		return nil, err
	}
	if m.pollTicks, err = meter.Int64Counter("orders.status_polls",
		metric.WithDescription("Order status re-fetches by result")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) submission(ctx context.Context, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) duplicate(ctx context.Context) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

func (m *Metrics) couponCheck(ctx context.Context, result string) {
	if m == nil || m.couponChecks == nil {
		return
	}
	m.couponChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) gatewayFailure(ctx context.Context, stage string) {
	if m == nil || m.gatewayFailures == nil {
		return
	}
	m.gatewayFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) pollTick(ctx context.Context, result string) {
	if m == nil || m.pollTicks == nil {
		return
	}
	m.pollTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
