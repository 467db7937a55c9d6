package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/storefront/checkout"

// Metrics records pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	checkouts        metric.Int64Counter
	ledgerRejections metric.Int64Counter
	webhookEvents    metric.Int64Counter
	inventoryRetries metric.Int64Counter
	verifications    metric.Int64Counter
	requestDuration  metric.Float64Histogram
}

// NewMetrics registers instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	checkouts, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Checkout attempts by outcome"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("inventory.ledger.rejections",
		metric.WithDescription("Stock decrements refused by the inventory ledger"))
	if err != nil {
		return nil, err
	}
	webhooks, err := meter.Int64Counter("payments.webhook.events",
		metric.WithDescription("Payment provider notifications by provider and outcome"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("inventory.pending.retries",
		metric.WithDescription("Pending ledger writes processed by the retry sweep"))
	if err != nil {
		return nil, err
	}
	verifications, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Service token verifications by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		checkouts:        checkouts,
		ledgerRejections: rejections,
		webhookEvents:    webhooks,
		inventoryRetries: retries,
		verifications:    verifications,
		requestDuration:  duration,
	}, nil
}

// RecordCheckout counts one checkout attempt.
func (m *Metrics) RecordCheckout(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "out_of_stock" {
		m.ledgerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "checkout")))
	}
}

// RecordWebhook counts one provider notification.
func (m *Metrics) RecordWebhook(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordInventoryRetry records the result counts of one retry sweep.
func (m *Metrics) RecordInventoryRetry(ctx context.Context, applied, failed, dropped int) {
	if m == nil {
		return
	}
	for outcome, n := range map[string]int{"applied": applied, "failed": failed, "dropped": dropped} {
		if n > 0 {
			m.inventoryRetries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}

// RecordRequest records the latency of one HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
		attribute.String("http.response.status_code", strconv.Itoa(status)),
	))
}

// RecordVerification counts one token verification on internal routes.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}
