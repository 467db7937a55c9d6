package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/services"
)

func TestPaymentWebhookHandlersApplyStripeEvent(t *testing.T) {
	occurred := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	parser := &stubWebhookParser{event: payments.Event{
		Provider:   "stripe",
		ID:         "evt_1",
		Kind:       payments.EventPaid,
		Reference:  "cs_test_1",
		OrderID:    "ord_1",
		OccurredAt: occurred,
	}}
	var captured services.ProviderEvent
	svc := &stubPaymentService{
		eventFunc: func(_ context.Context, event services.ProviderEvent) (services.Order, error) {
			captured = event
			order := sampleOrder()
			order.PaymentStatus = domain.PaymentStatusPaid
			return order, nil
		},
	}
	handler := NewPaymentWebhookHandlers(parser, svc, nil)

	rr := serve(t, handler.Routes, nil, http.MethodPost, "/webhooks/payments/stripe", `{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if parser.provider != "stripe" || parser.signature != "t=1,v1=abc" {
		t.Fatalf("unexpected parser input %q %q", parser.provider, parser.signature)
	}
	if captured.Kind != services.ProviderEventPaid || captured.Reference != "cs_test_1" || !captured.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected provider event %+v", captured)
	}
	var body webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "applied" {
		t.Fatalf("expected applied, got %s", body.Status)
	}
}

func TestPaymentWebhookHandlersPaystackSignatureHeader(t *testing.T) {
	parser := &stubWebhookParser{err: payments.ErrIgnoredEvent}
	handler := NewPaymentWebhookHandlers(parser, &stubPaymentService{}, nil)

	rr := serve(t, handler.Routes, nil, http.MethodPost, "/webhooks/payments/paystack", `{"event":"transfer.success"}`, map[string]string{"X-Paystack-Signature": "deadbeef"})
	if rr.Code != http.StatusOK {
		t.Fatalf("ignored events must be acknowledged, got %d", rr.Code)
	}
	if parser.provider != "paystack" || parser.signature != "deadbeef" {
		t.Fatalf("unexpected parser input %q %q", parser.provider, parser.signature)
	}
}

func TestPaymentWebhookHandlersInvalidSignature(t *testing.T) {
	parser := &stubWebhookParser{err: fmt.Errorf("%w: mismatch", payments.ErrInvalidSignature)}
	called := false
	svc := &stubPaymentService{
		eventFunc: func(context.Context, services.ProviderEvent) (services.Order, error) {
			called = true
			return services.Order{}, nil
		},
	}
	handler := NewPaymentWebhookHandlers(parser, svc, nil)
	rr := serve(t, handler.Routes, nil, http.MethodPost, "/webhooks/payments/stripe", `{}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if called {
		t.Fatalf("unverified events must not reach the payment service")
	}
}

func TestPaymentWebhookHandlersEventOutcomes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		label  string
	}{
		{fmt.Errorf("%w: unknown reference", services.ErrOrderNotFound), http.StatusOK, "unmatched"},
		{fmt.Errorf("%w: refunded -> paid", services.ErrOrderInvalidState), http.StatusOK, "stale"},
		{fmt.Errorf("%w: store down", services.ErrOrderUnavailable), http.StatusServiceUnavailable, ""},
		{fmt.Errorf("%w: no reference", services.ErrPaymentInvalidInput), http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		parser := &stubWebhookParser{event: payments.Event{Provider: "paystack", ID: "1", Kind: payments.EventFailed, Reference: "psk_1"}}
		svc := &stubPaymentService{
			eventFunc: func(context.Context, services.ProviderEvent) (services.Order, error) {
				return services.Order{}, tc.err
			},
		}
		handler := NewPaymentWebhookHandlers(parser, svc, nil)
		rr := serve(t, handler.Routes, nil, http.MethodPost, "/webhooks/payments/paystack", `{}`, nil)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		if tc.label == "" {
			continue
		}
		var body webhookResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != tc.label {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.label, body.Status)
		}
	}
}
