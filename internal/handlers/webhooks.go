package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/platform/observability"
	"github.com/storefront/checkout/internal/platform/requestctx"
	"github.com/storefront/checkout/internal/services"
)

const (
	maxWebhookBodySize      = 256 * 1024
	stripeSignatureHeader   = "Stripe-Signature"
	paystackSignatureHeader = "X-Paystack-Signature"
)

// WebhookParser verifies and normalises raw provider notifications.
type WebhookParser interface {
	ParseWebhook(providerKey string, payload []byte, signature string) (payments.Event, error)
}

// PaymentWebhookHandlers receives provider notifications. Requests are authenticated by the
// provider signature, never by a user token.
type PaymentWebhookHandlers struct {
	parser   WebhookParser
	payments services.PaymentService
	metrics  *observability.Metrics
}

// NewPaymentWebhookHandlers constructs webhook handlers. metrics may be nil.
func NewPaymentWebhookHandlers(parser WebhookParser, payments services.PaymentService, metrics *observability.Metrics) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{
		parser:   parser,
		payments: payments,
		metrics:  metrics,
	}
}

// Routes wires the provider webhook endpoints onto the provided router.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhooks/payments/stripe", h.handle("stripe", stripeSignatureHeader))
	r.Post("/webhooks/payments/paystack", h.handle("paystack", paystackSignatureHeader))
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// handle answers 2xx for everything the provider should not redeliver: applied, duplicate,
// ignored and unmatched events. Only transient failures return 5xx.
func (h *PaymentWebhookHandlers) handle(provider, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := requestctx.Logger(ctx).With(zap.String("provider", provider))
		if h.parser == nil || h.payments == nil {
			serviceUnavailable(ctx, w, "webhook")
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
			return
		}
		if len(payload) > maxWebhookBodySize {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}

		event, err := h.parser.ParseWebhook(provider, payload, r.Header.Get(signatureHeader))
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrIgnoredEvent):
				h.metrics.RecordWebhook(ctx, provider, "ignored")
				httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "ignored"})
			case errors.Is(err, payments.ErrInvalidSignature):
				h.metrics.RecordWebhook(ctx, provider, "invalid_signature")
				logger.Warn("webhook signature rejected")
				httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
			case errors.Is(err, payments.ErrUnsupportedProvider):
				h.metrics.RecordWebhook(ctx, provider, "unsupported")
				httpx.WriteError(ctx, w, httpx.NewError("provider_not_configured", "payment provider is not configured", http.StatusNotFound))
			default:
				h.metrics.RecordWebhook(ctx, provider, "malformed")
				logger.Warn("webhook payload rejected", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be parsed", http.StatusBadRequest))
			}
			return
		}

		order, err := h.payments.HandleProviderEvent(ctx, services.ProviderEventFromPayments(event))
		if err != nil {
			h.writeEventError(ctx, w, provider, event, err)
			return
		}

		h.metrics.RecordWebhook(ctx, provider, "applied")
		logger.Info("webhook applied",
			zap.String("eventId", event.ID),
			zap.String("orderId", order.ID),
			zap.String("paymentStatus", string(order.PaymentStatus)),
		)
		httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "applied"})
	}
}

func (h *PaymentWebhookHandlers) writeEventError(ctx context.Context, w http.ResponseWriter, provider string, event payments.Event, err error) {
	logger := requestctx.Logger(ctx).With(
		zap.String("provider", provider),
		zap.String("eventId", event.ID),
		zap.String("reference", event.Reference),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		h.metrics.RecordWebhook(ctx, provider, "unmatched")
		logger.Warn("webhook for unknown order")
		httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "unmatched"})
	case errors.Is(err, services.ErrOrderInvalidState):
		h.metrics.RecordWebhook(ctx, provider, "stale")
		logger.Info("webhook does not apply to current payment state")
		httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "stale"})
	case errors.Is(err, services.ErrPaymentInvalidInput):
		h.metrics.RecordWebhook(ctx, provider, "malformed")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		h.metrics.RecordWebhook(ctx, provider, "failed")
		logger.Error("webhook processing failed")
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "event could not be processed, retry later", http.StatusServiceUnavailable))
	}
}
